package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/tidwall/gjson"
)

const (
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	headerIdempotencyKey = "Idempotency-Key"
	contentTypeJSON      = "application/json"
	statusAccepted       = "accepted"
	statusRejected       = "rejected"
	statusPending        = "pending"
	maxResponseBytes     = 64 << 10
)

var errInvalidEndpoint = errors.New("payout endpoint is required")

// HTTPConfig configures an HTTP payout rail.
type HTTPConfig struct {
	Endpoint string
	APIToken string
	Client   *http.Client
}

// HTTP submits payouts to a JSON endpoint. The endpoint answers
// {"status":"accepted"} or {"status":"rejected","reason":"..."}.
// GET <endpoint>/<withdrawal id> reports the same status for an earlier
// submission, or 404 when the rail never received it.
type HTTP struct {
	endpoint string
	apiToken string
	client   *http.Client
}

type payoutRequestBody struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Method       string `json:"method"`
	Handle       string `json:"handle"`
	AmountCents  int64  `json:"amount_cents"`
	Amount       string `json:"amount"`
}

// NewHTTP validates the config and returns a provider.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errInvalidEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{endpoint: endpoint, apiToken: strings.TrimSpace(cfg.APIToken), client: client}, nil
}

// SubmitPayout implements ledger.PayoutProvider. The caller's context bounds the call.
func (provider *HTTP) SubmitPayout(ctx context.Context, request ledger.PayoutRequest) error {
	body, err := json.Marshal(payoutRequestBody{
		WithdrawalID: request.WithdrawalID,
		UserID:       request.UserID.String(),
		Method:       request.Destination.Method().String(),
		Handle:       request.Destination.Handle(),
		AmountCents:  request.Amount.Int64(),
		Amount:       request.Amount.String(),
	})
	if err != nil {
		return fmt.Errorf("encode payout request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build payout request: %w", err)
	}
	httpRequest.Header.Set(headerContentType, contentTypeJSON)
	httpRequest.Header.Set(headerIdempotencyKey, request.WithdrawalID)
	provider.authorize(httpRequest)
	response, err := provider.client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("payout request: %w", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read payout response: %w", err)
	}
	return interpretResponse(response.StatusCode, payload)
}

// LookupPayout implements ledger.PayoutProvider.
func (provider *HTTP) LookupPayout(ctx context.Context, withdrawalID string) (ledger.PayoutResolution, error) {
	lookupURL, err := url.JoinPath(provider.endpoint, withdrawalID)
	if err != nil {
		return "", fmt.Errorf("build payout lookup url: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", fmt.Errorf("build payout lookup: %w", err)
	}
	provider.authorize(httpRequest)
	response, err := provider.client.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("payout lookup: %w", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read payout lookup: %w", err)
	}
	return interpretLookup(response.StatusCode, payload)
}

func (provider *HTTP) authorize(httpRequest *http.Request) {
	if provider.apiToken != "" {
		httpRequest.Header.Set(headerAuthorization, "Bearer "+provider.apiToken)
	}
}

func interpretLookup(statusCode int, payload []byte) (ledger.PayoutResolution, error) {
	if statusCode == http.StatusNotFound {
		return ledger.PayoutResolutionUnknown, nil
	}
	parsed := gjson.ParseBytes(payload)
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("payout lookup: http %d: %s", statusCode, http.StatusText(statusCode))
	}
	switch strings.ToLower(parsed.Get("status").String()) {
	case statusAccepted:
		return ledger.PayoutResolutionAccepted, nil
	case statusRejected:
		return ledger.PayoutResolutionRejected, nil
	case statusPending:
		return ledger.PayoutResolutionPending, nil
	default:
		return "", fmt.Errorf("payout lookup: unexpected status %q", parsed.Get("status").String())
	}
}

func interpretResponse(statusCode int, payload []byte) error {
	parsed := gjson.ParseBytes(payload)
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		message := parsed.Get("error.message").String()
		if message == "" {
			message = http.StatusText(statusCode)
		}
		return fmt.Errorf("%w: http %d: %s", ledger.ErrPayoutProviderRejected, statusCode, message)
	}
	status := strings.ToLower(parsed.Get("status").String())
	if status == statusAccepted {
		return nil
	}
	reason := parsed.Get("reason").String()
	if reason == "" {
		reason = "status " + status
	}
	return fmt.Errorf("%w: %s", ledger.ErrPayoutProviderRejected, reason)
}
