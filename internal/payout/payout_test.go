package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(t *testing.T, destination string) ledger.PayoutRequest {
	t.Helper()
	userID, err := ledger.NewUserID("user-1")
	require.NoError(t, err)
	identifier, err := ledger.ParsePayoutIdentifier(destination)
	require.NoError(t, err)
	return ledger.PayoutRequest{WithdrawalID: "w-1", UserID: userID, Destination: identifier, Amount: 1500}
}

func TestSimulatedProvider(t *testing.T) {
	provider := NewSimulated(5*time.Millisecond, "000")
	require.NoError(t, provider.SubmitPayout(context.Background(), testRequest(t, "yape:999")))

	err := provider.SubmitPayout(context.Background(), testRequest(t, "plin:000"))
	assert.ErrorIs(t, err, ledger.ErrPayoutProviderRejected)

	latest, err := provider.LookupPayout(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutResolutionRejected, latest)
	unknown, err := provider.LookupPayout(context.Background(), "w-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutResolutionUnknown, unknown)

	slow := NewSimulated(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.SubmitPayout(ctx, testRequest(t, "yape:999")), context.DeadlineExceeded)
}

func TestHTTPProviderAccepted(t *testing.T) {
	var received payoutRequestBody
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "Bearer token-1", request.Header.Get(headerAuthorization))
		assert.Equal(t, "w-1", request.Header.Get(headerIdempotencyKey))
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&received))
		_, _ = writer.Write([]byte(`{"status":"ACCEPTED","id":"p-1"}`))
	}))
	t.Cleanup(server.Close)

	provider, err := NewHTTP(HTTPConfig{Endpoint: server.URL, APIToken: "token-1"})
	require.NoError(t, err)
	require.NoError(t, provider.SubmitPayout(context.Background(), testRequest(t, "yape:999")))
	assert.Equal(t, "yape", received.Method)
	assert.Equal(t, "999", received.Handle)
	assert.Equal(t, int64(1500), received.AmountCents)
	assert.Equal(t, "15.00", received.Amount)
}

func TestHTTPProviderRejections(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "rejected status", status: http.StatusOK, body: `{"status":"rejected","reason":"account closed"}`, message: "account closed"},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":{"message":"rail down"}}`, message: "rail down"},
		{name: "empty error body", status: http.StatusUnauthorized, body: ``, message: "Unauthorized"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			t.Cleanup(server.Close)
			provider, err := NewHTTP(HTTPConfig{Endpoint: server.URL})
			require.NoError(t, err)
			err = provider.SubmitPayout(context.Background(), testRequest(t, "yape:999"))
			require.ErrorIs(t, err, ledger.ErrPayoutProviderRejected)
			assert.Contains(t, err.Error(), testCase.message)
		})
	}
}

func TestHTTPProviderHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	provider, err := NewHTTP(HTTPConfig{Endpoint: server.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = provider.SubmitPayout(ctx, testRequest(t, "yape:999"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ledger.ErrPayoutProviderRejected))
}

func TestHTTPProviderLookup(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		resolution ledger.PayoutResolution
		wantError  bool
	}{
		{name: "accepted", status: http.StatusOK, body: `{"status":"accepted"}`, resolution: ledger.PayoutResolutionAccepted},
		{name: "rejected", status: http.StatusOK, body: `{"status":"REJECTED","reason":"closed"}`, resolution: ledger.PayoutResolutionRejected},
		{name: "pending", status: http.StatusOK, body: `{"status":"pending"}`, resolution: ledger.PayoutResolutionPending},
		{name: "never received", status: http.StatusNotFound, body: ``, resolution: ledger.PayoutResolutionUnknown},
		{name: "unexpected status", status: http.StatusOK, body: `{"status":"mystery"}`, wantError: true},
		{name: "server error", status: http.StatusBadGateway, body: ``, wantError: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				assert.Equal(t, http.MethodGet, request.Method)
				assert.Equal(t, "/payouts/w-1", request.URL.Path)
				assert.Equal(t, "Bearer token-1", request.Header.Get(headerAuthorization))
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			t.Cleanup(server.Close)
			provider, err := NewHTTP(HTTPConfig{Endpoint: server.URL + "/payouts", APIToken: "token-1"})
			require.NoError(t, err)
			resolution, err := provider.LookupPayout(context.Background(), "w-1")
			if testCase.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.resolution, resolution)
		})
	}
}

func TestNewHTTPRequiresEndpoint(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{Endpoint: " "})
	assert.ErrorIs(t, err, errInvalidEndpoint)
}
