package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type accountPayload struct {
	UserID             string `json:"user_id"`
	Points             int64  `json:"points"`
	WalletBalanceCents int64  `json:"wallet_balance_cents"`
	WalletBalance      string `json:"wallet_balance"`
	Level              int    `json:"level"`
	Exp                int64  `json:"exp"`
	YapeNumber         string `json:"yape_number,omitempty"`
	PlinNumber         string `json:"plin_number,omitempty"`
	CanWithdraw        bool   `json:"can_withdraw"`
}

type eligibilityPayload struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	RequiredLevel      int    `json:"required_level"`
	MinimumAmountCents int64  `json:"minimum_amount_cents"`
}

type withdrawalPayload struct {
	WithdrawalID   string `json:"withdrawal_id"`
	AmountCents    int64  `json:"amount_cents"`
	Amount         string `json:"amount"`
	Destination    string `json:"destination"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type rewardPayload struct {
	RewardID       string          `json:"reward_id"`
	Points         int64           `json:"points"`
	Provider       string          `json:"provider"`
	TransactionID  string          `json:"transaction_id"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

// pointsInput accepts "2000" and 2000 alike; validation happens in ledger.ParseConversionPoints.
type pointsInput string

func (input *pointsInput) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*input = pointsInput(text)
		return nil
	}
	*input = pointsInput(trimmed)
	return nil
}

type conversionRequest struct {
	Points pointsInput `json:"points"`
}

type payoutMethodsRequest struct {
	Yape string `json:"yape"`
	Plin string `json:"plin"`
}

type withdrawalRequest struct {
	Destination string `json:"destination"`
}

type challengeRequest struct {
	UserID  string      `json:"user_id"`
	ProofID string      `json:"proof_id"`
	Points  pointsInput `json:"points"`
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) accountPayload(account ledger.Account) accountPayload {
	payload := accountPayload{
		UserID:             account.UserID.String(),
		Points:             account.Points.Int64(),
		WalletBalanceCents: account.WalletBalance.Int64(),
		WalletBalance:      account.WalletBalance.String(),
		Level:              account.Level.Int(),
		Exp:                account.Exp,
		CanWithdraw:        server.service.CanWithdraw(account),
	}
	if identifier, ok := account.PayoutIdentifier(ledger.PayoutMethodYape); ok {
		payload.YapeNumber = identifier.Handle()
	}
	if identifier, ok := account.PayoutIdentifier(ledger.PayoutMethodPlin); ok {
		payload.PlinNumber = identifier.Handle()
	}
	return payload
}

func newWithdrawalPayload(withdrawal ledger.Withdrawal) withdrawalPayload {
	return withdrawalPayload{
		WithdrawalID:   withdrawal.WithdrawalID,
		AmountCents:    withdrawal.Amount.Int64(),
		Amount:         withdrawal.Amount.String(),
		Destination:    withdrawal.Destination.String(),
		Status:         withdrawal.Status.String(),
		FailureCode:    withdrawal.FailureCode,
		CreatedUnixUTC: withdrawal.CreatedUnixUTC,
		UpdatedUnixUTC: withdrawal.UpdatedUnixUTC,
	}
}

func (server *Server) handleAccount(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.service.Account(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	eligibility := server.service.Eligibility(account)
	policy := server.service.Policy()
	ctx.JSON(http.StatusOK, gin.H{
		"account": server.accountPayload(account),
		"eligibility": eligibilityPayload{
			Allowed:            eligibility.Allowed,
			Reason:             string(eligibility.Reason),
			RequiredLevel:      eligibility.RequiredLevel.Int(),
			MinimumAmountCents: eligibility.MinimumAmount.Int64(),
		},
		"conversion": gin.H{
			"points_per_unit":          policy.ConversionRate,
			"minimum_points":           policy.MinConversionPoints,
			"minimum_withdrawal":       policy.MinWithdrawalAmount.String(),
			"minimum_withdrawal_cents": policy.MinWithdrawalAmount.Int64(),
		},
	})
}

func (server *Server) handleOpenAccount(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.service.OpenAccount(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": server.accountPayload(account)})
}

func (server *Server) handleEstimate(ctx *gin.Context) {
	if _, ok := requireUser(ctx); !ok {
		return
	}
	points, err := ledger.ParseConversionPoints(ctx.Query("points"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	credit, err := server.service.EstimateConversion(points)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"points":        points.Int64(),
		"credit_cents":  credit.Int64(),
		"credit":        credit.String(),
		"meets_minimum": points.Int64() >= server.service.Policy().MinConversionPoints,
	})
}

func (server *Server) handleConvert(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request conversionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	points, err := ledger.ParseConversionPoints(string(request.Points))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	credit, err := server.service.EstimateConversion(points)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.service.Convert(requestCtx, userID, points)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"credited_cents": credit.Int64(),
		"account":        server.accountPayload(account),
	})
}

func (server *Server) handleLinkPayoutMethods(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request payoutMethodsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	identifiers, err := ledger.BuildPayoutIdentifiers(request.Yape, request.Plin)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.service.LinkPayoutMethods(requestCtx, userID, identifiers)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": server.accountPayload(account)})
}

// handleWithdraw answers 200 once the flow has started; the body's state
// tells success from error.
func (server *Server) handleWithdraw(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request withdrawalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	outcome, err := server.service.RequestWithdrawal(requestCtx, userID, ledger.PayoutMethod(strings.TrimSpace(request.Destination)))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	visited := make([]string, 0, len(outcome.Visited))
	for _, state := range outcome.Visited {
		visited = append(visited, state.String())
	}
	response := gin.H{
		"state":   outcome.State.String(),
		"visited": visited,
		"code":    ledger.ErrorCode(outcome.Failure),
		"account": server.accountPayload(outcome.Account),
	}
	if outcome.Withdrawal != nil {
		response["withdrawal"] = newWithdrawalPayload(*outcome.Withdrawal)
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleListWithdrawals(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	before, limit, ok := parsePage(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	withdrawals, err := server.service.ListWithdrawals(requestCtx, userID, before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]withdrawalPayload, 0, len(withdrawals))
	for _, withdrawal := range withdrawals {
		payloads = append(payloads, newWithdrawalPayload(withdrawal))
	}
	ctx.JSON(http.StatusOK, gin.H{"withdrawals": payloads})
}

func (server *Server) handleListRewards(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	before, limit, ok := parsePage(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	rewards, err := server.service.ListRewards(requestCtx, userID, before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]rewardPayload, 0, len(rewards))
	for _, reward := range rewards {
		payloads = append(payloads, rewardPayload{
			RewardID:       reward.RewardID,
			Points:         reward.Points.Int64(),
			Provider:       reward.Provider,
			TransactionID:  reward.TransactionID.String(),
			Status:         reward.Status.String(),
			Metadata:       json.RawMessage(reward.Metadata.String()),
			CreatedUnixUTC: reward.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"rewards": payloads})
}

// handleSurveyHash signs the survey wall link: hex(sha256(userID + key)).
func (server *Server) handleSurveyHash(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	if server.cfg.CPXSecureKey == "" {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("surveys_unavailable", "survey provider is not configured"))
		return
	}
	digest := sha256.Sum256([]byte(userID.String() + server.cfg.CPXSecureKey))
	ctx.JSON(http.StatusOK, gin.H{"secure_hash": hex.EncodeToString(digest[:])})
}

func (server *Server) handleRealtime(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	account, err := server.service.Account(requestCtx, userID)
	cancel()
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if err := server.hub.ServeWebsocket(ctx.Writer, ctx.Request, account); err != nil {
		server.logger.Debug("websocket upgrade failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (server *Server) handleCompleteChallenge(ctx *gin.Context) {
	var request challengeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	points, err := ledger.ParseConversionPoints(string(request.Points))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	account, err := server.service.CompleteChallenge(requestCtx, userID, request.ProofID, points)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": server.accountPayload(account)})
}

// parsePage reads the before/limit query parameters or writes a 400.
func parsePage(ctx *gin.Context) (int64, int, bool) {
	var before int64
	if raw := strings.TrimSpace(ctx.Query("before")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
			return 0, 0, false
		}
		before = parsed
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and "+strconv.Itoa(maxListLimit)))
			return 0, 0, false
		}
		limit = parsed
	}
	return before, limit, true
}
