package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	postbackStatusCompleted = "1"
	postbackBodyOK          = "OK"
	postbackBodyDuplicate   = "Duplicate"
)

var errNonPositivePostbackAmount = errors.New("postback amount is not positive")

// handleCPXPostback credits a completed survey. The provider retries on any
// non-2xx answer, so replays and non-completion statuses answer 200.
func (server *Server) handleCPXPostback(ctx *gin.Context) {
	if !server.postback.Allow(ctx.ClientIP()) {
		ctx.String(http.StatusTooManyRequests, "Too Many Requests")
		return
	}
	if server.cfg.PostbackSecret != "" {
		provided := ctx.Query("secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(server.cfg.PostbackSecret)) != 1 {
			ctx.String(http.StatusForbidden, "Forbidden")
			return
		}
	}
	if ctx.Query("status") != postbackStatusCompleted {
		ctx.String(http.StatusOK, postbackBodyOK)
		return
	}
	rawUserID := strings.TrimSpace(ctx.Query("ext_user_id"))
	rawAmount := strings.TrimSpace(ctx.Query("amount_local"))
	if rawUserID == "" || rawAmount == "" {
		ctx.String(http.StatusBadRequest, "Error: Missing parameters")
		return
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.String(http.StatusBadRequest, "Error: Missing parameters")
		return
	}
	points, err := parsePostbackAmount(rawAmount)
	if errors.Is(err, errNonPositivePostbackAmount) {
		server.logger.Warn("postback without reward ignored", zap.String("ext_user_id", rawUserID), zap.String("amount_local", rawAmount))
		ctx.String(http.StatusOK, postbackBodyOK)
		return
	}
	if err != nil {
		server.logger.Warn("postback amount rejected", zap.String("amount_local", rawAmount), zap.Error(err))
		ctx.String(http.StatusBadRequest, "Invalid amount")
		return
	}
	rawTransactionID := strings.TrimSpace(ctx.Query("trans_id"))
	if rawTransactionID == "" {
		rawTransactionID = postbackTransactionScope + "-" + uuid.NewString()
	}
	transactionID, err := ledger.NewIdempotencyKey(rawTransactionID)
	if err != nil {
		ctx.String(http.StatusBadRequest, "Error: Missing parameters")
		return
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"amount_local":%q}`, rawAmount))
	if err != nil {
		ctx.String(http.StatusBadRequest, "Invalid amount")
		return
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	_, err = server.service.CreditReward(requestCtx, ledger.RewardCredit{
		UserID:        userID,
		Points:        points,
		Provider:      postbackProvider,
		TransactionID: transactionID,
		Metadata:      metadata,
	})
	switch {
	case err == nil:
		ctx.String(http.StatusOK, postbackBodyOK)
	case errors.Is(err, ledger.ErrDuplicateReward):
		server.logger.Info("duplicate postback ignored", zap.String("transaction_id", transactionID.String()))
		ctx.String(http.StatusOK, postbackBodyDuplicate)
	case errors.Is(err, ledger.ErrAccountNotFound):
		ctx.String(http.StatusNotFound, "Error: Unknown user")
	default:
		server.logger.Error("postback credit failed", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		ctx.String(http.StatusInternalServerError, "Error: "+ledger.ErrorCode(err))
	}
}

// parsePostbackAmount reads a decimal amount (comma or dot separator) as
// points, rounding half up. Positive amounts credit at least one point;
// zero and negative amounts yield errNonPositivePostbackAmount.
func parsePostbackAmount(raw string) (ledger.PositivePoints, error) {
	normalized := strings.Replace(strings.TrimSpace(raw), ",", ".", 1)
	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ledger.ErrInvalidAmount, raw)
	}
	if value <= 0 {
		return 0, errNonPositivePostbackAmount
	}
	rounded := math.Max(math.Floor(value+0.5), 1)
	if rounded >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q is too large", ledger.ErrInvalidAmount, raw)
	}
	return ledger.NewPositivePoints(int64(rounded))
}
