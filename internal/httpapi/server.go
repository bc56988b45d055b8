// Package httpapi serves the session-authenticated rewards API and the survey postback.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/internal/metrics"
	"github.com/MarkoPoloResearchLab/questnet/internal/realtime"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

var errMissingService = errors.New("ledger service is required")

// Dependencies are the collaborators a Server routes requests to.
// Hub and Metrics are optional.
type Dependencies struct {
	Logger  *zap.Logger
	Service *ledger.Service
	Hub     *realtime.Hub
	Metrics *metrics.Metrics
}

// Server owns the gin router.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	service  *ledger.Service
	hub      *realtime.Hub
	metrics  *metrics.Metrics
	postback *keyedLimiter
	router   *gin.Engine
}

// New validates cfg and builds the router.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil {
		return nil, errMissingService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{
		cfg:      cfg,
		logger:   logger,
		service:  deps.Service,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		postback: newKeyedLimiter(cfg.PostbackRatePerSecond, cfg.PostbackBurst),
	}
	server.router = server.setupRouter(validator)
	return server, nil
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if server.metrics != nil {
		router.Use(server.metrics.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics.Handler()))
	}
	router.GET("/postbacks/cpx", server.handleCPXPostback)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/account", server.handleAccount)
	api.POST("/account", server.handleOpenAccount)
	api.GET("/conversions/estimate", server.handleEstimate)
	api.POST("/conversions", server.handleConvert)
	api.PUT("/payout-methods", server.handleLinkPayoutMethods)
	api.POST("/withdrawals", server.handleWithdraw)
	api.GET("/withdrawals", server.handleListWithdrawals)
	api.GET("/rewards", server.handleListRewards)
	api.POST("/surveys/hash", server.handleSurveyHash)
	if server.hub != nil {
		api.GET("/realtime", server.handleRealtime)
	}

	admin := api.Group("/admin")
	admin.Use(server.requireRole(server.cfg.AdminRole))
	admin.POST("/challenges/complete", server.handleCompleteChallenge)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireUser resolves the session user or writes a 401.
func requireUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (server *Server) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, candidate := range claims.GetUserRoles() {
			if candidate == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "role "+role+" required"))
	}
}

var errorStatuses = map[string]int{
	ledger.CodeInvalidUserID:             http.StatusBadRequest,
	ledger.CodeInvalidAmount:             http.StatusBadRequest,
	ledger.CodeInvalidTransactionID:      http.StatusBadRequest,
	ledger.CodeInvalidMetadata:           http.StatusBadRequest,
	ledger.CodeInvalidProvider:           http.StatusBadRequest,
	ledger.CodeInvalidPayoutMethod:       http.StatusBadRequest,
	ledger.CodeInvalidPayoutIdentifier:   http.StatusBadRequest,
	ledger.CodeBelowMinimum:              http.StatusUnprocessableEntity,
	ledger.CodeInsufficientPoints:        http.StatusUnprocessableEntity,
	ledger.CodeLevelTooLow:               http.StatusUnprocessableEntity,
	ledger.CodeBelowWithdrawalMinimum:    http.StatusUnprocessableEntity,
	ledger.CodePayoutMethodMissing:       http.StatusUnprocessableEntity,
	ledger.CodePayoutDestinationUnlinked: http.StatusUnprocessableEntity,
	ledger.CodeWithdrawalInFlight:        http.StatusConflict,
	ledger.CodePayoutProviderRejected:    http.StatusBadGateway,
	ledger.CodePayoutTimeout:             http.StatusGatewayTimeout,
	ledger.CodeAccountNotFound:           http.StatusNotFound,
	ledger.CodeAccountExists:             http.StatusConflict,
	ledger.CodeDuplicateReward:           http.StatusConflict,
	ledger.CodeStorageUnavailable:        http.StatusServiceUnavailable,
	ledger.CodeStorageFailure:            http.StatusServiceUnavailable,
}

// respondError writes the JSON error envelope for a ledger error.
func (server *Server) respondError(ctx *gin.Context, err error) {
	code := ledger.ErrorCode(err)
	statusCode, known := errorStatuses[code]
	if !known {
		server.logger.Error("unexpected ledger error", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(ledger.CodeInternal, "internal error"))
		return
	}
	message := err.Error()
	if statusCode >= http.StatusInternalServerError {
		server.logger.Warn("ledger request failed", zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err))
		message = http.StatusText(statusCode)
	}
	ctx.JSON(statusCode, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
