package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/internal/metrics"
	"github.com/MarkoPoloResearchLab/questnet/internal/payout"
	"github.com/MarkoPoloResearchLab/questnet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"gorm.io/gorm"
)

const testUserID = "demo-user"

type testAPI struct {
	cfg     Config
	server  *Server
	service *ledger.Service
	store   *gormstore.Store
}

func newTestAPI(t *testing.T, configure func(cfg *Config)) *testAPI {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/questnet.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(context.Background(), db); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	})
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, ledger.WithPayoutProvider(payout.NewSimulated(0)))
	if err != nil {
		t.Fatalf("ledger service init failed: %v", err)
	}
	cfg := Config{
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		CPXSecureKey:      "cpx-key",
	}
	if configure != nil {
		configure(&cfg)
	}
	server, err := New(cfg, Dependencies{Service: service, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("server init failed: %v", err)
	}
	return &testAPI{cfg: server.cfg, server: server, service: service, store: store}
}

func (api *testAPI) do(t *testing.T, method string, path string, payload any, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	request.AddCookie(buildSessionCookie(t, api.cfg, roles...))
	recorder := httptest.NewRecorder()
	api.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func (api *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	api.server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

// seed opens the session user's account and applies balances directly.
func (api *testAPI) seed(t *testing.T, points int64, balance int64, level int) {
	t.Helper()
	ctx := context.Background()
	userID, err := ledger.NewUserID(testUserID)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	account, err := api.service.OpenAccount(ctx, userID)
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	if _, err := api.store.UpdateAccount(ctx, ledger.AccountUpdate{
		UserID:          userID,
		ExpectedVersion: account.Version,
		PointsDelta:     points,
		BalanceDelta:    balance,
		Progress:        &ledger.Progress{Level: ledger.Level(level)},
		UpdatedUnixUTC:  time.Now().UTC().Unix(),
	}); err != nil {
		t.Fatalf("seed update: %v", err)
	}
}

func buildSessionCookie(t *testing.T, cfg Config, roles ...string) *http.Cookie {
	claims := &sessionvalidator.Claims{
		UserID:          testUserID,
		UserEmail:       "demo@example.com",
		UserDisplayName: "Demo",
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

type accountEnvelope struct {
	Account       accountPayload `json:"account"`
	CreditedCents int64          `json:"credited_cents"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func requireErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	if envelope := decode[errorEnvelope](t, recorder); envelope.Error.Code != code {
		t.Fatalf("expected code %s, got %s", code, envelope.Error.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil)
	if recorder := api.get(t, "/healthz"); recorder.Code != http.StatusOK {
		t.Fatalf("healthz status %d", recorder.Code)
	}
	if recorder := api.get(t, "/metrics"); recorder.Code != http.StatusOK {
		t.Fatalf("metrics status %d", recorder.Code)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	api := newTestAPI(t, nil)
	if recorder := api.get(t, "/api/account"); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestOpenAccountAndConvert(t *testing.T) {
	api := newTestAPI(t, nil)

	requireErrorCode(t, api.do(t, http.MethodGet, "/api/account", nil), http.StatusNotFound, ledger.CodeAccountNotFound)

	opened := api.do(t, http.MethodPost, "/api/account", nil)
	if opened.Code != http.StatusOK {
		t.Fatalf("open account status %d: %s", opened.Code, opened.Body.String())
	}
	if account := decode[accountEnvelope](t, opened).Account; account.Level != 1 || account.Points != 0 {
		t.Fatalf("unexpected new account: %+v", account)
	}

	api.seed(t, 5000, 0, 1)

	estimate := api.do(t, http.MethodGet, "/api/conversions/estimate?points=2000", nil)
	if estimate.Code != http.StatusOK {
		t.Fatalf("estimate status %d", estimate.Code)
	}
	if preview := decode[map[string]any](t, estimate); preview["credit_cents"] != float64(200) {
		t.Fatalf("unexpected estimate: %v", preview)
	}

	converted := api.do(t, http.MethodPost, "/api/conversions", map[string]any{"points": "2000"})
	if converted.Code != http.StatusOK {
		t.Fatalf("convert status %d: %s", converted.Code, converted.Body.String())
	}
	envelope := decode[accountEnvelope](t, converted)
	if envelope.CreditedCents != 200 || envelope.Account.Points != 3000 || envelope.Account.WalletBalanceCents != 200 {
		t.Fatalf("unexpected conversion result: %+v", envelope)
	}
	if envelope.Account.WalletBalance != "2.00" {
		t.Fatalf("unexpected display balance %q", envelope.Account.WalletBalance)
	}

	requireErrorCode(t, api.do(t, http.MethodPost, "/api/conversions", map[string]any{"points": 12.5}), http.StatusBadRequest, ledger.CodeInvalidAmount)
	requireErrorCode(t, api.do(t, http.MethodPost, "/api/conversions", map[string]any{"points": "abc"}), http.StatusBadRequest, ledger.CodeInvalidAmount)
	requireErrorCode(t, api.do(t, http.MethodPost, "/api/conversions", map[string]any{"points": 500}), http.StatusUnprocessableEntity, ledger.CodeBelowMinimum)
	requireErrorCode(t, api.do(t, http.MethodPost, "/api/conversions", map[string]any{"points": 9000}), http.StatusUnprocessableEntity, ledger.CodeInsufficientPoints)

	account := decode[accountEnvelope](t, api.do(t, http.MethodGet, "/api/account", nil)).Account
	if account.Points != 3000 || account.WalletBalanceCents != 200 {
		t.Fatalf("rejected conversions changed the account: %+v", account)
	}
}

func TestWithdrawalFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, 0, 1500, 10)

	missing := api.do(t, http.MethodPost, "/api/withdrawals", nil)
	if missing.Code != http.StatusOK {
		t.Fatalf("withdraw status %d: %s", missing.Code, missing.Body.String())
	}
	if body := decode[map[string]any](t, missing); body["state"] != "error" || body["code"] != ledger.CodePayoutMethodMissing {
		t.Fatalf("expected payout method missing, got %v", body)
	}

	requireErrorCode(t, api.do(t, http.MethodPut, "/api/payout-methods", map[string]any{"yape": "98x"}), http.StatusBadRequest, ledger.CodeInvalidPayoutIdentifier)
	linked := api.do(t, http.MethodPut, "/api/payout-methods", map[string]any{"yape": "987 654 321"})
	if linked.Code != http.StatusOK {
		t.Fatalf("link status %d: %s", linked.Code, linked.Body.String())
	}
	if account := decode[accountEnvelope](t, linked).Account; account.YapeNumber != "987654321" || !account.CanWithdraw {
		t.Fatalf("unexpected linked account: %+v", account)
	}

	requireErrorCode(t, api.do(t, http.MethodPost, "/api/withdrawals", map[string]any{"destination": "plin"}), http.StatusUnprocessableEntity, ledger.CodePayoutDestinationUnlinked)

	withdrawn := api.do(t, http.MethodPost, "/api/withdrawals", map[string]any{"destination": "yape"})
	body := decode[struct {
		State      string            `json:"state"`
		Visited    []string          `json:"visited"`
		Withdrawal withdrawalPayload `json:"withdrawal"`
		Account    accountPayload    `json:"account"`
	}](t, withdrawn)
	if body.State != "success" || body.Withdrawal.AmountCents != 1500 || body.Account.WalletBalanceCents != 0 {
		t.Fatalf("unexpected withdrawal: %+v", body)
	}
	if len(body.Visited) != 3 || body.Visited[1] != "processing" {
		t.Fatalf("unexpected visited states: %v", body.Visited)
	}

	listed := decode[struct {
		Withdrawals []withdrawalPayload `json:"withdrawals"`
	}](t, api.do(t, http.MethodGet, "/api/withdrawals", nil))
	if len(listed.Withdrawals) != 1 || listed.Withdrawals[0].Status != "succeeded" {
		t.Fatalf("unexpected withdrawal history: %+v", listed)
	}

	requireErrorCode(t, api.do(t, http.MethodPost, "/api/withdrawals", nil), http.StatusUnprocessableEntity, ledger.CodeBelowWithdrawalMinimum)

	recorder := api.do(t, http.MethodGet, "/api/withdrawals?limit=500", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized limit, got %d", recorder.Code)
	}
}

func TestCompleteChallengeRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, 0, 0, 1)
	payload := map[string]any{"user_id": testUserID, "proof_id": "proof-1", "points": 300}

	requireErrorCode(t, api.do(t, http.MethodPost, "/api/admin/challenges/complete", payload), http.StatusForbidden, "forbidden")

	approved := api.do(t, http.MethodPost, "/api/admin/challenges/complete", payload, "admin")
	if approved.Code != http.StatusOK {
		t.Fatalf("challenge status %d: %s", approved.Code, approved.Body.String())
	}
	if account := decode[accountEnvelope](t, approved).Account; account.Points != 300 || account.Exp != 50 {
		t.Fatalf("unexpected account after challenge: %+v", account)
	}

	requireErrorCode(t, api.do(t, http.MethodPost, "/api/admin/challenges/complete", payload, "admin"), http.StatusConflict, ledger.CodeDuplicateReward)

	rewards := decode[struct {
		Rewards []rewardPayload `json:"rewards"`
	}](t, api.do(t, http.MethodGet, "/api/rewards", nil))
	if len(rewards.Rewards) != 1 || rewards.Rewards[0].TransactionID != "challenge:proof-1" {
		t.Fatalf("unexpected reward history: %+v", rewards)
	}
}

func TestSurveyHash(t *testing.T) {
	api := newTestAPI(t, nil)
	recorder := api.do(t, http.MethodPost, "/api/surveys/hash", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("hash status %d", recorder.Code)
	}
	digest := sha256.Sum256([]byte(testUserID + "cpx-key"))
	if body := decode[map[string]string](t, recorder); body["secure_hash"] != hex.EncodeToString(digest[:]) {
		t.Fatalf("unexpected hash: %v", body)
	}

	unconfigured := newTestAPI(t, func(cfg *Config) { cfg.CPXSecureKey = "" })
	requireErrorCode(t, unconfigured.do(t, http.MethodPost, "/api/surveys/hash", nil), http.StatusServiceUnavailable, "surveys_unavailable")
}

func TestCPXPostback(t *testing.T) {
	api := newTestAPI(t, nil)
	api.seed(t, 0, 0, 1)

	testCases := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{name: "not completed", query: "status=2&ext_user_id=demo-user&amount_local=5", wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "missing user", query: "status=1&amount_local=5", wantStatus: http.StatusBadRequest, wantBody: "Error: Missing parameters"},
		{name: "missing amount", query: "status=1&ext_user_id=demo-user", wantStatus: http.StatusBadRequest, wantBody: "Error: Missing parameters"},
		{name: "invalid amount", query: "status=1&ext_user_id=demo-user&amount_local=abc", wantStatus: http.StatusBadRequest, wantBody: "Invalid amount"},
		{name: "credited", query: "status=1&ext_user_id=demo-user&amount_local=12,6&trans_id=t-1", wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "duplicate", query: "status=1&ext_user_id=demo-user&amount_local=12,6&trans_id=t-1", wantStatus: http.StatusOK, wantBody: "Duplicate"},
		{name: "unknown user", query: "status=1&ext_user_id=ghost&amount_local=3&trans_id=t-2", wantStatus: http.StatusNotFound, wantBody: "Error: Unknown user"},
		{name: "fractional reward", query: "status=1&ext_user_id=demo-user&amount_local=0.4&trans_id=t-3", wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "zero reward", query: "status=1&ext_user_id=demo-user&amount_local=0&trans_id=t-4", wantStatus: http.StatusOK, wantBody: "OK"},
	}
	for _, testCase := range testCases {
		recorder := api.get(t, "/postbacks/cpx?"+testCase.query)
		if recorder.Code != testCase.wantStatus || recorder.Body.String() != testCase.wantBody {
			t.Fatalf("%s: expected %d %q, got %d %q", testCase.name, testCase.wantStatus, testCase.wantBody, recorder.Code, recorder.Body.String())
		}
	}

	account := decode[accountEnvelope](t, api.do(t, http.MethodGet, "/api/account", nil)).Account
	if account.Points != 14 {
		t.Fatalf("expected 13 + 1 points from two credited postbacks, got %d", account.Points)
	}
}

func TestCPXPostbackSecretAndRateLimit(t *testing.T) {
	api := newTestAPI(t, func(cfg *Config) {
		cfg.PostbackSecret = "shh"
		cfg.PostbackRatePerSecond = 0.001
		cfg.PostbackBurst = 2
	})

	if recorder := api.get(t, "/postbacks/cpx?status=2&secret=wrong"); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	if recorder := api.get(t, "/postbacks/cpx?status=2&secret=shh"); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder := api.get(t, "/postbacks/cpx?status=2&secret=shh"); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", recorder.Code)
	}
}

func TestParsePostbackAmount(t *testing.T) {
	testCases := []struct {
		raw     string
		want    ledger.PositivePoints
		wantErr bool
	}{
		{raw: "5", want: 5},
		{raw: "12,5", want: 13},
		{raw: "12.49", want: 12},
		{raw: " 7.5 ", want: 8},
		{raw: "0.4", want: 1},
		{raw: "0,01", want: 1},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "NaN", wantErr: true},
		{raw: "1e400", wantErr: true},
		{raw: "ten", wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := parsePostbackAmount(testCase.raw)
		if testCase.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %d", testCase.raw, got)
			}
			continue
		}
		if err != nil || got != testCase.want {
			t.Fatalf("%q: expected %d, got %d (%v)", testCase.raw, testCase.want, got, err)
		}
	}
}
