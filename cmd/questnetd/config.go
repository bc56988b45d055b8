package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/internal/app"
	"github.com/MarkoPoloResearchLab/questnet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/questnet/internal/sweeper"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix   = "QUESTNET"
	flagEnvFile = "env-file"

	flagDatabaseURL          = "database-url"
	flagStoreBackend         = "store-backend"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagHTTPListenAddr       = "http-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagSessionSigningKey    = "session-signing-key"
	flagSessionIssuer        = "session-issuer"
	flagSessionCookie        = "session-cookie"
	flagAdminRole            = "admin-role"
	flagRequestTimeout       = "request-timeout"
	flagCPXSecureKey         = "cpx-secure-key"
	flagPostbackSecret       = "postback-secret"
	flagPostbackRate         = "postback-rate"
	flagPostbackBurst        = "postback-burst"
	flagPayoutEndpoint       = "payout-endpoint"
	flagPayoutAPIToken       = "payout-api-token"
	flagPayoutSimulatedDelay = "payout-simulated-delay"
	flagPayoutRejectHandles  = "payout-reject-handles"
	flagConversionRate       = "conversion-rate"
	flagMinConversionPoints  = "min-conversion-points"
	flagMinWithdrawalLevel   = "min-withdrawal-level"
	flagMinWithdrawalCents   = "min-withdrawal-cents"
	flagPayoutTimeout        = "payout-timeout"
	flagStaleWithdrawalAfter = "stale-withdrawal-after"
	flagSweepSchedule        = "sweep-schedule"
)

func registerServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagDatabaseURL, "sqlite:///tmp/questnet.db", "database url (postgres:// or sqlite://)")
	flags.String(flagStoreBackend, app.StoreBackendGorm, "store backend: gorm or pgx")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC listen address")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "tauth", "tauth session issuer")
	flags.String(flagSessionCookie, "app_session", "tauth session cookie name")
	flags.String(flagAdminRole, "admin", "role allowed to approve challenge proofs")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout (default 15s)")
	flags.String(flagCPXSecureKey, "", "CPX Research secure key for survey hashes")
	flags.String(flagPostbackSecret, "", "shared secret required on postbacks")
	flags.Float64(flagPostbackRate, 5, "postback requests per second per client")
	flags.Int(flagPostbackBurst, 20, "postback burst per client")
	flags.String(flagPayoutEndpoint, "", "payout rail endpoint; empty uses the simulated rail")
	flags.String(flagPayoutAPIToken, "", "payout rail bearer token")
	flags.Duration(flagPayoutSimulatedDelay, 0, "simulated payout latency")
	flags.String(flagPayoutRejectHandles, "", "comma-separated handles the simulated rail rejects")
	flags.Int64(flagConversionRate, ledger.DefaultConversionRate, "points per currency unit")
	flags.Int64(flagMinConversionPoints, ledger.DefaultMinConversionPoints, "minimum points per conversion")
	flags.Int(flagMinWithdrawalLevel, ledger.DefaultMinWithdrawalLevel.Int(), "minimum level to withdraw")
	flags.Int64(flagMinWithdrawalCents, ledger.DefaultMinWithdrawalAmount.Int64(), "minimum wallet balance to withdraw, in cents")
	flags.Duration(flagPayoutTimeout, ledger.DefaultPayoutTimeout, "payout rail deadline")
	flags.Duration(flagStaleWithdrawalAfter, ledger.DefaultStaleWithdrawalAfter, "age after which processing withdrawals are refunded")
	flags.String(flagSweepSchedule, sweeper.DefaultSchedule, "cron schedule for the stale withdrawal sweep")
}

// loadConfig resolves flags, QUESTNET_* variables and an optional .env file.
// Explicit flags win over the environment.
func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	settings, err := newSettings(cmd)
	if err != nil {
		return err
	}
	*cfg = app.Config{
		DatabaseURL:    settings.GetString(flagDatabaseURL),
		StoreBackend:   settings.GetString(flagStoreBackend),
		GRPCListenAddr: settings.GetString(flagGRPCListenAddr),
		HTTP: httpapi.Config{
			ListenAddr:            settings.GetString(flagHTTPListenAddr),
			AllowedOrigins:        httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
			SessionSigningKey:     settings.GetString(flagSessionSigningKey),
			SessionIssuer:         settings.GetString(flagSessionIssuer),
			SessionCookieName:     settings.GetString(flagSessionCookie),
			AdminRole:             settings.GetString(flagAdminRole),
			RequestTimeout:        settings.GetDuration(flagRequestTimeout),
			CPXSecureKey:          settings.GetString(flagCPXSecureKey),
			PostbackSecret:        settings.GetString(flagPostbackSecret),
			PostbackRatePerSecond: settings.GetFloat64(flagPostbackRate),
			PostbackBurst:         settings.GetInt(flagPostbackBurst),
		},
		Payout: app.PayoutConfig{
			Endpoint:       settings.GetString(flagPayoutEndpoint),
			APIToken:       settings.GetString(flagPayoutAPIToken),
			SimulatedDelay: settings.GetDuration(flagPayoutSimulatedDelay),
			RejectHandles:  splitList(settings.GetString(flagPayoutRejectHandles)),
		},
		Policy: ledger.Policy{
			ConversionRate:       settings.GetInt64(flagConversionRate),
			MinConversionPoints:  settings.GetInt64(flagMinConversionPoints),
			MinWithdrawalLevel:   ledger.Level(settings.GetInt(flagMinWithdrawalLevel)),
			MinWithdrawalAmount:  ledger.AmountCents(settings.GetInt64(flagMinWithdrawalCents)),
			PayoutTimeout:        settings.GetDuration(flagPayoutTimeout),
			StaleWithdrawalAfter: settings.GetDuration(flagStaleWithdrawalAfter),
			ConflictRetries:      ledger.DefaultConflictRetries,
		},
		SweepSchedule: settings.GetString(flagSweepSchedule),
	}
	return cfg.Validate()
}

// newSettings binds every flag of cmd to QUESTNET_<FLAG> after loading the env file.
func newSettings(cmd *cobra.Command) (*viper.Viper, error) {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return nil, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil && flag.Name != flagEnvFile {
			bindErr = settings.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return settings, nil
}

// loadEnvFile loads path, or ./.env when path is empty and the file exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
