// Package app wires the ledger service to its stores, transports and background jobs.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/questnet/internal/sweeper"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
)

// Store backends.
const (
	StoreBackendGorm = "gorm"
	StoreBackendPgx  = "pgx"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/questnet.db"
	defaultGRPCListenAddr  = ":7000"
	defaultSweepTimeout    = time.Minute
	defaultShutdownTimeout = 5 * time.Second
)

// PayoutConfig selects the payout rail. An empty Endpoint uses the simulated rail.
type PayoutConfig struct {
	Endpoint       string
	APIToken       string
	SimulatedDelay time.Duration
	RejectHandles  []string
}

// Config aggregates runtime settings for questnetd.
type Config struct {
	DatabaseURL     string
	StoreBackend    string
	GRPCListenAddr  string
	HTTP            httpapi.Config
	Payout          PayoutConfig
	Policy          ledger.Policy
	SweepSchedule   string
	SweepTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendGorm
	}
	if strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		cfg.GRPCListenAddr = defaultGRPCListenAddr
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = sweeper.DefaultSchedule
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = defaultSweepTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Policy == (ledger.Policy{}) {
		cfg.Policy = ledger.DefaultPolicy()
	}
	switch cfg.StoreBackend {
	case StoreBackendGorm:
	case StoreBackendPgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store backend %q requires a postgres database url", StoreBackendPgx)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	if cfg.HTTP.RequestTimeout <= cfg.Policy.PayoutTimeout {
		return fmt.Errorf("http request timeout %s must exceed payout timeout %s", cfg.HTTP.RequestTimeout, cfg.Policy.PayoutTimeout)
	}
	return nil
}
