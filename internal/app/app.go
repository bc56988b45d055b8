package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/questnet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/questnet/internal/metrics"
	"github.com/MarkoPoloResearchLab/questnet/internal/oplog"
	"github.com/MarkoPoloResearchLab/questnet/internal/payout"
	"github.com/MarkoPoloResearchLab/questnet/internal/realtime"
	"github.com/MarkoPoloResearchLab/questnet/internal/sweeper"
	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// App is a fully wired questnetd process.
type App struct {
	cfg          Config
	logger       *zap.Logger
	service      *ledger.Service
	hub          *realtime.Hub
	sweeper      *sweeper.Sweeper
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	closeStore   func() error
}

// New validates cfg, opens the store and binds both listeners.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	application := &App{cfg: cfg, logger: logger, closeStore: closeStore}
	if err := application.wire(store); err != nil {
		_ = application.close()
		return nil, err
	}
	return application, nil
}

func (application *App) wire(store ledger.Store) error {
	cfg := application.cfg
	collectors := metrics.New()
	application.hub = realtime.NewHub(
		application.logger.Named("realtime"),
		realtime.WithConnectionObserver(collectors),
		realtime.WithCheckOrigin(allowedOrigin(cfg.HTTP.AllowedOrigins)),
	)
	provider, err := newPayoutProvider(cfg.Payout)
	if err != nil {
		return err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock,
		ledger.WithPolicy(cfg.Policy),
		ledger.WithPayoutProvider(provider),
		ledger.WithOperationLogger(ledger.OperationLoggers{oplog.New(application.logger), collectors}),
		ledger.WithAccountObserver(application.hub),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	application.service = service

	application.sweeper, err = sweeper.New(service, cfg.SweepSchedule, cfg.SweepTimeout, application.logger.Named("sweeper"))
	if err != nil {
		return err
	}

	api, err := httpapi.New(cfg.HTTP, httpapi.Dependencies{
		Logger:  application.logger.Named("http"),
		Service: service,
		Hub:     application.hub,
		Metrics: collectors,
	})
	if err != nil {
		return err
	}
	application.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	application.grpcServer = grpc.NewServer()
	grpcserver.RegisterRewardsServiceServer(application.grpcServer, grpcserver.NewRewardsServer(service))

	if application.httpListener, err = net.Listen("tcp", cfg.HTTP.ListenAddr); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	if application.grpcListener, err = net.Listen("tcp", cfg.GRPCListenAddr); err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return nil
}

// HTTPAddr returns the bound HTTP address.
func (application *App) HTTPAddr() string {
	return application.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address.
func (application *App) GRPCAddr() string {
	return application.grpcListener.Addr().String()
}

// Run serves until ctx is cancelled or a server fails, then shuts everything down.
func (application *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		application.logger.Info("http server starting", zap.String("listen_addr", application.HTTPAddr()))
		if err := application.httpServer.Serve(application.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()
	go func() {
		application.logger.Info("gRPC server starting", zap.String("listen_addr", application.GRPCAddr()))
		if err := application.grpcServer.Serve(application.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	application.sweeper.Start()

	var runErr error
	select {
	case <-ctx.Done():
		application.logger.Info("shutdown requested")
	case runErr = <-errCh:
		application.logger.Error("server failed", zap.Error(runErr))
	}
	application.shutdown()
	return runErr
}

func (application *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.cfg.ShutdownTimeout)
	defer cancel()
	if err := application.httpServer.Shutdown(shutdownCtx); err != nil {
		application.logger.Warn("http shutdown error", zap.Error(err))
	}
	application.hub.Close()
	stopped := make(chan struct{})
	go func() {
		application.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		application.grpcServer.Stop()
	}
	application.sweeper.Stop(shutdownCtx)
	if err := application.close(); err != nil {
		application.logger.Warn("store close error", zap.Error(err))
	}
}

func (application *App) close() error {
	for _, listener := range []net.Listener{application.httpListener, application.grpcListener} {
		if listener != nil {
			_ = listener.Close()
		}
	}
	if application.closeStore == nil {
		return nil
	}
	return application.closeStore()
}

func newPayoutProvider(cfg PayoutConfig) (ledger.PayoutProvider, error) {
	if cfg.Endpoint == "" {
		return payout.NewSimulated(cfg.SimulatedDelay, cfg.RejectHandles...), nil
	}
	provider, err := payout.NewHTTP(payout.HTTPConfig{Endpoint: cfg.Endpoint, APIToken: cfg.APIToken})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// allowedOrigin mirrors the CORS allow list for websocket upgrades.
// Requests without an Origin header are accepted.
func allowedOrigin(origins []string) func(request *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && parsed.Host == request.Host
	}
}
