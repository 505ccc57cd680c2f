// ABOUTME: Server assembly: store, registry, services, HTTP routes, listeners
// ABOUTME: Owns startup ordering, background sweepers, and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/children"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/dispatch"
	"github.com/wardenhq/warden/internal/hosts"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/queue"
	"github.com/wardenhq/warden/internal/reboot"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/reports"
	"github.com/wardenhq/warden/internal/store"
)

// Server is the assembled control plane.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	queue    *queue.Service
	hosts    *hosts.Service
	children *children.Service
	reboot   *reboot.Service
	dispatch *dispatch.Handler
	reports  *reports.Generator
	metrics  *metrics.Metrics
	verifier *auth.JWTVerifier

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New wires every component together. Nothing starts running until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	m := metrics.New()
	reg := registry.New(logger)
	queueSvc := queue.New(sqlStore, reg, cfg.Queue, m, logger)

	issuer, err := hosts.NewCAIssuer("warden", 365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("creating certificate issuer: %w", err)
	}
	hostSvc := hosts.New(sqlStore, issuer, logger)

	serverURL := cfg.Server.HTTPAddr
	childSvc := children.New(sqlStore, queueSvc, serverURL, logger)
	rebootSvc := reboot.New(sqlStore, queueSvc, reg, cfg.Reboot, m, logger)

	dispatchHandler := dispatch.NewHandler(
		sqlStore, reg, queueSvc, hostSvc, childSvc, rebootSvc, cfg.Agents, m, logger)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    sqlStore,
		registry: reg,
		queue:    queueSvc,
		hosts:    hostSvc,
		children: childSvc,
		reboot:   rebootSvc,
		dispatch: dispatchHandler,
		reports:  reports.NewGenerator(sqlStore, reg, cfg.Agents.OfflineThreshold),
		metrics:  m,
		verifier: verifier,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s.dispatch)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/hosts", s.handleHosts)
	api.HandleFunc("/api/hosts/", s.handleHostRoutes)
	api.HandleFunc("/api/children", s.handleChildren)
	api.HandleFunc("/api/children/", s.handleChildRoutes)
	api.HandleFunc("/api/reboots", s.handleReboots)
	api.HandleFunc("/api/reboots/", s.handleRebootRoutes)
	api.HandleFunc("/api/queue", s.handleQueueList)
	api.HandleFunc("/api/queue/expired", s.handleQueueExpired)
	api.HandleFunc("/api/distributions", s.handleDistributions)
	api.HandleFunc("/api/report", s.handleReport)

	if s.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(s.verifier)(api))
		s.logger.Info("operator API auth enabled")
	} else {
		mux.Handle("/api/", api)
		s.logger.Warn("operator API auth disabled - no jwt_secret configured")
	}
}

// Run starts the listeners and background loops, then blocks until the
// context is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()
	go s.queue.RunSweeper(sweepCtx)
	go s.reboot.RunSweeper(sweepCtx)
	go s.dispatch.RunInboundConsumer(sweepCtx, s.config.Queue.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context because the run context is already
// cancelled by the time we get here.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tsnet close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	if _, err := s.tsnetServer.Up(ctx); err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "warden", "tailscale"), nil
}
