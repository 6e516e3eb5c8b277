// Package server assembles the session daemon: stores, engine, reclaimer and
// the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/deskd/internal/api/http"
	"github.com/GriffinCanCode/deskd/internal/api/middleware"
	"github.com/GriffinCanCode/deskd/internal/api/ws"
	"github.com/GriffinCanCode/deskd/internal/domain/quota"
	"github.com/GriffinCanCode/deskd/internal/domain/reclaim"
	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/config"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/deskd/internal/providers/checkpoint"
	"github.com/GriffinCanCode/deskd/internal/providers/display"
	"github.com/GriffinCanCode/deskd/internal/providers/filesystem"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
)

const (
	shutdownTimeout   = 5 * time.Minute
	readHeaderTimeout = 10 * time.Second
	eventBuffer       = 256
)

// Option overrides a host-facing collaborator, mainly for tests.
type Option func(*options)

type options struct {
	mounter filesystem.Mounter
	tool    checkpoint.Tool
	display display.Allocator
}

// WithMounter replaces the overlay mounter.
func WithMounter(m filesystem.Mounter) Option {
	return func(o *options) { o.mounter = m }
}

// WithCheckpointTool replaces the criu(8) runner.
func WithCheckpointTool(t checkpoint.Tool) Option {
	return func(o *options) { o.tool = t }
}

// WithDisplay replaces the display allocator chosen by DISPLAY_MODE.
func WithDisplay(d display.Allocator) Option {
	return func(o *options) { o.display = d }
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	registry  *prometheus.Registry
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	engine    *session.Engine
	reclaimer *reclaim.Reclaimer
	stream    *ws.Handler
	router    *gin.Engine
	http      *http.Server
}

// New wires every component from cfg. Nothing touches the host until Start.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("deskd", logger.Logger)

	layout := paths.NewLayout(cfg.Storage.Root, cfg.Storage.BaseDir)

	if o.mounter == nil {
		o.mounter = filesystem.NewOverlayMounter()
	}
	fsStore := filesystem.NewStore(filesystem.Config{
		Layout:   layout,
		Compress: cfg.Lifecycle.Compression,
		Excludes: cfg.Storage.ArchiveExcludes,
	}, o.mounter, logger.Logger)

	if o.tool == nil {
		o.tool = checkpoint.NewCRIU(checkpoint.CRIUConfig{
			Binary:         cfg.Checkpoint.CRIUPath,
			TCPEstablished: cfg.Checkpoint.TCPEstablished,
			ShellJob:       cfg.Checkpoint.ShellJob,
		})
	}
	ckptStore := checkpoint.NewStore(checkpoint.Config{
		Layout:         layout,
		Compress:       cfg.Lifecycle.Compression,
		TCPEstablished: cfg.Checkpoint.TCPEstablished,
	}, o.tool, logger.Logger)

	if o.display == nil {
		d, err := newDisplay(cfg.Display, logger.Logger)
		if err != nil {
			tracer.Close()
			return nil, err
		}
		o.display = d
	}

	bus := session.NewBus(eventBuffer)
	engine := session.NewEngine(session.Config{
		TTL:               cfg.Lifecycle.TTL(),
		OperationTimeout:  cfg.Lifecycle.OperationTimeout(),
		SuspendOnShutdown: cfg.Lifecycle.SuspendOnShutdown,
	}, session.Deps{
		Filesystem: fsStore,
		Checkpoint: ckptStore,
		Display:    o.display,
		Quota:      quota.NewTracker(cfg.Lifecycle.QuotaBytes, cfg.Lifecycle.SuspendedCeilingBytes),
		Bus:        bus,
		Metrics:    metrics,
	}, logger.Logger)

	reclaimer := reclaim.New(engine, reclaim.Config{
		Interval:           cfg.Lifecycle.ReclaimInterval(),
		TTL:                cfg.Lifecycle.TTL(),
		SuspendOnIdle:      cfg.Lifecycle.SuspendOnIdle,
		SuspendedGrace:     cfg.Lifecycle.SuspendedGrace(),
		DestroyedRetention: cfg.Lifecycle.DestroyedRetention(),
	}, metrics, logger.Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(cors))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.NewRateLimiter(limits).Handler())
	}

	handlers := apihttp.NewHandlers(engine, reclaimer, metrics, logger.Logger)
	handlers.Register(router)

	stream := ws.NewHandler(bus, metrics, cfg.Server.CORSOrigins, logger.Logger)
	router.GET("/events", stream.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	logger.Info("Server initialized",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("sessions_root", layout.Root),
		zap.String("display_mode", cfg.Display.Mode),
	)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		tracer:    tracer,
		engine:    engine,
		reclaimer: reclaimer,
		stream:    stream,
		router:    router,
		http: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

func newDisplay(cfg config.DisplayConfig, logger *zap.Logger) (display.Allocator, error) {
	switch cfg.Mode {
	case config.DisplayRemote:
		return display.NewRemote(display.RemoteConfig{
			Addr:       cfg.Addr,
			VNCBaseURL: cfg.VNCBaseURL,
		}, logger), nil
	case config.DisplayMemory:
		return display.NewMemoryAllocator(cfg.VNCBaseURL, 0), nil
	default:
		return nil, fmt.Errorf("unknown display mode %q", cfg.Mode)
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Engine returns the lifecycle engine.
func (s *Server) Engine() *session.Engine {
	return s.engine
}

// Start verifies the host, recovers suspended sessions and starts the
// reclamation loop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	recovered := s.engine.LastRecovery()
	s.logger.Info("Engine started",
		zap.Int("recovered", len(recovered.Recovered)),
		zap.Int("discarded_partial", len(recovered.DiscardedPartial)),
		zap.Int("purged_live", len(recovered.PurgedLive)),
		zap.Int("unmounted_live", len(recovered.UnmountedLive)),
	)
	s.reclaimer.Start(ctx)
	return nil
}

// Run starts the daemon and serves until ctx ends, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, stops reclamation and then suspends or
// destroys every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs error
	s.stream.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.reclaimer.Stop()
	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Error("Sessions did not all shut down cleanly", zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	s.tracer.Close()

	s.logger.Info("Server stopped")
	_ = s.logger.Sync()
	return errs
}
