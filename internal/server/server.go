package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/piwi3910/nebulaguard/internal/api/admin"
	apimiddleware "github.com/piwi3910/nebulaguard/internal/api/middleware"
	"github.com/piwi3910/nebulaguard/internal/auth"
	"github.com/piwi3910/nebulaguard/internal/config"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/piwi3910/nebulaguard/internal/events"
	_ "github.com/piwi3910/nebulaguard/internal/events/targets" // registers target factories
	"github.com/piwi3910/nebulaguard/internal/health"
	"github.com/piwi3910/nebulaguard/internal/metrics"
	"github.com/piwi3910/nebulaguard/internal/shutdown"
	"github.com/piwi3910/nebulaguard/internal/sources"
	"github.com/piwi3910/nebulaguard/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is the current version of NebulaGuard
const Version = "0.1.0"

const metricsInterval = 30 * time.Second

// Server is the main NebulaGuard server
type Server struct {
	cfg *config.Config

	// Core services
	store       *store.Store
	engine      *dlp.Coordinator
	emitter     *events.Emitter
	authService *auth.Service

	// Health checker
	healthChecker *health.Checker

	// Background workers
	bundleWatcher *BundleWatcher
	rateLimiter   *apimiddleware.RateLimiter
	sourceClosers []io.Closer

	adminHandler *admin.Handler
	router       chi.Router
	adminServer  *http.Server

	// scanCtx parents asynchronous scans; cancelling it stops them all
	scanCtx    context.Context
	scanCancel context.CancelFunc

	shutdown *shutdown.Coordinator
}

// New creates a new NebulaGuard server
func New(cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg:      cfg,
		shutdown: shutdown.NewCoordinator(shutdown.DefaultConfig()),
	}

	hostname, _ := os.Hostname()
	metrics.Init(hostname)

	patterns := dlp.NewPatternRegistry()
	policies := dlp.NewPolicyRegistry(patterns)

	if cfg.Engine.BuiltinRules {
		if err := dlp.BuiltinBundle().Install(patterns, policies); err != nil {
			return nil, fmt.Errorf("failed to install built-in rules: %w", err)
		}
	}

	if cfg.Engine.BundlePath != "" {
		bundle, err := dlp.LoadBundle(cfg.Engine.BundlePath)
		if err != nil {
			return nil, err
		}

		if err := bundle.Install(patterns, policies); err != nil {
			return nil, fmt.Errorf("failed to install rule bundle: %w", err)
		}

		log.Info().
			Str("path", cfg.Engine.BundlePath).
			Int("patterns", len(bundle.Patterns)).
			Int("policies", len(bundle.Policies)).
			Msg("Rule bundle installed")
	}

	// Persisted state is restored last so admin API edits win over files.
	var persister dlp.Persister

	if cfg.Store.Enabled {
		st, err := store.Open(store.Config{Dir: cfg.Store.Dir, InMemory: cfg.Store.InMemory})
		if err != nil {
			return nil, err
		}

		srv.store = st
		persister = st
	}

	violations := dlp.NewViolationStore(persister)

	if srv.store != nil {
		if err := srv.store.Restore(context.Background(), patterns, policies, violations); err != nil {
			_ = srv.store.Close()
			return nil, err
		}
	}

	srv.engine = dlp.NewCoordinator(dlp.CoordinatorConfig{
		MaxConcurrentScans: cfg.Engine.MaxConcurrentScans,
		DefaultUnitSize:    cfg.Engine.DefaultUnitSize,
	}, patterns, policies, violations)

	srv.sourceClosers = sources.Register(srv.engine, sources.Config{
		Email: sources.EmailConfig{Root: cfg.Sources.Email.Root},
		Database: sources.DatabaseConfig{
			Driver:           cfg.Sources.Database.Driver,
			DSN:              cfg.Sources.Database.DSN,
			Connections:      cfg.Sources.Database.Connections,
			AllowCustomQuery: cfg.Sources.Database.AllowCustomQuery,
			MaxRows:          cfg.Sources.Database.MaxRows,
		},
		ObjectStorage: sources.ObjectStorageConfig{
			Endpoint:         cfg.Sources.ObjectStorage.Endpoint,
			AccessKey:        cfg.Sources.ObjectStorage.AccessKey,
			SecretKey:        cfg.Sources.ObjectStorage.SecretKey,
			Region:           cfg.Sources.ObjectStorage.Region,
			UseSSL:           cfg.Sources.ObjectStorage.UseSSL,
			AllowedEndpoints: cfg.Sources.ObjectStorage.AllowedEndpoints,
		},
	})

	if cfg.Notifications.Enabled() {
		emitter, err := newEmitter(cfg.Notifications)
		if err != nil {
			srv.closeStore()
			return nil, err
		}

		srv.emitter = emitter
		srv.engine.SetNotifier(emitter)
	}

	authService, err := auth.NewService(cfg.AuthServiceConfig())
	if err != nil {
		srv.closeStore()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	srv.authService = authService

	if !authService.Enabled() {
		log.Warn().Msg("auth.jwt_secret is empty; the admin API is open to every client")
	}

	// Typed nils must not reach the interface-valued dependencies.
	var (
		pinger        health.Pinger
		notifications health.Notifications
		rules         admin.RuleStore
	)

	if srv.store != nil {
		pinger = srv.store
		rules = srv.store
	}

	if srv.emitter != nil {
		notifications = srv.emitter
	}

	srv.healthChecker = health.NewChecker(srv.engine, pinger, notifications)

	srv.scanCtx, srv.scanCancel = context.WithCancel(context.Background())
	srv.adminHandler = admin.NewHandler(srv.engine, authService, rules)
	srv.adminHandler.SetBaseContext(srv.scanCtx)

	if cfg.Engine.WatchBundle {
		watcher, err := NewBundleWatcher(cfg.Engine.BundlePath, patterns, policies)
		if err != nil {
			srv.closeStore()
			return nil, err
		}

		if srv.store != nil {
			watcher.SetRuleSource(srv.store)
		}

		srv.bundleWatcher = watcher
	}

	srv.setupAdminServer()

	return srv, nil
}

func newEmitter(cfg config.NotificationConfig) (*events.Emitter, error) {
	queue := events.DefaultQueueConfig()
	if cfg.QueueSize > 0 {
		queue.QueueSize = cfg.QueueSize
	}

	if cfg.MaxRetries > 0 {
		queue.MaxRetries = cfg.MaxRetries
	}

	if cfg.Timeout > 0 {
		queue.PublishTimeout = cfg.Timeout
	}

	emitter := events.NewEmitter(events.EmitterConfig{
		Enabled:     true,
		MinSeverity: dlp.Severity(cfg.MinSeverity),
		Queue:       queue,
	})

	created := make([]events.Target, 0, 2)

	for _, spec := range notificationTargets(cfg) {
		target, err := events.CreateTarget(spec.kind, spec.config)
		if err != nil {
			for _, t := range created {
				_ = t.Close()
			}

			return nil, fmt.Errorf("failed to create %s notification target: %w", spec.kind, err)
		}

		created = append(created, target)
		emitter.AddTarget(target)
	}

	return emitter, nil
}

// targetSpec is the factory input for one notification target.
type targetSpec struct {
	config map[string]any
	kind   string
}

// notificationTargets maps the notification settings onto target factory
// configs. Targets without an address are left out.
func notificationTargets(cfg config.NotificationConfig) []targetSpec {
	var specs []targetSpec

	if cfg.WebhookURL != "" {
		wc := map[string]any{
			"url":    cfg.WebhookURL,
			"secret": cfg.WebhookSecret,
		}

		if cfg.Timeout > 0 {
			wc["timeout"] = cfg.Timeout
		}

		specs = append(specs, targetSpec{kind: "webhook", config: wc})
	}

	if cfg.Redis.Address != "" {
		specs = append(specs, targetSpec{kind: "redis", config: map[string]any{
			"address":  cfg.Redis.Address,
			"password": cfg.Redis.Password,
			"db":       cfg.Redis.DB,
			"channel":  cfg.Redis.Channel,
			"stream":   cfg.Redis.Stream,
		}})
	}

	return specs
}

func (s *Server) setupAdminServer() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.RequestID)
	r.Use(apimiddleware.AccessLog)
	r.Use(apimiddleware.MetricsMiddleware)
	r.Use(apimiddleware.SecurityHeaders(apimiddleware.DefaultSecurityHeadersConfig()))

	if s.cfg.RateLimit.Enabled {
		rlConfig := apimiddleware.DefaultRateLimitConfig()
		rlConfig.Enabled = true
		rlConfig.RequestsPerSecond = s.cfg.RateLimit.RequestsPerSecond
		rlConfig.BurstSize = s.cfg.RateLimit.BurstSize
		rlConfig.TrustedProxies = s.cfg.RateLimit.TrustedProxies

		s.rateLimiter = apimiddleware.NewRateLimiter(rlConfig)
		r.Use(apimiddleware.RateLimitMiddleware(s.rateLimiter))
	}

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", apimiddleware.RequestIDHeader},
			ExposedHeaders:   []string{apimiddleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health endpoints
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	apiDoc := admin.MustAPIDoc(admin.OpenAPISpec)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/openapi.json", apiDoc.JSON)
		r.Get("/openapi.yaml", apiDoc.YAML)
		r.With(apimiddleware.Authenticate(s.authService), apimiddleware.RequireRole(auth.RoleViewer)).
			Get("/admin/health/detailed", healthHandler.DetailedHandler)

		s.adminHandler.RegisterRoutes(r)
	})

	s.router = r
	s.adminServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.AdminPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

// Handler returns the admin API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Engine returns the scan coordinator.
func (s *Server) Engine() *dlp.Coordinator {
	return s.engine
}

// Reload applies the parts of a changed configuration that are safe to
// change at runtime.
func (s *Server) Reload(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Ignoring unknown log level")
		return
	}

	if level != zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("log_level", level.String()).Msg("Log level changed")
	}
}

// Start starts the server and blocks until ctx is cancelled and shutdown
// completes.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.emitter != nil {
		s.emitter.Start()
	}

	if s.bundleWatcher != nil {
		s.bundleWatcher.Start()
	}

	g.Go(func() error {
		s.runMetricsCollector(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", s.cfg.AdminPort).Msg("Starting Admin API server")

		if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}

		return nil
	})

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops every component in order.
func (s *Server) Shutdown(ctx context.Context) error {
	components := shutdown.ShutdownComponents{
		Scans:       scanDrainer{engine: s.engine, cancel: s.scanCancel},
		HTTPServers: []shutdown.HTTPServerShutdown{namedServer{name: "admin", Server: s.adminServer}},
	}

	if s.bundleWatcher != nil {
		components.Workers = append(components.Workers, s.bundleWatcher)
	}

	if s.rateLimiter != nil {
		components.Workers = append(components.Workers, stopFunc(s.rateLimiter.Close))
	}

	for _, c := range s.sourceClosers {
		components.Workers = append(components.Workers, closerWorker{c})
	}

	if s.emitter != nil {
		components.Notifications = s.emitter
	}

	if s.store != nil {
		components.Store = s.store
	}

	return s.shutdown.Shutdown(ctx, components)
}

func (s *Server) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// runMetricsCollector periodically collects and updates metrics
func (s *Server) runMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	s.collectMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectMetrics()
		}
	}
}

func (s *Server) collectMetrics() {
	metrics.SetEngineStats(
		len(s.engine.ActiveScans()),
		s.engine.Patterns().Len(),
		len(s.engine.Policies().List()),
		s.engine.Violations().Count(),
	)
}

// scanDrainer stops asynchronous scans by cancelling their parent context
// and synchronous ones through the coordinator.
type scanDrainer struct {
	engine *dlp.Coordinator
	cancel context.CancelFunc
}

func (d scanDrainer) CancelScans() {
	d.cancel()

	for _, scan := range d.engine.ActiveScans() {
		_ = d.engine.Cancel(scan.ScanID)
	}
}

func (d scanDrainer) ActiveScanCount() int {
	return len(d.engine.ActiveScans())
}

type namedServer struct {
	*http.Server
	name string
}

func (n namedServer) Name() string {
	return n.name
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

// closerWorker stops a source producer by closing its handles.
type closerWorker struct{ io.Closer }

func (c closerWorker) Stop() {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close source producer")
	}
}
