// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/churnrisk/internal/cache"
	"github.com/mbd888/churnrisk/internal/catalog"
	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/config"
	"github.com/mbd888/churnrisk/internal/health"
	"github.com/mbd888/churnrisk/internal/logging"
	"github.com/mbd888/churnrisk/internal/metrics"
	"github.com/mbd888/churnrisk/internal/payments"
	"github.com/mbd888/churnrisk/internal/ratelimit"
	"github.com/mbd888/churnrisk/internal/security"
	"github.com/mbd888/churnrisk/internal/validation"
	"github.com/mbd888/churnrisk/migrations"
)

// Version is reported by /health and attached to traces.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	rdb            *redis.Client
	customers      churn.CustomerSource
	payments       churn.PaymentHistory
	store          churn.Store
	catalog        churn.CatalogProvider
	catalogWatcher *catalog.Watcher
	service        *churn.Service
	worker         *churn.Worker
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSources overrides where customers and payment history are read from.
func WithSources(customers churn.CustomerSource, payments churn.PaymentHistory) Option {
	return func(s *Server) {
		s.customers = customers
		s.payments = payments
	}
}

// WithStore overrides the score store.
func WithStore(store churn.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set sources/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	}
	s.setupSources()

	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.setupCatalog(); err != nil {
		return nil, err
	}

	s.service = churn.NewService(s.customers, s.payments, s.store, s.catalog, s.logger).
		WithChunkSize(cfg.BatchChunkSize).
		WithCallTimeout(cfg.StoreTimeout)

	if cfg.RescoreSchedule != "" {
		s.worker = churn.NewWorker(s.service, s.store, cfg.RescoreSchedule, cfg.RescoreLimit, s.logger)
	}

	s.health.Register("catalog", health.Catalog(s.catalog))

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	version, err := migrations.Up(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.health.Register("database", health.Database(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL), "schema_version", version)
	return nil
}

// setupSources fills in whatever options did not provide: Postgres when a
// database is configured, in-memory otherwise.
func (s *Server) setupSources() {
	var pg *churn.PostgresSource
	if s.db != nil {
		pg = churn.NewPostgresSource(s.db)
	}

	if s.customers == nil {
		if pg != nil {
			s.customers = pg
		} else {
			mem := churn.NewMemorySource()
			s.customers = mem
			if s.payments == nil {
				s.payments = mem
			}
			s.logger.Info("using in-memory customer source")
		}
	}

	if s.payments == nil {
		switch {
		case s.cfg.StripeSecretKey != "" && pg != nil:
			s.payments = payments.NewStripeHistory(s.cfg.StripeSecretKey, nil, pg)
			s.logger.Info("reading payment failures from Stripe")
		case pg != nil:
			s.payments = pg
		default:
			s.payments = churn.NewMemorySource()
		}
	}

	if s.store == nil {
		if s.db != nil {
			s.store = churn.NewPostgresStore(s.db)
		} else {
			s.store = churn.NewMemoryStore()
			s.logger.Info("using in-memory score store")
		}
	}
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.rdb = redis.NewClient(opts)

	// The cache is optional at runtime, but a bad URL at boot is a config error.
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unreachable at startup, cache will fall through", "error", err)
	}

	s.store = cache.NewScoreCache(s.store, s.rdb, s.logger)
	s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	}))
	s.logger.Info("score cache enabled", "addr", opts.Addr)
	return nil
}

func (s *Server) setupCatalog() error {
	if s.cfg.CatalogPath == "" {
		cat, err := catalog.Default()
		if err != nil {
			return fmt.Errorf("load built-in catalog: %w", err)
		}
		s.catalog = churn.StaticCatalog(cat)
		metrics.SetCatalogVersion(cat.Version)
		return nil
	}

	w, err := catalog.NewWatcher(s.cfg.CatalogPath, s.logger)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", s.cfg.CatalogPath, err)
	}
	s.catalog = w
	if s.cfg.CatalogWatch {
		s.catalogWatcher = w
	}
	s.logger.Info("signal catalog loaded", "path", s.cfg.CatalogPath, "version", w.Current().Version)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(security.RequireAPIKey(s.cfg.APIKey))
	v1.Use(validation.IDParamsMiddleware("companyId", "customerId"))
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		v1.Use(s.rateLimiter.Middleware())
	}

	churn.NewHandler(s.service).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Catalog   string          `json:"catalogVersion,omitempty"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if cat := s.catalog.Current(); cat != nil {
		resp.Catalog = cat.Version
	}
	c.JSON(httpStatus, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // batch scoring can be slow
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.catalogWatcher != nil {
		go func() {
			if err := s.catalogWatcher.Run(runCtx); err != nil {
				s.logger.Error("catalog watcher stopped", "error", err)
			}
		}()
	}

	if s.worker != nil {
		if err := s.worker.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stops the catalog watcher and the worker's context.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.worker != nil {
		s.worker.Stop()
		s.logger.Info("rescore worker stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the scoring service.
func (s *Server) Service() *churn.Service {
	return s.service
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
