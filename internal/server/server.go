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

	"github.com/kindlingapp/kindling/internal/clock"
	"github.com/kindlingapp/kindling/internal/config"
	"github.com/kindlingapp/kindling/internal/health"
	"github.com/kindlingapp/kindling/internal/logging"
	"github.com/kindlingapp/kindling/internal/metrics"
	"github.com/kindlingapp/kindling/internal/notify"
	"github.com/kindlingapp/kindling/internal/ratelimit"
	"github.com/kindlingapp/kindling/internal/realtime"
	"github.com/kindlingapp/kindling/internal/risk"
	"github.com/kindlingapp/kindling/internal/safety"
	"github.com/kindlingapp/kindling/internal/security"
	"github.com/kindlingapp/kindling/internal/traces"
	"github.com/kindlingapp/kindling/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          safety.Store
	riskStore      risk.Store
	coordinator    *safety.Coordinator
	dispatcher     *safety.Dispatcher
	checkInWatcher *safety.Watcher
	scorer         *risk.Scorer
	automation     *risk.Automation
	provider       notify.Provider
	opsHub         *realtime.Hub
	healthReg      *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracerShutdown func(context.Context) error
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

// WithProvider sets a custom notification provider (for testing)
func WithProvider(p notify.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	clk := clock.System{}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var factorSource risk.FactorSource
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = safety.NewPostgresStore(db)
		s.riskStore = risk.NewPostgresStore(db)
		factorSource = risk.NewPostgresFactorSource(db, clk)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.store = safety.NewMemoryStore()
		s.riskStore = risk.NewMemoryStore()
		factorSource = risk.NewMemoryFactorSource()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notification providers. Each channel routes to its gateway when a URL is
	// configured; unconfigured channels fall back to the log-only provider.
	if s.provider == nil {
		router := notify.NewRouter(&notify.LogProvider{Logger: s.logger})
		gateways := []struct {
			channel string
			url     string
		}{
			{notify.ChannelSMS, cfg.SMSGatewayURL},
			{notify.ChannelPush, cfg.PushGatewayURL},
			{notify.ChannelSupportTicket, cfg.TicketingURL},
			{notify.ChannelLawEnforcementPrep, cfg.LawEnforcementURL},
		}
		for _, g := range gateways {
			if g.url == "" {
				continue
			}
			if err := security.ValidateEndpointURL(g.url); err != nil {
				s.logger.Warn("rejecting unsafe gateway URL, falling back to log provider",
					"channel", g.channel, "error", err)
				continue
			}
			router.Route(g.channel, notify.NewHTTPProvider(g.url, cfg.DispatchSecret))
			s.logger.Info("notification gateway configured", "channel", g.channel)
		}
		s.provider = router
	}

	// Ops feed hub (WebSocket event streaming for the safety console)
	s.opsHub = realtime.NewHub(s.logger)

	// Escalation pipeline: dispatcher fans out notifications, coordinator runs
	// the protocol, watcher sweeps missed check-ins.
	s.dispatcher = safety.NewDispatcher(s.provider, s.store, clk, cfg.DispatchTimeout, cfg.MaxInFlight)
	s.coordinator = safety.NewCoordinator(s.store, s.dispatcher, clk, s.opsHub)
	s.checkInWatcher = safety.NewWatcher(s.coordinator, s.store, clk, cfg.CheckInPollInterval, s.logger)
	s.logger.Info("escalation pipeline enabled",
		"dispatchTimeout", cfg.DispatchTimeout.String(),
		"maxInFlight", cfg.MaxInFlight,
		"checkInPoll", cfg.CheckInPollInterval.String(),
	)

	// Risk scoring and enforcement automation
	s.scorer = risk.NewScorer(factorSource, s.riskStore, clk)
	s.automation = risk.NewAutomation(s.store, s.provider, s.opsHub, clk)
	s.logger.Info("risk scoring enabled")

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (the mobile apps call through the API gateway; browsers only hit
	// the ops console)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting. Incident triggers are exempt: a panic button press must
	// never be throttled.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/v1/safety/incidents", "/health"},
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
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

	// Ops console event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.opsHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.opsHub.Stats())
	})

	safetyHandlers := safety.NewHandlers(s.coordinator, s.store, clock.System{})
	riskHandlers := risk.NewHandlers(s.scorer, s.riskStore, s.automation)

	v1 := s.router.Group("/v1")
	safetyHandlers.Register(v1)

	users := v1.Group("/users/:userId")
	users.Use(validation.UserIDParamMiddleware())
	safetyHandlers.RegisterUserRoutes(users)
	riskHandlers.Register(users)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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

	// Tracing (no-op when OTLP endpoint is unset)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start ops feed hub
	go s.opsHub.Run(runCtx)

	// Start check-in watcher
	go s.checkInWatcher.Start(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop check-in watcher
	if s.checkInWatcher != nil {
		s.checkInWatcher.Stop()
		s.logger.Info("check-in watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
