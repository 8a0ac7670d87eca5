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

	"github.com/mquinn/marketsettle/internal/audit"
	"github.com/mquinn/marketsettle/internal/authz"
	"github.com/mquinn/marketsettle/internal/config"
	"github.com/mquinn/marketsettle/internal/dispute"
	"github.com/mquinn/marketsettle/internal/escrow"
	"github.com/mquinn/marketsettle/internal/events"
	"github.com/mquinn/marketsettle/internal/health"
	"github.com/mquinn/marketsettle/internal/logging"
	"github.com/mquinn/marketsettle/internal/metrics"
	"github.com/mquinn/marketsettle/internal/order"
	"github.com/mquinn/marketsettle/internal/realtime"
	"github.com/mquinn/marketsettle/internal/security"
	"github.com/mquinn/marketsettle/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       audit.Ledger
	orders       *order.Machine
	escrows      *escrow.Service
	disputes     *dispute.Service
	sweeper      *escrow.Sweeper
	bus          *events.MemoryBus
	hub          *realtime.Hub
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewMemoryBus(s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
		signals      dispute.SignalProvider
	)
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
		s.ledger = audit.NewPostgresLedger(db)
		orderStore = order.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		signals = dispute.NewPostgresSignals(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.ledger = audit.NewMemoryLedger()
		orderStore = order.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		signals = dispute.StaticSignals{}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Escrow engine holds and disburses funds per order
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.bus, s.logger).
		WithHoldWindow(cfg.HoldWindow).
		WithLockTimeout(cfg.LockTimeout)

	// Order state machine drives escrow through lifecycle hooks
	s.orders = order.NewMachine(orderStore, s.ledger, s.bus, s.logger).
		WithSettlement(s.escrows)

	// Dispute engine sits on top of both
	s.disputes = dispute.NewService(disputeStore, s.orders, s.escrows, s.ledger, s.bus, s.logger).
		WithSignals(signals)

	// Releases check for open disputes under the per-order lock, so a raise
	// that has not frozen the escrow yet still blocks a concurrent release
	s.escrows.WithDisputeChecker(s.disputes)

	// Auto-release sweeper completes orders once the hold window elapses
	s.sweeper = escrow.NewSweeper(s.escrows, s.orders, s.disputes, s.logger).
		WithInterval(cfg.SweepInterval)

	// Realtime hub streams domain events to WebSocket clients
	s.hub = realtime.NewHub(s.logger)
	s.hub.AttachBus(s.bus)

	// Domain metrics are fed off the same event bus
	s.bus.Subscribe(recordEventMetrics)

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

// recordEventMetrics maps domain events onto Prometheus counters.
func recordEventMetrics(e *events.Event) {
	switch e.Type {
	case events.OrderTransitioned:
		label := "place" // placement events carry no action
		if action, ok := e.Data["action"].(order.Action); ok {
			label = string(action)
		}
		metrics.OrderTransitionsTotal.WithLabelValues(label).Inc()
	case events.EscrowHeld:
		metrics.EscrowOperationsTotal.WithLabelValues("hold").Inc()
	case events.EscrowArmed:
		metrics.EscrowOperationsTotal.WithLabelValues("arm").Inc()
	case events.EscrowReleased:
		metrics.EscrowOperationsTotal.WithLabelValues("release").Inc()
		if actor, _ := e.Data["actor"].(string); actor == authz.System().ID {
			metrics.EscrowAutoReleasedTotal.Inc()
		}
	case events.EscrowRefunded:
		metrics.EscrowOperationsTotal.WithLabelValues("refund").Inc()
	case events.EscrowFrozen:
		metrics.EscrowOperationsTotal.WithLabelValues("freeze").Inc()
	case events.EscrowUnfrozen:
		metrics.EscrowOperationsTotal.WithLabelValues("unfreeze").Inc()
	case events.DisputeRaised:
		metrics.DisputesTotal.WithLabelValues("raised").Inc()
	case events.DisputeEvaluated:
		metrics.DisputesTotal.WithLabelValues("evaluated").Inc()
	case events.DisputeResolved:
		metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	}
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Actor identity (set by the API gateway after authentication)
	s.router.Use(s.actorMiddleware())

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

// actorMiddleware reads the authenticated actor from gateway-set headers.
// Authorization decisions happen in the domain services via authz.Check;
// requests without an actor fail there with 403.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("actorID", c.GetHeader("X-Actor-ID"))
		c.Set("actorRole", c.GetHeader("X-Actor-Role"))
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

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	order.NewHandler(s.orders).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows, s.orders).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)

	// Audit queries live under the admin prefix; authz restricts them to
	// admin and finance roles
	admin := v1.Group("/admin")
	audit.NewHandler(s.ledger).RegisterRoutes(admin)
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

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Marketsettle",
		"description": "Order lifecycle and escrow settlement core",
		"version":     "0.1.0",
	})
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start escrow release sweeper
	s.sweeper.Start()

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

	// Cancel the context for all background goroutines (hub)
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

	// Stop release sweeper
	s.sweeper.Stop()
	s.logger.Info("release sweeper stopped")

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
