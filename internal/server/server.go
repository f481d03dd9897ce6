// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/tonpay/gigescrow/internal/config"
	"github.com/tonpay/gigescrow/internal/coordinator"
	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/idgen"
	"github.com/tonpay/gigescrow/internal/logging"
	"github.com/tonpay/gigescrow/internal/metrics"
	"github.com/tonpay/gigescrow/internal/monitor"
	"github.com/tonpay/gigescrow/internal/sweeper"
	"github.com/tonpay/gigescrow/internal/ton"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	coord        *coordinator.Coordinator
	sweep        *sweeper.Sweeper
	chain        *ton.Client
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

// WithCoordinator injects a pre-built coordinator and skips chain and storage
// setup (for testing).
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(s *Server) {
		s.coord = c
	}
}

// WithSweeper injects a pre-built sweeper (for testing).
func WithSweeper(sw *sweeper.Sweeper) Option {
	return func(s *Server) {
		s.sweep = sw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set coordinator/logger)
	for _, opt := range opts {
		opt(s)
	}

	if s.coord == nil {
		if err := s.setupServices(context.Background()); err != nil {
			return nil, err
		}
	}

	s.healthy.Store(true)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupServices wires storage, the chain client, the confirmation monitor, the
// coordinator and the sweeper from configuration.
func (s *Server) setupServices(ctx context.Context) error {
	var (
		gigStore gig.Store
		appStore gig.ApplicationStore
		opStore  gig.OperationStore
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pg := gig.NewPostgresStore(db)
		gigStore, appStore, opStore = pg, pg, pg
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		mem := gig.NewMemoryStore()
		gigStore, appStore, opStore = mem, mem, mem
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	chain, err := ton.New(ctx, ton.Config{
		Network:   ton.Network(s.cfg.Network),
		ConfigURL: s.cfg.TONConfigURL,
		AdminSeed: s.cfg.AdminWalletSeed,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	s.chain = chain
	s.logger.Info("chain client ready", "network", s.cfg.Network, "admin", chain.Address())

	mon := monitor.New(chain, s.logger, monitor.WithPollInterval(s.cfg.ConfirmPollInterval))

	s.coord = coordinator.New(gigStore, appStore, opStore, chain, mon, s.logger,
		coordinator.WithAdminID(s.cfg.AdminID),
		coordinator.WithConfirmTimeout(s.cfg.ConfirmTimeout),
	)

	s.sweep = sweeper.New(s.coord, opStore, s.logger,
		sweeper.WithInterval(s.cfg.SweepInterval),
		sweeper.WithGracePeriod(s.cfg.SweepGracePeriod),
		sweeper.WithExpiry(s.cfg.SweepExpiry),
	)

	return nil
}

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
			requestID = "req_" + idgen.Hex(8)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.POST("/gigs", s.createGig)
		v1.GET("/gigs/:id", s.getGig)
		v1.POST("/gigs/:id/transition", s.transitionGig)
		v1.POST("/gigs/:id/applications", s.applyToGig)
		v1.POST("/applications/:id/accept", s.acceptApplication)
		v1.POST("/applications/:id/reject", s.rejectApplication)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	state := "healthy"
	if !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"ready":   s.ready.Load(),
		"network": s.cfg.Network,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Finish what a previous process left in flight before taking traffic.
	if err := s.coord.Recover(runCtx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // transitions block on chain confirmation
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconciliation sweeper
	if s.sweep != nil {
		go s.sweep.Start(runCtx)
	}

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweep != nil {
		s.sweep.Stop()
		s.logger.Info("sweeper stopped")
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
