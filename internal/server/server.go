// Package server wires the marketplace together: storage, domain
// services, background sweeps, and the HTTP surface.
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
	_ "github.com/lib/pq"

	"github.com/mbd888/agora/internal/activity"
	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/chain"
	"github.com/mbd888/agora/internal/config"
	"github.com/mbd888/agora/internal/discovery"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/health"
	"github.com/mbd888/agora/internal/jobs"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/messages"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/negotiation"
	"github.com/mbd888/agora/internal/payments"
	"github.com/mbd888/agora/internal/quotes"
	"github.com/mbd888/agora/internal/ratelimit"
	"github.com/mbd888/agora/internal/realtime"
	"github.com/mbd888/agora/internal/reconciliation"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/security"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/validation"
	"github.com/mbd888/agora/internal/watcher"
	"github.com/mbd888/agora/internal/withdrawals"

	"github.com/ethereum/go-ethereum/common"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	bus    *events.Bus
	agents registry.Store
	bank   *ledger.Ledger

	jobService         *jobs.Service
	negotiationService *negotiation.Service
	quoteStore         quotes.Store
	verifier           *payments.Verifier
	withdrawalService  *withdrawals.Service
	messageStore       messages.Store
	activityStore      activity.Store
	reconciler         *reconciliation.Service

	chainClient chain.ReceiptProvider

	negotiationTimer *negotiation.Timer
	quoteSweeper     *quotes.Sweeper
	paymentsTimer    *payments.Timer
	reconcileTimer   *reconciliation.Timer
	depositWatcher   *watcher.Watcher

	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChain sets a custom receipt provider (for testing)
func WithChain(provider chain.ReceiptProvider) Option {
	return func(s *Server) {
		s.chainClient = provider
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	s.healthy.Store(true)

	// Apply options first (may set logger/chain)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	s.bus = events.NewBus()

	// Chain client (skipped when a test injected its own provider).
	// Dialing is lazy for http endpoints, so this works offline too.
	if s.chainClient == nil {
		client, err := chain.NewClient(cfg.RPCURL, chain.WithTimeout(cfg.ChainTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainClient = client
		s.logger.Info("chain client created", "rpc", cfg.RPCURL, "chain_id", cfg.ChainID)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Agent and service registry
		agentStore := registry.NewPostgresStore(db)
		if err := agentStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate registry store", "error", err)
		}
		s.agents = agentStore

		// Ledger
		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.bank = ledger.New(ledgerStore)

		// Inbox
		messageStore := messages.NewPostgresStore(db)
		if err := messageStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate message store", "error", err)
		}
		s.messageStore = messageStore

		// Activity feed
		activityStore := activity.NewPostgresStore(db)
		if err := activityStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate activity store", "error", err)
		}
		s.activityStore = activityStore

		// Quotes
		quoteStore := quotes.NewPostgresStore(db)
		if err := quoteStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate quote store", "error", err)
		}
		s.quoteStore = quoteStore

		// Jobs. The Postgres store runs escrow, quote consumption,
		// completion stats, inbox drops, and feed entries inside the
		// job transaction itself.
		jobStore := jobs.NewPostgresStore(db)
		if err := jobStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate job store", "error", err)
		}
		s.jobService = jobs.NewService(jobStore, agentStore, s.bus, s.logger)

		// Negotiations
		negotiationStore := negotiation.NewPostgresStore(db)
		if err := negotiationStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate negotiation store", "error", err)
		}
		s.negotiationService = negotiation.NewService(negotiationStore, agentStore, s.bank, s.bus, s.logger).
			WithInbox(s.messageStore).
			WithLimits(cfg.NegotiationTTL, cfg.NegotiationMaxRounds)
		s.jobService = s.jobService.WithNegotiations(negotiationStore).WithQuotes(s.quoteStore)

		// Payments
		paymentStore := payments.NewPostgresStore(db)
		if err := paymentStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payment store", "error", err)
		}
		s.verifier = s.newVerifier(paymentStore)

		// Withdrawals
		withdrawalStore := withdrawals.NewPostgresStore(db)
		if err := withdrawalStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate withdrawal store", "error", err)
		}
		s.withdrawalService = s.newWithdrawalService(withdrawalStore)
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")

		agentStore := registry.NewMemoryStore()
		s.agents = agentStore
		s.bank = ledger.New(ledger.NewMemoryStore())
		s.messageStore = messages.NewMemoryStore()
		s.activityStore = activity.NewMemoryStore()
		s.quoteStore = quotes.NewMemoryStore()

		negotiationStore := negotiation.NewMemoryStore()
		s.negotiationService = negotiation.NewService(negotiationStore, agentStore, s.bank, s.bus, s.logger).
			WithInbox(s.messageStore).
			WithLimits(cfg.NegotiationTTL, cfg.NegotiationMaxRounds)

		jobStore := jobs.NewMemoryStore(s.bank).
			WithQuotes(s.quoteStore).
			WithAgents(agentStore).
			WithInbox(s.messageStore).
			WithFeed(s.activityStore)
		s.jobService = jobs.NewService(jobStore, agentStore, s.bus, s.logger).
			WithNegotiations(negotiationStore).
			WithQuotes(s.quoteStore)

		s.verifier = s.newVerifier(payments.NewMemoryStore())
		s.withdrawalService = s.newWithdrawalService(withdrawals.NewMemoryStore(s.bank))
	}

	// Ledger reconciliation
	s.reconciler = reconciliation.NewService(s.bank, s.verifier, cfg.StuckPaymentAge, s.logger)

	// Background sweeps
	s.negotiationTimer = negotiation.NewTimer(s.negotiationService, time.Minute)
	s.quoteSweeper = quotes.NewSweeper(s.quoteStore, time.Minute, s.logger)
	s.paymentsTimer = payments.NewTimer(s.verifier, cfg.ReconcileInterval, cfg.StuckPaymentAge, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Deposit watcher (opt-in, needs token + platform wallet)
	if cfg.WatcherEnabled {
		if cfg.TokenContract == "" || cfg.PlatformWallet == "" {
			s.logger.Warn("deposit watcher enabled but TOKEN_CONTRACT or PLATFORM_WALLET unset, skipping")
		} else {
			w, err := watcher.New(watcher.Config{
				RPCURL:         cfg.RPCURL,
				Token:          common.HexToAddress(cfg.TokenContract),
				PlatformWallet: common.HexToAddress(cfg.PlatformWallet),
				PollInterval:   cfg.WatcherInterval,
			}, s.verifier, s.agents, s.chainClient, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create deposit watcher: %w", err)
			}
			s.depositWatcher = w
		}
	}

	// Realtime event stream
	s.hub = realtime.NewHub(s.logger)

	// Health checks
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}

	// Tracing (opt-in)
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracesShutdown = shutdown
		}
	}

	// Setup HTTP router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) newVerifier(store payments.Store) *payments.Verifier {
	return payments.NewVerifier(store, s.bank, s.chainClient, s.agents, s.bus, s.logger, payments.Config{
		PlatformWallet: s.cfg.PlatformWallet,
		TokenAddress:   s.cfg.TokenContract,
	})
}

func (s *Server) newWithdrawalService(store withdrawals.Store) *withdrawals.Service {
	var executor withdrawals.Executor
	if s.cfg.PlatformPrivateKey != "" {
		exec, err := withdrawals.NewChainExecutor(withdrawals.ExecutorConfig{
			RPCURL:     s.cfg.RPCURL,
			PrivateKey: s.cfg.PlatformPrivateKey,
			ChainID:    s.cfg.ChainID,
			Token:      s.cfg.TokenContract,
		})
		if err != nil {
			s.logger.Error("failed to create withdrawal executor, falling back to noop", "error", err)
			executor = withdrawals.NoopExecutor{}
		} else {
			executor = exec
		}
	} else {
		s.logger.Warn("no platform private key, withdrawals use simulated transfers")
		executor = withdrawals.NoopExecutor{}
	}

	return withdrawals.NewService(store, executor, withdrawals.Limits{
		Minimum:     s.cfg.WithdrawalMin,
		FeePercent:  s.cfg.WithdrawalFeePercent,
		RatePerHour: s.cfg.WithdrawalRatePerHour,
	}, s.bus, s.logger)
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
			"detail": gin.H{
				"code":    "internal_error",
				"message": "An unexpected error occurred",
			},
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.PerSecond = float64(s.cfg.RateLimitRPS)
		rlCfg.Burst = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	registryHandler := registry.NewHandler(s.agents, s.bus)
	discoveryHandler := discovery.NewHandler(discovery.NewEngine(s.agents))
	jobHandler := jobs.NewHandler(s.jobService)
	negotiationHandler := negotiation.NewHandler(s.negotiationService)
	quoteHandler := quotes.NewHandler(s.quoteStore, s.agents, s.cfg.QuoteTTL)
	paymentHandler := payments.NewHandler(s.verifier)
	withdrawalHandler := withdrawals.NewHandler(s.withdrawalService)
	ledgerHandler := ledger.NewHandler(s.bank, s.logger)
	messageHandler := messages.NewHandler(s.messageStore)
	activityHandler := activity.NewHandler(s.activityStore, s.logger)
	adminHandler := admin.NewHandler().
		WithReconciler(s.reconciler).
		WithPaymentRecoverer(s.verifier, s.cfg.StuckPaymentAge)

	// V1 API group. Auth middleware resolves the API key on every
	// request; the route groups below decide whether it is required.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.agents))

	// PUBLIC ROUTES (no auth required)
	registryHandler.RegisterPublicRoutes(v1)
	discoveryHandler.RegisterRoutes(v1)
	s.hub.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	authed := v1.Group("")
	authed.Use(auth.RequireAuth())
	{
		registryHandler.RegisterAuthedRoutes(authed)
		jobHandler.RegisterRoutes(authed)
		negotiationHandler.RegisterRoutes(authed)
		quoteHandler.RegisterRoutes(authed)
		paymentHandler.RegisterRoutes(authed)
		withdrawalHandler.RegisterRoutes(authed)
		ledgerHandler.RegisterRoutes(authed)
		messageHandler.RegisterRoutes(authed)
		activityHandler.RegisterRoutes(authed)
	}

	// ADMIN ROUTES (require X-Admin-Key)
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminAPIKey))
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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

	// Start realtime hub
	go s.hub.Run(runCtx, s.bus)

	// Start deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
			s.depositWatcher = nil
		}
	}

	// Start negotiation expiry timer
	go s.negotiationTimer.Start(runCtx)

	// Start quote expiry sweeper
	go s.quoteSweeper.Start(runCtx)

	// Start stuck payment recovery timer
	go s.paymentsTimer.Start(runCtx)

	// Start ledger reconciliation timer
	go s.reconcileTimer.Start(runCtx)

	// Start DB pool stats collector
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

	// Cancel the context for all background goroutines (hub, timers, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
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

	// Stop background sweeps
	s.negotiationTimer.Stop()
	s.quoteSweeper.Stop()
	s.paymentsTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("background sweeps stopped")

	// Stop deposit watcher
	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Drain in-flight withdrawal transfers
	s.withdrawalService.Wait()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Close the event bus (disconnects websocket subscribers)
	s.bus.Close()

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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
