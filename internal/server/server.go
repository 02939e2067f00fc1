// Package server wires storage, services and routes into the gateway process.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/saturn/internal/account"
	"github.com/mbd888/saturn/internal/adapters"
	"github.com/mbd888/saturn/internal/audit"
	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/capability"
	"github.com/mbd888/saturn/internal/catalog"
	"github.com/mbd888/saturn/internal/checkout"
	"github.com/mbd888/saturn/internal/config"
	"github.com/mbd888/saturn/internal/health"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/idgen"
	"github.com/mbd888/saturn/internal/invoices"
	"github.com/mbd888/saturn/internal/ledger"
	"github.com/mbd888/saturn/internal/logging"
	"github.com/mbd888/saturn/internal/metrics"
	"github.com/mbd888/saturn/internal/policy"
	"github.com/mbd888/saturn/internal/pricing"
	"github.com/mbd888/saturn/internal/proxy"
	"github.com/mbd888/saturn/internal/ratelimit"
	"github.com/mbd888/saturn/internal/realtime"
	"github.com/mbd888/saturn/internal/security"
	"github.com/mbd888/saturn/internal/traces"
	"github.com/mbd888/saturn/internal/validation"
)

// catalogReloadInterval is how often the adapter and capability
// registries re-read the catalog, which is also how quickly admin
// edits reach the proxy path.
const catalogReloadInterval = 30 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the gateway's service graph.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	// Stores handlers need direct access to.
	accounts account.Store
	catalog  catalog.Store
	policies policy.Store

	ledger          *ledger.Ledger
	audit           *audit.Service
	evaluator       *policy.Evaluator
	sessions        *auth.Sessions
	auth            *auth.Authenticator
	oracle          *pricing.Oracle
	adapters        *adapters.Registry
	capabilities    *capability.Registry
	executor        *proxy.Executor
	invoices        *invoices.Service
	invoiceWatcher  *invoices.Watcher
	invoiceSweeper  *invoices.Sweeper
	checkout        *checkout.Service
	checkoutSweeper *checkout.Sweeper
	hub             *realtime.Hub
	health          *health.Registry

	rateLimiter   *ratelimit.Limiter
	signupLimiter *ratelimit.PerWindow
	loginLimiter  *ratelimit.PerWindow

	// Injected test doubles; nil means build from config.
	rateSource       pricing.RateSource
	invoiceIssuer    invoices.Issuer
	invoiceDialer    invoices.StreamDialer
	checkoutProvider checkout.Provider

	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithRateSource overrides the BTC-USD rate source (for testing).
func WithRateSource(src pricing.RateSource) Option {
	return func(s *Server) {
		s.rateSource = src
	}
}

// WithInvoiceIssuer overrides the Lightning invoice issuer (for testing).
func WithInvoiceIssuer(iss invoices.Issuer) Option {
	return func(s *Server) {
		s.invoiceIssuer = iss
	}
}

// WithInvoiceStream overrides the settlement stream source (for testing).
func WithInvoiceStream(d invoices.StreamDialer) Option {
	return func(s *Server) {
		s.invoiceDialer = d
	}
}

// WithCheckoutProvider overrides the card checkout provider (for testing).
func WithCheckoutProvider(p checkout.Provider) Option {
	return func(s *Server) {
		s.checkoutProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger or test doubles)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore   ledger.Store
		auditStore    audit.Store
		invoiceStore  invoices.Store
		checkoutStore checkout.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.accounts = account.NewPostgresStore(db)
		s.catalog = catalog.NewPostgresStore(db)
		s.policies = policy.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		invoiceStore = invoices.NewPostgresStore(db)
		checkoutStore = checkout.NewPostgresStore(db)

		s.health.Register("postgres", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.logger.Info("schema is managed by cmd/migrate; run it before first start")
	} else {
		s.accounts = account.NewMemoryStore()
		s.catalog = catalog.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		invoiceStore = invoices.NewMemoryStore()
		checkoutStore = checkout.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Core services
	s.ledger = ledger.New(ledgerStore, s.logger)
	s.audit = audit.New(auditStore, s.logger)
	s.evaluator = policy.NewEvaluator(s.audit, s.logger)
	// Allowed calls change today's spend, so they must drop the cached
	// window before the next policy check reads it.
	s.audit.SetSpendInvalidator(s.evaluator.InvalidateDailySpend)

	s.sessions = auth.NewSessions([]byte(cfg.SessionSecret))
	s.auth = auth.NewAuthenticator(s.accounts, s.ledger, s.policies, s.sessions, s.logger)

	// BTC-USD oracle and catalog repricing
	rateSource := s.rateSource
	if rateSource == nil && cfg.RateSourceURL != "" {
		rateSource = pricing.NewHTTPSource(cfg.RateSourceURL)
	}
	s.oracle = pricing.NewOracle(cfg.BTCUSDRate, rateSource, cfg.RateRefreshInterval, s.logger)
	if rateSource == nil {
		s.logger.Info("no rate source configured, BTC-USD rate pinned", "rate", cfg.BTCUSDRate)
	} else {
		staleAfter := 3 * cfg.RateRefreshInterval
		if staleAfter <= 0 {
			staleAfter = 30 * time.Minute
		}
		s.health.Register("rate_oracle", func(context.Context) health.Status {
			age := time.Since(s.oracle.LastRefresh())
			if age > staleAfter {
				return health.Status{
					Name:    "rate_oracle",
					Healthy: false,
					Detail:  fmt.Sprintf("rate stale for %s", age.Round(time.Second)),
				}
			}
			return health.Status{Name: "rate_oracle", Healthy: true}
		})
	}

	s.adapters = adapters.NewRegistry(s.catalog, s.logger)
	s.capabilities = capability.NewRegistry(s.catalog, s.logger)
	if err := s.adapters.Reload(ctx); err != nil {
		s.logger.Warn("initial adapter reload failed", "error", err)
	}
	if err := s.capabilities.Reload(ctx); err != nil {
		s.logger.Warn("initial capability reload failed", "error", err)
	}

	repricer := pricing.NewRepricer(s.catalog, s.logger)
	s.oracle.OnChange(func(ctx context.Context, rate int64) {
		n, err := repricer.Reprice(ctx, rate)
		if err != nil {
			s.logger.Error("reprice after rate change failed", "rate", rate, "error", err)
			return
		}
		if n == 0 {
			return
		}
		// Registries cache sats prices, so a reprice must be followed
		// by a reload.
		if err := s.adapters.Reload(ctx); err != nil {
			s.logger.Warn("adapter reload after reprice failed", "error", err)
		}
		if err := s.capabilities.Reload(ctx); err != nil {
			s.logger.Warn("capability reload after reprice failed", "error", err)
		}
	})

	// Metered proxy pipeline
	s.executor = proxy.NewExecutor(s.adapters, s.capabilities, s.evaluator, s.ledger, s.audit, s.oracle, s.logger)

	// Lightning funding
	issuer := s.invoiceIssuer
	dialer := s.invoiceDialer
	if cfg.LightningAPIURL != "" && (issuer == nil || dialer == nil) {
		node := invoices.NewLNDNode(cfg.LightningAPIURL, cfg.LightningAPIKey, cfg.InvoiceTTL)
		if issuer == nil {
			issuer = node
		}
		if dialer == nil {
			dialer = node
		}
		s.logger.Info("lightning node configured", "url", cfg.LightningAPIURL)
	}
	if issuer == nil {
		issuer = invoices.NewDevIssuer()
		s.logger.Info("no lightning node configured, using dev invoice issuer")
	}
	s.invoices = invoices.New(invoiceStore, issuer, s.ledger, s.accounts, s.policies, s.logger)
	if dialer != nil {
		s.invoiceWatcher = invoices.NewWatcher(invoices.DefaultConfig(), dialer, s.invoices, s.logger)
		s.health.Register("invoice_watcher", func(context.Context) health.Status {
			if !s.invoiceWatcher.Connected() {
				return health.Status{Name: "invoice_watcher", Healthy: false, Detail: "settlement stream disconnected"}
			}
			return health.Status{Name: "invoice_watcher", Healthy: true}
		})
	}
	s.invoiceSweeper = invoices.NewSweeper(invoiceStore, 0, s.logger)

	// Card funding
	provider := s.checkoutProvider
	if provider == nil {
		if cfg.StripeAPIKey != "" {
			provider = checkout.NewStripeProvider(cfg.StripeAPIKey, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
			s.logger.Info("stripe checkout enabled")
		} else {
			provider = checkout.NewDevProvider()
			s.logger.Info("no stripe key configured, using dev checkout provider")
		}
	}
	s.checkout = checkout.New(checkoutStore, provider, s.ledger, s.logger)
	s.checkoutSweeper = checkout.NewSweeper(checkoutStore, 0, 0, s.logger)

	// Realtime audit feed
	s.hub = realtime.NewHub(s.logger)
	s.audit.SetNotifier(s.hub)

	// Signup and login carry tighter fixed-window caps than the global
	// limiter.
	s.signupLimiter = ratelimit.NewPerWindow(5, 15*time.Minute)
	s.loginLimiter = ratelimit.NewPerWindow(10, 15*time.Minute)

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

// maskDSN hides the password when a connection string gets logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
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
		httpapi.AbortError(c, http.StatusInternalServerError, httpapi.CodeInternalError,
			"An unexpected error occurred")
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(splitOrigins(s.cfg.AllowedOrigins)))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
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

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an inbound X-Request-ID from the load balancer.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			attrs = append(attrs, "client_ip", c.ClientIP())
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
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

	// Provider webhooks: signature-verified, never API-key authenticated.
	invoiceHandler := invoices.NewHandler(s.invoices, s.cfg.LightningWebhookSecret, s.logger)
	checkoutHandler := checkout.NewHandler(s.checkout, s.cfg.StripeWebhookSecret, s.logger)
	internal := s.router.Group("/internal")
	invoiceHandler.RegisterWebhookRoutes(internal)
	checkoutHandler.RegisterWebhookRoutes(internal)

	// Catalog administration. This is how curated services enter the
	// catalog; without a secret the surface stays off entirely.
	catalogHandler := catalog.NewHandler(s.catalog, s.satsQuote, s.logger)
	if s.cfg.AdminSecret != "" {
		admin := s.router.Group("/internal/admin")
		admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
		catalogHandler.RegisterAdminRoutes(admin)
	} else {
		s.logger.Warn("ADMIN_SECRET not set, admin surface disabled")
	}

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	accountHandler := account.NewHandler(s.accounts, s.ledger, s.sessions, s.logger)
	accountHandler.SetSessionTTL(s.cfg.SessionTTL)
	accountHandler.SetKeyChangeHook(s.auth.Invalidate)
	accountHandler.RegisterPublicRoutes(v1, s.signupLimiter.Middleware(), s.loginLimiter.Middleware())

	// PROTECTED ROUTES (API key or session token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.auth))
	{
		// Metered proxy
		proxyHandler := proxy.NewHandler(s.executor, s.logger)
		proxyHandler.RegisterRoutes(protected)

		// Discovery
		catalogHandler.RegisterRoutes(protected)
		capability.NewHandler(s.capabilities).RegisterRoutes(protected)

		// Wallet
		ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(protected)
		invoiceHandler.RegisterRoutes(protected)
		checkoutHandler.RegisterRoutes(protected)

		// Call history
		audit.NewHandler(s.audit, s.logger).RegisterRoutes(protected)

		// Agent and policy management
		accountHandler.RegisterProtectedRoutes(protected)
		policyHandler := policy.NewHandler(s.policies, s.accounts, s.evaluator, s.logger)
		policyHandler.SetMutationHook(s.auth.Invalidate)
		policyHandler.RegisterRoutes(protected)

		// Live audit feed
		s.hub.RegisterRoutes(protected)
	}
}

// satsQuote converts a USD-micros price to sats at the cached rate.
// Handed to the catalog so listings show both prices.
func (s *Server) satsQuote(usdMicros int64) int64 {
	return pricing.UsdMicrosToSats(usdMicros, s.oracle.Rate())
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body served by the health endpoint.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	probeResult(c, s.healthy.Load(), "alive", "unhealthy")
}

func (s *Server) readinessHandler(c *gin.Context) {
	probeResult(c, s.ready.Load(), "ready", "not_ready")
}

func probeResult(c *gin.Context, ok bool, up, down string) {
	if ok {
		c.JSON(http.StatusOK, gin.H{"status": up})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing is a no-op without an endpoint.
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Bind before starting the loops so a taken port fails fast.
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background loops
	s.oracle.Start(runCtx)
	s.adapters.Start(runCtx, catalogReloadInterval)
	s.capabilities.Start(runCtx, catalogReloadInterval)
	go s.hub.Run(runCtx)
	if s.invoiceWatcher != nil {
		s.invoiceWatcher.Start(runCtx)
	}
	s.invoiceSweeper.Start(runCtx)
	s.checkoutSweeper.Start(runCtx)

	// Socket is bound and the loops are up.
	s.ready.Store(true)
	s.logger.Info("server ready")

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-stopCtx.Done():
		s.logger.Info("shutdown requested")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweepers, watcher)
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

	// Stop loops that hold funds paths first: a half-processed
	// settlement is worse than a late HTTP response.
	if s.invoiceWatcher != nil {
		s.invoiceWatcher.Stop()
	}
	s.invoiceSweeper.Stop()
	s.checkoutSweeper.Stop()

	s.oracle.Stop()
	s.adapters.Stop()
	s.capabilities.Stop()

	s.rateLimiter.Stop()
	s.signupLimiter.Stop()
	s.loginLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
