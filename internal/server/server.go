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

	"github.com/dhiyaancnirmal/kitegate/internal/config"
	"github.com/dhiyaancnirmal/kitegate/internal/facilitator"
	"github.com/dhiyaancnirmal/kitegate/internal/gate"
	"github.com/dhiyaancnirmal/kitegate/internal/health"
	"github.com/dhiyaancnirmal/kitegate/internal/ledger"
	"github.com/dhiyaancnirmal/kitegate/internal/logging"
	"github.com/dhiyaancnirmal/kitegate/internal/metrics"
	"github.com/dhiyaancnirmal/kitegate/internal/ratelimit"
	"github.com/dhiyaancnirmal/kitegate/internal/realtime"
	"github.com/dhiyaancnirmal/kitegate/internal/security"
	"github.com/dhiyaancnirmal/kitegate/internal/session"
	"github.com/dhiyaancnirmal/kitegate/internal/settle"
	"github.com/dhiyaancnirmal/kitegate/internal/traces"
	"github.com/dhiyaancnirmal/kitegate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	client         settle.Client
	ledger         *ledger.Ledger
	facilitator    *facilitator.Handler
	probe          *facilitator.Probe
	sessionHandler *session.Handler
	tokens         *session.TokenIssuer
	gate           *gate.Gate
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithSettleClient sets a custom settlement client (for testing)
func WithSettleClient(client settle.Client) Option {
	return func(s *Server) {
		s.client = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set client/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Realtime hub first so the ledger can fan activity out to it
	s.realtimeHub = realtime.NewHub(s.logger)

	publish := func(a *ledger.Activity) {
		s.realtimeHub.BroadcastActivity(a.EventType, map[string]interface{}{
			"paymentRequestId": a.PaymentRequestID,
			"agentId":          a.AgentID,
			"amount":           a.Amount,
			"resource":         a.Resource,
			"txHash":           a.TxHash,
		})
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var refreshStore session.RefreshStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger store: %w", err)
		}
		s.ledger = ledger.New(ledgerStore, ledgerStore, ledger.WithPublisher(publish))

		pgRefresh := session.NewPostgresRefreshStore(db)
		if err := pgRefresh.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate refresh token store: %w", err)
		}
		refreshStore = pgRefresh
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.ledger = ledger.New(ledger.NewMemoryStore(), ledger.NewMemoryActivityStore(), ledger.WithPublisher(publish))
		refreshStore = session.NewMemoryRefreshStore()
	}

	// Settlement backend. A configured facilitator URL delegates verify
	// and settle instead of self-settling.
	if s.client == nil && cfg.FacilitatorURL != "" {
		s.client = settle.NewRemoteClient(cfg.FacilitatorURL)
		s.logger.Info("remote settlement enabled", "facilitator", cfg.FacilitatorURL)
	}
	if s.client == nil {
		switch cfg.SettleMode {
		case "chain":
			client, err := settle.NewChainClient(settle.ChainConfig{
				RPCURL:        cfg.RPCURL,
				PrivateKey:    cfg.PrivateKey,
				ChainID:       cfg.ChainID,
				Confirmations: cfg.Confirmations,
				RPCTimeout:    cfg.RPCTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain settlement client: %w", err)
			}
			s.client = client
			s.logger.Info("chain settlement enabled",
				"rpc", cfg.RPCURL,
				"chainId", cfg.ChainID,
				"canSettle", cfg.PrivateKey != "",
			)
		default:
			s.client = settle.NewDemoClient()
			s.logger.Info("demo settlement enabled (no chain interaction)")
		}
	}

	// Facilitator: the verify/settle API over the settlement backend
	s.probe = facilitator.NewProbe(s.client, facilitator.DefaultProbeTTL)
	s.facilitator = facilitator.NewHandler(facilitator.NewService(s.client), s.probe)

	// Session token issuing
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		s.logger.Warn("SESSION_SECRET not set, using ephemeral secret; sessions will not survive restarts")
	}
	tokens, err := session.NewTokenIssuer(session.TokenIssuerConfig{
		Secret:     secret,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}, refreshStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	s.tokens = tokens
	s.sessionHandler = session.NewHandler(session.HandlerConfig{
		Domain:       cfg.SessionDomain,
		URI:          cfg.SessionURI,
		ChainID:      cfg.ChainID,
		ChallengeTTL: cfg.ChallengeTTL,
	}, session.NewChallengeIssuer(session.NewMemoryChallengeStore()), tokens)

	// Payment gate for priced routes
	s.gate = gate.New(gate.Config{
		Client:  s.client,
		Ledger:  s.ledger,
		Asset:   cfg.Asset,
		PayTo:   cfg.PayTo,
		ResolvePayer: func(ctx context.Context, ownerAddress string) (string, error) {
			// Session owner is the wallet that pays.
			return ownerAddress, nil
		},
	})

	// Health checkers
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("settlement", func(ctx context.Context) health.Status {
		st := s.probe.Check(ctx)
		return health.Status{
			Name:    "settlement",
			Healthy: st.VerifyReachable,
			Detail:  st.LastError,
		}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

	// WebSocket for real-time payment activity
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Facilitator API (/v2/supported, /v2/verify, /v2/settle)
	s.facilitator.RegisterRoutes(s.router)

	// V1 API group: sessions, ledger reads, budgets
	v1 := s.router.Group("/v1")
	s.sessionHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterRoutes(v1)

	// Paid demo routes. Unauthenticated callers can still pay; sessions
	// only add the payer binding check.
	paid := s.router.Group("/api/v1")
	paid.Use(session.Middleware(s.tokens))
	{
		paid.GET("/forecast", s.gate.Middleware(s.cfg.DefaultPrice, "Weather forecast"), s.forecastHandler)
		paid.POST("/echo", s.gate.Middleware(s.cfg.DefaultPrice, "Echo service"), s.echoHandler)
	}

	// Premium endpoint with custom price
	s.router.GET("/api/v1/premium",
		session.Middleware(s.tokens),
		s.gate.Middleware("10000000", "Premium content"),
		s.premiumHandler,
	)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"backend":   s.probe.Check(ctx),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Kitegate",
		"description": "x402 payment gateway for agent-paid APIs",
		"version":     "0.1.0",
		"network":     "kite-testnet",
		"chainId":     s.cfg.ChainID,
		"settleMode":  s.client.Mode(),
	})
}

var forecasts = []string{
	"Clear skies with a light northerly breeze.",
	"Scattered showers clearing by afternoon.",
	"Overcast, highs near 18C.",
	"Sunny intervals with a chance of fog overnight.",
	"Thunderstorms likely after 15:00.",
}

func (s *Server) forecastHandler(c *gin.Context) {
	payment, _ := gate.GetPayment(c)
	forecast := forecasts[time.Now().Unix()%int64(len(forecasts))]

	resp := gin.H{
		"forecast": forecast,
		"paid":     true,
	}
	if payment != nil {
		resp["payment_tx"] = payment.TxHash
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) echoHandler(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_json",
			"message": "Request body must be valid JSON",
		})
		return
	}

	payment, _ := gate.GetPayment(c)

	resp := gin.H{
		"echo": body,
		"paid": true,
	}
	if payment != nil {
		resp["payment_tx"] = payment.TxHash
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) premiumHandler(c *gin.Context) {
	payment, _ := gate.GetPayment(c)

	resp := gin.H{
		"content": "Premium forecast bundle for the next 10 days",
		"paid":    true,
	}
	if payment != nil {
		resp["payment_tx"] = payment.TxHash
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector is configured)
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
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
			"settleMode", s.client.Mode(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample connection pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, stats collector)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close settlement client RPC connection
	s.closeSettleClient()

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

// closeSettleClient releases the settlement backend's connection when it
// holds one. ChainClient's Close returns an error, so the assertion must
// match that signature.
func (s *Server) closeSettleClient() {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("settlement client close error", "error", err)
		}
	}
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
