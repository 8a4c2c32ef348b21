// Package server wires the services together and runs the HTTP API.
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

	"github.com/lipalink/lipalink/internal/config"
	"github.com/lipalink/lipalink/internal/delivery"
	"github.com/lipalink/lipalink/internal/dispute"
	"github.com/lipalink/lipalink/internal/escrow"
	"github.com/lipalink/lipalink/internal/health"
	"github.com/lipalink/lipalink/internal/ledger"
	"github.com/lipalink/lipalink/internal/link"
	"github.com/lipalink/lipalink/internal/logging"
	"github.com/lipalink/lipalink/internal/metrics"
	"github.com/lipalink/lipalink/internal/payout"
	"github.com/lipalink/lipalink/internal/paystack"
	"github.com/lipalink/lipalink/internal/ratelimit"
	"github.com/lipalink/lipalink/internal/realtime"
	"github.com/lipalink/lipalink/internal/reconciliation"
	"github.com/lipalink/lipalink/internal/security"
	"github.com/lipalink/lipalink/internal/validation"
	"github.com/lipalink/lipalink/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg      *config.Config
	gateway  *paystack.Client
	ledger   *ledger.Ledger
	escrow   *escrow.Service
	payouts  *payout.Service
	delivery *delivery.Service
	disputes *dispute.Service
	links    *link.Service
	emitter  *webhook.Emitter
	receiver *webhook.Receiver

	realtimeHub *realtime.Hub
	escrowTimer *escrow.Timer
	payoutTimer *payout.Timer
	sweepTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom gateway client (for testing).
func WithGateway(client *paystack.Client) Option {
	return func(s *Server) {
		s.gateway = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.gateway == nil {
		s.gateway = paystack.NewClient(cfg.PaystackSecretKey, cfg.PaystackBaseURL, cfg.GatewayTimeout, s.logger)
	}

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		escrowStore   escrow.Store
		payoutStore   payout.Store
		deliveryStore delivery.Store
		disputeStore  dispute.Store
		linkStore     link.Store
		ledgerStore   ledger.Store
		subStore      webhook.SubscriptionStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		deliveryStore = delivery.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		linkStore = link.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		subStore = webhook.NewPostgresSubscriptionStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		escrowStore = escrow.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		deliveryStore = delivery.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		linkStore = link.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		subStore = webhook.NewMemorySubscriptionStore()
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.emitter = webhook.NewEmitter(subStore, s.logger)
	events := &eventFanout{hub: s.realtimeHub, emitter: s.emitter}

	gw := &gatewayAdapter{client: s.gateway}
	s.ledger = ledger.New(ledgerStore)
	s.delivery = delivery.NewService(deliveryStore)

	s.escrow = escrow.NewService(escrowStore, s.ledger, gw, s.logger).
		WithDelivery(s.delivery).
		WithEvents(events).
		WithAutoReleaseAfter(cfg.AutoReleaseAfter)

	s.payouts = payout.NewService(payoutStore, s.ledger, gw, s.escrow, s.logger).
		WithCurrency(cfg.Currency).
		WithMaxRetries(cfg.PayoutMaxRetries).
		WithEvents(events)
	s.escrow.WithPayouts(s.payouts)

	s.disputes = dispute.NewService(disputeStore, s.escrow, s.logger)
	s.escrow.WithDisputes(s.disputes)

	s.links = link.NewService(linkStore, s.escrow, s.gateway, s.logger)
	s.escrow.WithLinkNotifier(s.links)

	s.receiver = webhook.NewReceiver(s.gateway, s.escrow, s.payouts, s.logger).
		WithChargeVerification(s.gateway)

	s.escrowTimer = escrow.NewTimer(s.escrow, s.delivery, cfg.SweepInterval, cfg.AutoReleaseAfter, s.logger)
	s.payoutTimer = payout.NewTimer(s.payouts, cfg.PayoutRetryInterval, s.logger)
	reconciler := reconciliation.NewService(s.ledger, s.escrow, s.payouts, s.logger)
	s.sweepTimer = reconciliation.NewTimer(reconciler, cfg.ReconcileInterval, s.logger)

	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

	// WebSocket for dashboard event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	link.NewHandler(s.links).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow).RegisterRoutes(v1)
	payout.NewHandler(s.payouts).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	webhook.NewHandler(s.receiver).RegisterRoutes(v1)

	// Buyer confirmation releases escrow immediately instead of waiting
	// for the auto-release sweep.
	delivery.NewHandler(s.delivery).
		OnConfirm(s.releaseOnConfirm).
		RegisterRoutes(v1)

	// Seller webhook subscriptions
	v1.POST("/sellers/:id/webhooks", s.createSubscription)
	v1.GET("/sellers/:id/webhooks", s.listSubscriptions)
	v1.DELETE("/sellers/:id/webhooks/:subId", s.deleteSubscription)

	// Realtime hub stats for the dashboard
	v1.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// releaseOnConfirm releases the held escrow for a transaction after the
// buyer confirms delivery. A refunded or already-released transaction is
// left alone; the confirmation itself stays recorded either way.
func (s *Server) releaseOnConfirm(c *gin.Context, transactionID string) {
	ctx := c.Request.Context()
	holds, err := s.escrow.ListHoldsByTransaction(ctx, transactionID)
	if err != nil {
		s.logger.Error("failed to list holds after confirmation",
			"transactionId", transactionID, "error", err)
		return
	}
	for _, h := range holds {
		if h.Status != escrow.HoldHeld {
			continue
		}
		if _, err := s.escrow.ReleaseEscrow(ctx, h.ID); err != nil {
			s.logger.Error("failed to release escrow after confirmation",
				"transactionId", transactionID, "holdId", h.ID, "error", err)
		}
		return
	}
}

// SubscriptionRequest contains the parameters for a webhook subscription.
type SubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub, err := s.emitter.Subscribe(c.Request.Context(), c.Param("id"), req.URL, req.Secret, req.Events)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.emitter.ListSubscriptions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (s *Server) deleteSubscription(c *gin.Context) {
	if err := s.emitter.Unsubscribe(c.Request.Context(), c.Param("subId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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
		"name":        "Lipalink",
		"description": "Escrow-backed payment links for social commerce",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.payoutTimer.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
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

	s.escrowTimer.Stop()
	s.payoutTimer.Stop()
	s.sweepTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// gatewayAdapter narrows the Paystack client to the interfaces the
// escrow engine and payout orchestrator depend on.
type gatewayAdapter struct {
	client *paystack.Client
}

func (a *gatewayAdapter) InitiateRefund(ctx context.Context, transactionReference string, amount int64, reason string) (string, error) {
	result, err := a.client.InitiateRefund(ctx, transactionReference, amount, reason)
	if err != nil {
		return "", err
	}
	return result.RefundReference, nil
}

func (a *gatewayAdapter) InitiateTransfer(ctx context.Context, amount int64, recipientCode, reason, reference string) (string, error) {
	result, err := a.client.InitiateTransfer(ctx, amount, recipientCode, reason, reference)
	if err != nil {
		return "", err
	}
	return result.TransferCode, nil
}

func (a *gatewayAdapter) CreateTransferRecipient(ctx context.Context, recipientType, name, accountNumber, bankCode, currency string) (string, error) {
	return a.client.CreateTransferRecipient(ctx, recipientType, name, accountNumber, bankCode, currency)
}

// eventFanout publishes lifecycle events to both the WebSocket hub and
// seller webhook endpoints.
type eventFanout struct {
	hub     *realtime.Hub
	emitter *webhook.Emitter
}

func (f *eventFanout) Publish(eventType string, payload any) {
	f.hub.Publish(eventType, payload)
	f.emitter.Publish(eventType, payload)
}
