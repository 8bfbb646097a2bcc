package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
	"github.com/xenking/shop-checkout/internal/domain/order"
	"github.com/xenking/shop-checkout/internal/domain/pricing"
	"github.com/xenking/shop-checkout/internal/handler"
	"github.com/xenking/shop-checkout/internal/notify"
	"github.com/xenking/shop-checkout/internal/storage/postgres"
	"github.com/xenking/shop-checkout/internal/storage/rediscache"
	"github.com/xenking/shop-checkout/pkg/health"
	"github.com/xenking/shop-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	policy, err := cfg.Pricing.Policy()
	if err != nil {
		return errors.Wrap(err, "pricing policy")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	// Optional Redis fast path for idempotency keys.
	var cache order.IdempotencyCache
	if cfg.Redis.Addr != "" {
		rdb, err := rediscache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		cache = rediscache.NewIdempotencyCache(rdb, cfg.Redis.TTL)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	}

	notifier, closeNotifier := newNotifier(lg, cfg.Notify)
	defer closeNotifier()

	// Repositories.
	tx := postgres.NewTransactor(pool)
	productRepo := postgres.NewProductRepository(tx)
	couponRepo := postgres.NewCouponRepository(tx)
	orderRepo := postgres.NewOrderRepository(tx)
	apikeyRepo := postgres.NewAPIKeyRepository(tx)

	// Domain services.
	couponEvaluator := coupon.NewRepoEvaluator(couponRepo)
	orderService, err := order.NewService(order.Deps{
		Products: productRepo,
		Coupons:  couponEvaluator,
		Usage:    couponRepo,
		Ledger:   postgres.NewLedger(tx),
		Orders:   orderRepo,
		Tx:       tx,
		Cache:    cache,
		Notifier: notifier,
		Pricing:  pricing.NewCalculator(policy),
	},
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	h := handler.NewHandler(orderService, couponEvaluator)
	securityHandler := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, handler.IdempotencyKeyHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader, "Idempotent-Replayed"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.HeaderOrClientIP(handler.APIKeyHeader),
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("shop-api", m.TracerProvider(), m.MeterProvider()),
		httpmiddleware.LogRequests(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Mount("/api", h.Routes(securityHandler.Authenticate))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           r,
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		if err := orderService.Drain(shutdownCtx); err != nil {
			lg.Warn("Coupon usage updates still pending", zap.Error(err))
		}
		healthSvc.Stop()
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newNotifier builds the configured sender chain: the backend, a circuit
// breaker for remote backends, and the async dispatcher in front. The returned
// func drains pending notifications and closes the backend.
func newNotifier(lg *zap.Logger, cfg NotifyConfig) (*notify.Async, func()) {
	var backend order.Notifier = notify.Log{}
	closeBackend := func() error { return nil }
	switch cfg.Backend {
	case NotifyKafka:
		k := notify.NewKafka(cfg.Brokers, cfg.Topic)
		backend = notify.NewBreaker("notify-kafka", k, notify.DefaultBreakerConfig(), lg)
		closeBackend = k.Close
	case NotifyWebhook:
		wh := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTimeout)
		backend = notify.NewBreaker("notify-webhook", wh, notify.DefaultBreakerConfig(), lg)
	}
	lg.Info("Notifications enabled", zap.String("backend", cfg.Backend))

	async := notify.NewAsync(backend, notify.AsyncConfig{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		SendTimeout: cfg.WebhookTimeout,
	})
	return async, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			lg.Warn("Pending notifications dropped", zap.Error(err))
		}
		if err := closeBackend(); err != nil {
			lg.Warn("Close notification backend", zap.Error(err))
		}
	}
}
