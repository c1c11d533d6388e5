package app

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huertohogar/store/internal/domain/auth"
	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
	"github.com/huertohogar/store/internal/gateway/stripe"
	"github.com/huertohogar/store/internal/gateway/webpay"
	"github.com/huertohogar/store/internal/handler"
	"github.com/huertohogar/store/internal/storage/postgres"
	"github.com/huertohogar/store/pkg/health"
	"github.com/huertohogar/store/pkg/httpmiddleware"
)

// recentNumbers is how many stored order numbers seed the bloom filter.
const recentNumbers = 50_000

// Run creates all dependencies, starts the HTTP server and the payment
// reconciler, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("gateway", cfg.Gateway.Provider),
	)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			return errors.Wrap(err, "init sentry")
		}
		defer sentry.Flush(2 * time.Second)
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

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	conflictRepo := postgres.NewConflictRepository(pool)
	txRepo := postgres.NewTransactionRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	numbers := order.NewNumberGenerator(orderRepo, 0)
	recent, err := orderRepo.RecentNumbers(ctx, recentNumbers)
	if err != nil {
		return errors.Wrap(err, "load recent order numbers")
	}
	numbers.Warm(recent)

	pricing, err := cfg.Pricing.Parse()
	if err != nil {
		return err
	}

	// Domain services.
	cartService := cart.NewService(cartRepo, productRepo)
	orderService := order.NewService(
		orderRepo,
		conflictRepo,
		cartRepo,
		productRepo,
		coupon.NewRepoValidator(couponRepo),
		numbers,
		order.Pricing{
			ShippingCost:     pricing.ShippingCost,
			FreeShippingOver: pricing.FreeShippingOver,
		},
	)
	gateway := newGateway(cfg.Gateway, cfg.Reconciler.TokenTTL, m)
	orchestrator, err := payment.NewOrchestrator(txRepo, orderService, gateway,
		payment.WithTracerProvider(m.TracerProvider()),
		payment.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create payment orchestrator")
	}
	reconciler := payment.NewReconciler(orchestrator, payment.ReconcilerConfig{
		Interval:    cfg.Reconciler.Interval,
		TokenTTL:    cfg.Reconciler.TokenTTL,
		MaxTokenAge: cfg.Reconciler.MaxTokenAge,
		SettleDelay: cfg.Reconciler.SettleDelay,
		BatchSize:   cfg.Reconciler.BatchSize,
	})

	healthSvc.AddLivenessCheck("reconciler", time.Second,
		health.HeartbeatCheck(reconciler.LastRun, 5*cfg.Reconciler.Interval))
	healthSvc.Start(ctx, 10*time.Second)

	// HTTP handlers.
	h := handler.NewHandler(
		handler.HandlerConfig{ImageBaseURL: cfg.ImageBaseURL},
		productRepo,
		cartService,
		orderService,
		orchestrator,
	)
	securityHandler := handler.NewSecurityHandler(
		auth.NewTokens([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.TTL),
		auth.NewKeyAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux, securityHandler)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Commit may wait on the gateway for Gateway.Timeout.
		WriteTimeout:   cfg.Gateway.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				PerMinute: cfg.RateLimit.PerMinute,
				Burst:     cfg.RateLimit.Burst,
				KeyFunc:   httpmiddleware.CredentialOrIP,
			}),
			httpmiddleware.Instrument("huertohogar-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func newGateway(cfg GatewayConfig, tokenTTL time.Duration, m *app.Telemetry) payment.Gateway {
	opts := []otelhttp.Option{
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	}
	if cfg.Provider == ProviderStripe {
		return stripe.New(stripe.Config{
			SecretKey:   cfg.Stripe.SecretKey,
			BaseURL:     cfg.Stripe.BaseURL,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.Stripe.MaxRetries,
			ProductName: "Pedido HuertoHogar",
			SessionTTL:  tokenTTL,
		}, opts...)
	}
	return webpay.New(webpay.Config{
		BaseURL:       cfg.Webpay.BaseURL,
		CommerceCode:  cfg.Webpay.CommerceCode,
		APIKey:        cfg.Webpay.APIKey,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.Webpay.RatePerSecond,
		Burst:         cfg.Webpay.Burst,
	}, opts...)
}
