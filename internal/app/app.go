package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dengbanghan/shop-backend/internal/domain/order"
	"github.com/dengbanghan/shop-backend/internal/domain/payment"
	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
	"github.com/dengbanghan/shop-backend/internal/gateway"
	"github.com/dengbanghan/shop-backend/internal/handler"
	"github.com/dengbanghan/shop-backend/internal/scheduler"
	"github.com/dengbanghan/shop-backend/internal/storage/postgres"
	"github.com/dengbanghan/shop-backend/pkg/health"
	"github.com/dengbanghan/shop-backend/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the payment consumer and the HTTP
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Payment task queue.
	policy := scheduler.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff}
	queue, err := scheduler.New(cfg.AMQPURL, policy)
	if err != nil {
		return errors.Wrap(err, "connect rabbitmq")
	}
	defer queue.Close()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	userRepo := postgres.NewUserRepository(pool)
	productRepo := postgres.NewProductRepository(pool)
	promotionRepo := postgres.NewPromotionRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentStore := postgres.NewPaymentStore(pool)

	// Domain services.
	provider := gateway.NewSimulated(cfg.Gateway.Key, cfg.Gateway.Debug)
	pricer := promotion.NewEngine(promotionRepo)
	orchestrator := payment.NewOrchestrator(paymentStore, provider, orderRepo, cfg.Gateway.NotifyURL, cfg.Gateway.Timeout)
	refunds := payment.NewRefundService(paymentStore, provider)
	orderService := order.NewService(userRepo, productRepo, pricer, orderRepo, queue, refunds)

	// HTTP surface: order lifecycle, provider callback, health probes.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("POST /payments/callback", handler.NewCallback(orchestrator))
	handler.NewOrders(orderService, orderRepo, orchestrator).Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(mux, "shop-backend",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := queue.Run(gctx, orchestrator); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "payment consumer")
		}
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

	// Graceful shutdown: stop taking traffic, drain, then stop the server.
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
		return nil
	})

	return g.Wait()
}
