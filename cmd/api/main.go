package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/auth"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/notify"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payment"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/ariefcatur/go-storefront-checkout/internal/telemetry"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	logger, err := logx.New(logx.Config{Level: cfg.Log.Level, Env: cfg.Env})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Env, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Fatal("tracer init", zap.Error(err))
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = tp.Shutdown(sctx)
		}()
	}

	// DB
	if cfg.Postgres.MigrateOnStart {
		if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}
	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.Redis.Addr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, 1024, logger)
	prod.Start(ctx)

	var notifier checkout.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		notifier = notify.NewKafkaDispatcher(prod, cfg.ServiceName, logger)
	}

	pricing, err := checkout.NewPricing(cfg.Checkout.FreeShippingThreshold, cfg.Checkout.ShippingFee, cfg.Checkout.TaxRate)
	if err != nil {
		logger.Fatal("pricing", zap.Error(err))
	}

	stock := &inventory.PGStore{DB: db}
	svc := checkout.NewService(checkout.Deps{
		Catalog:   catalog.NewCached(&catalog.PG{DB: db}, rdb, redisx.TTLCatalog, logger),
		Inventory: stock,
		Ledger:    &orders.Repo{DB: db},
		Payments: payment.New(payment.Config{
			BaseURL:   cfg.Payment.BaseURL,
			SecretKey: cfg.Payment.SecretKey,
			Timeout:   cfg.Payment.Timeout,
		}, logger),
		Notifier:            notifier,
		Pricing:             pricing,
		Logger:              logger,
		CompensationRetries: cfg.Checkout.CompensationRetries,
	})
	if cfg.Payment.SecretKey == "" {
		logger.Warn("PAYSTACK_SECRET_KEY not set, prepaid orders will stay pending")
	}

	sweeper := &inventory.Sweeper{
		Reaper:   stock,
		TTL:      cfg.Checkout.ReservationTTL,
		Interval: cfg.Checkout.SweepInterval,
		Logger:   logger,
	}
	go sweeper.Run(ctx)

	router := httpx.NewRouter(logger, cfg.HTTP.RequestTimeout)
	oh := &httpx.OrdersHandler{
		Service:  svc,
		Verifier: auth.NewVerifier(cfg.Auth.JWTSecret),
		Idem:     &redisx.Idempotency{RDB: rdb},
		Cache:    &redisx.OrderCache{RDB: rdb},
		Logger:   logger,
	}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           otelhttp.NewHandler(router, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	prod.Close()      // flush buffered events, then close the writer
	prod.WaitClosed()
	cancel() // stops the sweeper
}
