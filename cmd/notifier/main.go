package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/notify"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/ariefcatur/go-storefront-checkout/internal/telemetry"
	"github.com/joho/godotenv"
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
		tp, err := telemetry.InitTracer(ctx, cfg.ServiceName+"-notifier", cfg.Env, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Fatal("tracer init", zap.Error(err))
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = tp.Shutdown(sctx)
		}()
	}

	rdb := redisx.New(cfg.Redis.Addr)
	defer rdb.Close()

	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.Notify.SMTP.Host,
		Port:     cfg.Notify.SMTP.Port,
		User:     cfg.Notify.SMTP.User,
		Password: cfg.Notify.SMTP.Password,
		From:     cfg.Notify.SMTP.From,
	}, logger)
	if !sender.Enabled() {
		logger.Warn("SMTP_HOST not set, e-mails will only be logged")
	}

	h := &notify.Handler{
		RDB:      rdb,
		Renderer: notify.NewRenderer(cfg.Notify.StoreName),
		Sender:   sender,
		Logger:   logger,
		Consumer: cfg.Kafka.NotifierGroup,
	}
	cons := kafkax.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.NotifierGroup, cfg.Kafka.OrderTopic, cfg.Kafka.NotifierWorkers, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("notifier consumer started",
			zap.String("group", cfg.Kafka.NotifierGroup),
			zap.String("topic", cfg.Kafka.OrderTopic),
			zap.Int("workers", cfg.Kafka.NotifierWorkers))
		if err := cons.Start(ctx, h.Handle); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer")
	cancel()
	<-done
}
