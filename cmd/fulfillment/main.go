package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/app"
	"github.com/ariefcatur/go-crop-aggregator/internal/config"
	"github.com/ariefcatur/go-crop-aggregator/internal/events"
	"github.com/ariefcatur/go-crop-aggregator/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-crop-aggregator/internal/kafka"
	"github.com/ariefcatur/go-crop-aggregator/internal/logx"
	"github.com/ariefcatur/go-crop-aggregator/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateShared(); err != nil {
		log.Fatalf("config: %v", err)
	}
	name := cfg.ServiceName + "-fulfillment"
	logger, err := logx.New(logx.Options{Service: name, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(context.Background())

	svc := &fulfillment.Service{
		Orders: app.NewService(store, cfg, logger),
		Redis:  rdb,
		Events: &events.Emitter{P: prod, Producer: name, Log: logger},
		Log:    logger,
		Name:   "fulfillment",
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FulfillmentGroup, aggregator.TopicOrderFulfilled, cfg.FulfillmentWorkers, logger)
	logger.Info("fulfillment consumer started",
		zap.String("group", cfg.FulfillmentGroup),
		zap.String("topic", aggregator.TopicOrderFulfilled),
		zap.Int("workers", cfg.FulfillmentWorkers),
	)
	if err := cons.Start(ctx, svc.HandleOrderFulfilled); err != nil {
		logger.Error("consumer exit", zap.Error(err))
	}

	logger.Info("shutting down consumer")
	prod.Close()
	prod.WaitClosed()
}
