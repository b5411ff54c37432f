package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/app"
	"github.com/ariefcatur/go-crop-aggregator/internal/config"
	"github.com/ariefcatur/go-crop-aggregator/internal/events"
	"github.com/ariefcatur/go-crop-aggregator/internal/httpx"
	kafkax "github.com/ariefcatur/go-crop-aggregator/internal/kafka"
	"github.com/ariefcatur/go-crop-aggregator/internal/logx"
	"github.com/ariefcatur/go-crop-aggregator/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logx.New(logx.Options{Service: cfg.ServiceName, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer; its loop outlives ctx so shutdown can flush it
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(context.Background())

	svc := app.NewService(store, cfg, logger)
	router := httpx.NewRouter(logger)
	h := &httpx.Handler{
		Svc:    svc,
		Redis:  rdb,
		Events: &events.Emitter{P: prod, Producer: cfg.ServiceName, Log: logger},
		Log:    logger,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server exit", zap.Error(err))
	}

	prod.Close()      // stop accepting, flush queued events
	prod.WaitClosed() // writer closed
}
