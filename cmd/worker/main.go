package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/immortal/internal/config"
	"github.com/adred-codev/immortal/internal/dispatch"
	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/pubsub"
	"github.com/adred-codev/immortal/internal/storage"
)

// The worker binary runs the protocol plane: it consumes the shared work
// list, validates and stores events, registers subscriptions, and fans
// responses out to per-connection lists. Scale by running more of them.
func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	boot := log.New(os.Stdout, "[worker] ", log.LstdFlags)
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "worker",
	})
	cfg.LogConfig(logger)

	store := kv.NewRedis(cfg.RedisAddr)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	cancelPing()

	router := pubsub.New(pubsub.Options{
		Store:    store,
		Logger:   logger,
		SubTTL:   cfg.SubTTL,
		IndexTTL: cfg.IndexTTL,
	})

	// In-process engine. Deployments with a real event store implement
	// storage.Engine around it and swap it in here.
	engine := storage.NewMemory()

	worker := dispatch.NewWorker(dispatch.WorkerOptions{
		Store:        store,
		Router:       router,
		Engine:       engine,
		Logger:       logger,
		WorkList:     cfg.WorkList,
		Batch:        cfg.BridgeBatch,
		BlockTimeout: cfg.BlockTimeout,
		ResponseTTL:  cfg.ResponseTTL,
		QueryLimit:   cfg.QueryLimit,
		Shards:       cfg.WorkerShards,
	})

	metricsSrv := monitoring.StartMetricsServer(cfg.MetricsAddr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}
	logger.Info().Msg("worker stopped")
}
