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
	"github.com/adred-codev/immortal/internal/frontend"
	"github.com/adred-codev/immortal/internal/kv"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/pubsub"
	"github.com/adred-codev/immortal/internal/queue"
	"github.com/adred-codev/immortal/internal/storage"
)

// The relay binary packs all three planes into one process over an
// in-memory store: no Redis, no second binary, protocol behavior
// identical to the split deployment. Development and demos only.
func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	boot := log.New(os.Stdout, "[relay] ", log.LstdFlags)
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
		Service: "relay",
	})
	cfg.LogConfig(logger)

	store := kv.NewMemory()

	q := queue.New(queue.Options{
		Capacity:      cfg.QueueCapacity,
		RateWindow:    cfg.QueueRateWindow,
		RateLimit:     cfg.QueueRateLimit,
		OpenThreshold: cfg.QueueOpenThreshold,
		Cooldown:      cfg.QueueCooldown,
	})

	router := pubsub.New(pubsub.Options{
		Store:    store,
		Logger:   logger,
		SubTTL:   cfg.SubTTL,
		IndexTTL: cfg.IndexTTL,
	})

	bridge := dispatch.NewBridge(dispatch.BridgeOptions{
		Queue:    q,
		Store:    store,
		WorkList: cfg.WorkList,
		Batch:    cfg.BridgeBatch,
		Idle:     cfg.BridgeIdle,
		Backoff:  cfg.BridgeBackoff,
		Logger:   logger,
	})

	worker := dispatch.NewWorker(dispatch.WorkerOptions{
		Store:        store,
		Router:       router,
		Engine:       storage.NewMemory(),
		Logger:       logger,
		WorkList:     cfg.WorkList,
		Batch:        cfg.BridgeBatch,
		BlockTimeout: cfg.BlockTimeout,
		ResponseTTL:  cfg.ResponseTTL,
		QueryLimit:   cfg.QueryLimit,
		Shards:       cfg.WorkerShards,
	})

	srv := frontend.NewServer(frontend.Options{
		Config: cfg,
		Logger: logger,
		Queue:  q,
		Store:  store,
		Router: router,
	})

	planeCtx, stopPlanes := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	workerDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.Run(planeCtx)
	}()
	go func() {
		defer close(workerDone)
		worker.Run(planeCtx)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	// Let the bridge and worker finish what the queue already admitted.
	flushDeadline := time.Now().Add(10 * time.Second)
	for q.Length() > 0 && time.Now().Before(flushDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	stopPlanes()
	<-bridgeDone
	<-workerDone

	logger.Info().Msg("relay stopped")
}
