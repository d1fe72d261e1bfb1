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
)

// The frontend binary runs the connection plane: the WebSocket acceptor,
// the ingress queue, and the bridge that feeds the shared work list.
// Workers run in their own binary and meet this process in Redis.
func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger until configuration tells us how to build the real one.
	boot := log.New(os.Stdout, "[frontend] ", log.LstdFlags)

	// automaxprocs matches GOMAXPROCS to the container CPU limit.
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
		Service: "frontend",
	})
	cfg.LogConfig(logger)

	store := kv.NewRedis(cfg.RedisAddr)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	cancelPing()

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

	srv := frontend.NewServer(frontend.Options{
		Config: cfg,
		Logger: logger,
		Queue:  q,
		Store:  store,
		Router: router,
	})

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridge.Run(bridgeCtx)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start frontend")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	// The bridge outlives the server so admitted frames still reach the
	// work list. Give it a moment to flush, then stop it.
	flushDeadline := time.Now().Add(10 * time.Second)
	for q.Length() > 0 && time.Now().Before(flushDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := q.Length(); n > 0 {
		logger.Warn().Int("remaining", n).Msg("queue not fully flushed")
	}
	stopBridge()
	<-bridgeDone

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}
	logger.Info().Msg("frontend stopped")
}
