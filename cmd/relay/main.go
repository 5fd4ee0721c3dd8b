package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/api"
	"relay/internal/breaker"
	"relay/internal/config"
	"relay/internal/deliverylog"
	"relay/internal/dlq"
	"relay/internal/forward"
	"relay/internal/heartbeat"
	"relay/internal/mapping"
	"relay/internal/metrics"
	"relay/internal/stream"
	"relay/internal/worker"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("consumer", cfg.ConsumerName)
	logger := func(msg string, kv ...any) { sl.Info(msg, kv...) }

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		log.Fatalf("redis opts: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	var deliveries deliverylog.Recorder = deliverylog.Nop{}
	if cfg.DatabaseURL != "" {
		pg, err := deliverylog.Open(ctx, cfg.DatabaseURL, cfg.ConsumerName)
		if err != nil {
			log.Fatalf("delivery log: %v", err)
		}
		defer pg.Close()
		deliveries = pg
	}

	cons := stream.NewConsumer(rdb, cfg.StreamName, cfg.ConsumerGroup, cfg.ConsumerName, logger)
	cons.BatchSize = int64(cfg.BatchSize)
	cons.Block = cfg.BlockTimeout()
	cons.MinIdle = cfg.ReclaimIdle
	if err := cons.EnsureGroup(ctx); err != nil {
		log.Fatalf("consumer group: %v", err)
	}

	httpClient := forward.NewClient(cfg.HTTPTimeout)
	fwd := forward.New(httpClient, breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown), logger)
	router := dlq.NewRouter(rdb, cfg.DeadLetterQueue, cfg.StreamName, logger)
	router.MaxLen = cfg.StreamMaxLen
	counters := metrics.New(rdb)

	wk := worker.New(cons, mapping.NewResolver(rdb), fwd, router, counters, cfg.ConsumerName, logger)
	wk.Workers = cfg.WorkerCount
	wk.QueueSize = cfg.BatchSize
	wk.ReclaimInterval = cfg.ReclaimInterval
	wk.ShutdownTimeout = cfg.ShutdownTimeout
	wk.Deliveries = deliveries
	if cfg.ReclaimIdle > 0 {
		wk.KeepAlive = cfg.ReclaimIdle / 3
	}

	mux := http.NewServeMux()
	srv := api.NewServer(counters, router, logger, cfg.AdminToken)
	srv.ConsumerName = cfg.ConsumerName
	srv.Stream = cfg.StreamName
	srv.Group = cfg.ConsumerGroup
	srv.Routes(mux)
	addr := fmt.Sprintf(":%d", cfg.ClientPort)
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger("api_listen", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	pinger, err := heartbeat.New(cfg.RealtimeURL, cfg.ConsumerName, logger)
	switch {
	case err != nil:
		logger("heartbeat_disabled", "reason", err.Error())
	case pinger == nil:
		logger("heartbeat_disabled", "reason", "REALTIME_URL not set")
	}
	go pinger.Run(ctx)

	logger("relay_start", "stream", cfg.StreamName, "group", cfg.ConsumerGroup, "workers", cfg.WorkerCount)
	runErr := wk.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		sl.Error("worker", "error", runErr)
		os.Exit(1)
	}
	logger("relay_stopped")
}
