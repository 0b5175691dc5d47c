// Package main runs an HTTP-task worker process: it drains a named
// queue whose jobs describe outbound HTTP calls, instead of invoking
// a registered Go processor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuesvc/taskqueue/internal/config"
	"github.com/queuesvc/taskqueue/internal/logger"
	"github.com/queuesvc/taskqueue/internal/manager"
	"github.com/queuesvc/taskqueue/internal/queue"
	"github.com/queuesvc/taskqueue/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)
	httpLog := log.WithComponent(logger.ComponentHTTPTask).WithSource(logger.LogSourceInternal)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		httpLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	redisStore := store.NewRedisStoreFromClient(redisClient)

	mgr := manager.New("taskqueue", redisStore, redisClient, log)

	queueName := os.Getenv("HTTP_TASK_QUEUE")
	if queueName == "" {
		queueName = "http-tasks"
	}
	mgr.CreateQueue(queueName, queue.Options{DefaultConcurrency: cfg.DefaultConcurrency})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := mgr.StartHTTPWorker(ctx, queueName, cfg.DefaultConcurrency)
	if err != nil {
		httpLog.Error("failed to start http-task worker", "queue", queueName, "error", err)
		os.Exit(1)
	}
	if !started {
		httpLog.Warn("http-task worker already running", "queue", queueName)
	}
	httpLog.Info("http-task worker started", "queue", queueName, "concurrency", cfg.DefaultConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	httpLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer stopCancel()
	if err := mgr.StopAllWorkers(stopCtx); err != nil {
		httpLog.Warn("http-task worker shutdown did not complete cleanly", "error", err)
	}

	httpLog.Info("http-task worker shut down successfully")
}
