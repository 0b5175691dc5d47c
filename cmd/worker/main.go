// Package main runs a generic worker process: it owns one or more
// named queues, registers a processor for each, and drains them until
// told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuesvc/taskqueue/internal/config"
	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/logger"
	"github.com/queuesvc/taskqueue/internal/manager"
	"github.com/queuesvc/taskqueue/internal/metrics"
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
	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		workerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	redisStore := store.NewRedisStoreFromClient(redisClient)

	mgr := manager.New("taskqueue", redisStore, redisClient, log)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	// TODO: replace these demo queues/processors with the real job
	// types this deployment handles.
	mgr.CreateQueue("emails", queue.Options{DefaultConcurrency: cfg.DefaultConcurrency})
	_ = mgr.RegisterProcessor("emails", func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var payload struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
		}
		if err := j.Unmarshal(&payload); err != nil {
			return nil, fmt.Errorf("decode email payload: %w", err)
		}
		workerLog.Info("sending email", "job_id", j.ID, "to", payload.To, "subject", payload.Subject)
		return json.Marshal(map[string]bool{"sent": true})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if started, err := mgr.StartWorker(ctx, "emails", cfg.DefaultConcurrency); err != nil {
		workerLog.Error("failed to start worker", "queue", "emails", "error", err)
		os.Exit(1)
	} else if !started {
		workerLog.Warn("worker already running", "queue", "emails")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				workerLog.Info("system metrics",
					"jobs_processed", m.TotalJobsProcessed,
					"jobs_completed", m.TotalJobsCompleted,
					"jobs_failed", m.TotalJobsFailed,
					"worker_utilization", fmt.Sprintf("%.1f%%", m.WorkerUtilization),
					"error_rate", fmt.Sprintf("%.2f%%", m.ErrorRate),
					"uptime", m.Uptime.String(),
				)
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer stopCancel()
	if err := mgr.StopAllWorkers(stopCtx); err != nil {
		workerLog.Warn("worker shutdown did not complete cleanly", "error", err)
	}

	workerLog.Info("worker shut down successfully")
}
