// Package worker runs the idle/running/stopping consumer loops that
// pull jobs off a queue, hand them to a processor, and record the
// outcome. It owns no storage of its own: everything durable lives in
// the queue it was built for.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	internalerrors "github.com/queuesvc/taskqueue/internal/errors"
	"github.com/queuesvc/taskqueue/internal/httpclient"
	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/lock"
	"github.com/queuesvc/taskqueue/internal/logger"
	"github.com/queuesvc/taskqueue/internal/metrics"
	"github.com/queuesvc/taskqueue/internal/queue"
	"github.com/queuesvc/taskqueue/internal/webhook"
)

// defaultConcurrency is used when neither the caller nor the queue
// supplies one.
const defaultConcurrency = 5

const (
	sweepInterval      = 5 * time.Second
	reclaimEveryTicks  = 5
	stalledLeaseWindow = 60 * time.Second
	stopGracePeriod    = 30 * time.Second
	stopPollInterval   = 1 * time.Second
)

// State is the worker's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Processor executes one job and returns the data to store as its
// result, or an error describing why it failed.
type Processor func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Config controls how a Worker is constructed.
type Config struct {
	// Concurrency is the number of parallel consumer loops. Zero falls
	// back to the queue's DefaultConcurrency, then to a system default.
	Concurrency int
	// RedisClient, when set, lets the worker coordinate stalled-job
	// reclaim across multiple instances sharing this queue via a
	// distributed lock. Nil disables cross-instance coordination; a
	// single worker still reclaims on its own.
	RedisClient *redis.Client
	// ServiceName names the service in the webhook dispatcher's
	// User-Agent header.
	ServiceName string
	// Logger receives Store errors, delayed-sweep errors, and recovered
	// panics. Nil falls back to logger.Default().
	Logger logger.Logger
}

// Worker pulls jobs from one queue and runs them through a processor,
// dispatching webhooks and recording metrics on terminal outcomes.
type Worker struct {
	q           *queue.Queue
	process     Processor
	concurrency int
	redisClient *redis.Client
	webhooks    *webhook.Dispatcher
	log         logger.Logger

	mu     sync.Mutex
	state  State
	stop   chan struct{}
	done   chan struct{}
	active atomic.Int64
}

// New constructs a Worker bound to q. It performs no I/O until Start.
func New(q *queue.Queue, process Processor, cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = q.DefaultConcurrency()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "taskqueue"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Worker{
		q:           q,
		process:     process,
		concurrency: concurrency,
		redisClient: cfg.RedisClient,
		webhooks:    webhook.NewDispatcher(serviceName, httpclient.NewBreakerRegistry(nil)),
		log:         log,
		state:       StateIdle,
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start transitions idle -> running, launching concurrency consumer
// loops plus a delayed-job sweeper. It returns an error if the worker
// is not idle.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: cannot start from state %s", w.q.Name(), w.state)
	}
	w.state = StateRunning
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(w.concurrency + 1)

	for i := 0; i < w.concurrency; i++ {
		consumerID := fmt.Sprintf("%s-%d", w.q.Name(), i)
		go func() {
			defer wg.Done()
			w.consume(ctx, consumerID)
		}()
	}
	go func() {
		defer wg.Done()
		w.sweep(ctx)
	}()

	go func() {
		wg.Wait()
		close(w.done)
		w.mu.Lock()
		w.state = StateIdle
		w.mu.Unlock()
	}()

	return nil
}

// Stop transitions running -> stopping and waits up to a 30-second
// grace period for in-flight work to drain, polling every second.
// In-flight processor calls are never cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)

	deadline := time.NewTimer(stopGracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-deadline.C:
			return fmt.Errorf("worker %s: grace period elapsed with work still in flight", w.q.Name())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Keep polling; done or deadline will fire eventually.
		}
	}
}

func (w *Worker) isStopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// storeErrorBackoff is how long a consumer sleeps after a transient
// Store error before retrying, so a Redis blip doesn't spin the loop.
const storeErrorBackoff = 5 * time.Second

func (w *Worker) consume(ctx context.Context, consumerID string) {
	for !w.isStopping() {
		j, err := w.q.Next(ctx)
		if err != nil {
			w.log.Error("store error fetching next job, backing off", "queue", w.q.Name(), "worker_id", consumerID, "error", err.Error())
			select {
			case <-time.After(storeErrorBackoff):
			case <-w.stop:
				return
			}
			continue
		}
		if j == nil {
			continue
		}
		w.runOne(ctx, consumerID, j)
	}
}

func (w *Worker) runOne(ctx context.Context, consumerID string, j *job.Job) {
	metrics.Default().RecordJobStarted(j.QueueName)
	active := w.active.Add(1)
	metrics.Default().RecordWorkerActivity(active, int64(w.concurrency))
	start := time.Now()

	result, procErr := w.invoke(ctx, consumerID, j)
	duration := time.Since(start)

	active = w.active.Add(-1)
	metrics.Default().RecordWorkerActivity(active, int64(w.concurrency))

	if procErr == nil {
		if err := w.q.Complete(ctx, j.ID, result); err != nil {
			w.log.Error("failed to record job completion", "queue", w.q.Name(), "worker_id", consumerID, "job_id", j.ID, "error", err.Error())
			metrics.Default().RecordJobFailed(j.QueueName, duration)
			return
		}
		metrics.Default().RecordJobCompleted(j.QueueName, duration)
		if j.Webhook != nil {
			completed, getErr := w.q.Get(ctx, j.ID)
			if getErr == nil {
				w.logWebhookResult(j, w.webhooks.Dispatch(ctx, *j.Webhook, webhook.EventCompleted, completed))
			}
		}
		return
	}

	metrics.Default().RecordJobFailed(j.QueueName, duration)
	w.log.Warn("job failed", "queue", w.q.Name(), "worker_id", consumerID, "job_id", j.ID, "error", procErr.Error())
	if err := w.q.Fail(ctx, j.ID, procErr.Error()); err != nil {
		w.log.Error("failed to record job failure", "queue", w.q.Name(), "worker_id", consumerID, "job_id", j.ID, "error", err.Error())
		return
	}
	if j.Webhook == nil {
		return
	}
	failed, getErr := w.q.Get(ctx, j.ID)
	if getErr != nil {
		return
	}
	if !failed.CanRetry() {
		w.logWebhookResult(j, w.webhooks.Dispatch(ctx, *j.Webhook, webhook.EventFailed, failed))
	}
}

// logWebhookResult reports a webhook delivery outcome. Dispatch never
// alters job state, so this is the only place a failed delivery
// becomes visible.
func (w *Worker) logWebhookResult(j *job.Job, result webhook.Result) {
	if result.Success {
		w.log.Info("webhook delivered", "queue", w.q.Name(), "job_id", j.ID, "attempt", result.Attempt)
		return
	}
	w.log.Warn("webhook delivery failed", "queue", w.q.Name(), "job_id", j.ID, "attempt", result.Attempt, "error", result.Error)
}

// invoke runs the processor with panic recovery, converting a panic
// into an ordinary failure so one bad job can't take down a consumer
// loop.
func (w *Worker) invoke(ctx context.Context, consumerID string, j *job.Job) (result json.RawMessage, err error) {
	defer func() {
		if recovered := internalerrors.RecoverPanic(); recovered != nil {
			err = recovered
			if panicErr, ok := recovered.(*internalerrors.PanicError); ok {
				w.log.Error(internalerrors.FormatPanicForLog(panicErr), "queue", w.q.Name(), "worker_id", consumerID, "job_id", j.ID)
			}
		}
	}()
	return w.process(ctx, j)
}

// sweep runs PromoteDelayed every tick and ReclaimStalled roughly
// every fifth tick, guarded by a distributed lock when a Redis client
// was configured so only one instance reclaims at a time.
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if _, err := w.q.PromoteDelayed(ctx); err != nil {
				w.log.Error("delayed-job sweep failed", "queue", w.q.Name(), "error", err.Error())
				continue
			}
			if tick%reclaimEveryTicks == 0 {
				w.reclaim(ctx)
			}
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	if w.redisClient == nil {
		if n, err := w.q.ReclaimStalled(ctx, stalledLeaseWindow); err != nil {
			w.log.Error("stalled-job reclaim failed", "queue", w.q.Name(), "error", err.Error())
		} else if n > 0 {
			w.log.Info("reclaimed stalled jobs", "queue", w.q.Name(), "count", n)
		}
		return
	}

	key := fmt.Sprintf("lock:reclaim:%s", w.q.Name())
	l, err := lock.AcquireLock(ctx, w.redisClient, key, sweepInterval)
	if err != nil {
		w.log.Error("failed to acquire reclaim lock", "queue", w.q.Name(), "error", err.Error())
		return
	}
	if l == nil {
		return
	}
	defer l.Release(ctx)

	if n, err := w.q.ReclaimStalled(ctx, stalledLeaseWindow); err != nil {
		w.log.Error("stalled-job reclaim failed", "queue", w.q.Name(), "error", err.Error())
	} else if n > 0 {
		w.log.Info("reclaimed stalled jobs", "queue", w.q.Name(), "count", n)
	}
}
