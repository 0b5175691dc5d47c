// Package manager is the process-wide registry tying a queue name to
// its Queue, its at-most-one Worker, and its registered processor. It
// owns no durable state itself; everything survives a restart in the
// Store.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuesvc/taskqueue/internal/httpclient"
	"github.com/queuesvc/taskqueue/internal/httptask"
	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/logger"
	"github.com/queuesvc/taskqueue/internal/queue"
	"github.com/queuesvc/taskqueue/internal/store"
	"github.com/queuesvc/taskqueue/internal/webhook"
	"github.com/queuesvc/taskqueue/internal/worker"
)

// SystemInfo summarizes the manager's current registrations.
type SystemInfo struct {
	QueueCount  int      `json:"queue_count"`
	QueueNames  []string `json:"queue_names"`
	WorkerCount int      `json:"worker_count"`
}

// Manager is constructed once per process and injected into whatever
// transport a caller wires in; it is never a package-level singleton.
type Manager struct {
	store       store.Store
	redisClient *redis.Client
	breakers    *httpclient.BreakerRegistry
	serviceName string
	log         logger.Logger // scoped to ComponentManager, for the manager's own events
	workerLog   logger.Logger // scoped to ComponentWorker, handed to each Worker it starts

	mu         sync.RWMutex
	queues     map[string]*queue.Queue
	workers    map[string]*worker.Worker
	processors map[string]worker.Processor
}

// New constructs a Manager over s. redisClient is used only to back
// the stalled-job reclaim lock a started Worker coordinates through;
// it may be nil to disable cross-instance coordination. log is used to
// report manager and worker-loop errors and panics; a nil log falls
// back to logger.Default().
func New(serviceName string, s store.Store, redisClient *redis.Client, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		store:       s,
		redisClient: redisClient,
		breakers:    httpclient.NewBreakerRegistry(nil),
		serviceName: serviceName,
		log:         log.WithComponent(logger.ComponentManager).WithSource(logger.LogSourceInternal),
		workerLog:   log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal),
		queues:      make(map[string]*queue.Queue),
		workers:     make(map[string]*worker.Worker),
		processors:  make(map[string]worker.Processor),
	}
}

// CreateQueue returns the existing Queue for name, or constructs one.
func (m *Manager) CreateQueue(name string, opts queue.Options) *queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}
	q := queue.New(name, m.store, opts)
	m.queues[name] = q
	return q
}

// RemoveQueue stops name's worker if one runs, cleans its Redis state,
// and forgets it.
func (m *Manager) RemoveQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	q, hasQueue := m.queues[name]
	w, hasWorker := m.workers[name]
	if hasQueue && hasWorker {
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !hasQueue {
		return fmt.Errorf("manager: queue %s not registered", name)
	}

	if hasWorker {
		if err := w.Stop(ctx); err != nil {
			return fmt.Errorf("manager: stop worker for %s: %w", name, err)
		}
	}
	if err := q.Clean(ctx); err != nil {
		return fmt.Errorf("manager: clean queue %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.queues, name)
	delete(m.workers, name)
	delete(m.processors, name)
	m.mu.Unlock()

	return nil
}

// AddJob constructs a job from data/opts/webhook and enqueues it onto
// name. The queue must already be registered.
func (m *Manager) AddJob(ctx context.Context, name string, data []byte, opts job.Options, webhookCfg *job.WebhookConfig) (*job.Job, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("manager: queue %s not registered", name)
	}

	if webhookCfg != nil {
		if problems := webhook.Validate(*webhookCfg); len(problems) > 0 {
			return nil, fmt.Errorf("manager: invalid webhook config: %s", strings.Join(problems, "; "))
		}
	}

	j := job.New(name, data, opts, webhookCfg)
	if err := q.Add(ctx, j); err != nil {
		return nil, fmt.Errorf("manager: add job to %s: %w", name, err)
	}
	return j, nil
}

// RegisterProcessor binds a processor function to name, for use by a
// later StartWorker call.
func (m *Manager) RegisterProcessor(name string, fn worker.Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; !ok {
		return fmt.Errorf("manager: queue %s not registered", name)
	}
	m.processors[name] = fn
	return nil
}

// StartWorker launches a generic Worker for name using its registered
// processor. It returns false without error if a worker already runs
// for that queue.
func (m *Manager) StartWorker(ctx context.Context, name string, concurrency int) (bool, error) {
	return m.startWorker(ctx, name, concurrency, nil)
}

// StartHTTPWorker launches a Worker for name wired to the built-in
// HTTP-task processor instead of a registered one.
func (m *Manager) StartHTTPWorker(ctx context.Context, name string, concurrency int) (bool, error) {
	proc := httptask.NewProcessor(m.serviceName, m.breakers)
	return m.startWorker(ctx, name, concurrency, proc.Process)
}

func (m *Manager) startWorker(ctx context.Context, name string, concurrency int, fixedProcessor worker.Processor) (bool, error) {
	m.mu.Lock()
	q, hasQueue := m.queues[name]
	if !hasQueue {
		m.mu.Unlock()
		return false, fmt.Errorf("manager: queue %s not registered", name)
	}
	if _, running := m.workers[name]; running {
		m.mu.Unlock()
		return false, nil
	}

	process := fixedProcessor
	if process == nil {
		fn, ok := m.processors[name]
		if !ok {
			m.mu.Unlock()
			return false, fmt.Errorf("manager: no processor registered for %s", name)
		}
		process = fn
	}

	w := worker.New(q, process, worker.Config{
		Concurrency: concurrency,
		RedisClient: m.redisClient,
		ServiceName: m.serviceName,
		Logger:      m.workerLog.WithFields(map[string]interface{}{"queue": name}),
	})
	m.workers[name] = w
	m.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.workers, name)
		m.mu.Unlock()
		return false, fmt.Errorf("manager: start worker for %s: %w", name, err)
	}

	go m.watchCrash(name, w)

	return true, nil
}

// watchCrash forgets a worker once it returns to idle on its own
// (rather than via an explicit StopWorker), so a crashed loop can be
// restarted by a later StartWorker call. A cleanly-stopped worker is
// indistinguishable from this at the state-machine level; callers that
// stopped it explicitly have already removed it from the map, so this
// is a harmless no-op delete in that case.
func (m *Manager) watchCrash(name string, w *worker.Worker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if w.State() != worker.StateIdle {
			continue
		}
		m.mu.Lock()
		forgotten := false
		if current, ok := m.workers[name]; ok && current == w {
			delete(m.workers, name)
			forgotten = true
		}
		m.mu.Unlock()
		if forgotten {
			m.log.Warn("worker returned to idle outside an explicit stop, forgetting it", "queue", name)
		}
		return
	}
}

// StopWorker stops name's worker, if one runs.
func (m *Manager) StopWorker(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	if ok {
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Stop(ctx)
}

// StopAllWorkers stops every registered worker.
func (m *Manager) StopAllWorkers(ctx context.Context) error {
	m.mu.Lock()
	workers := make(map[string]*worker.Worker, len(m.workers))
	for name, w := range m.workers {
		workers[name] = w
	}
	m.workers = make(map[string]*worker.Worker)
	m.mu.Unlock()

	var firstErr error
	for name, w := range workers {
		if err := w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("manager: stop worker for %s: %w", name, err)
		}
	}
	return firstErr
}

// CleanAllQueues clears every registered queue's Redis state.
func (m *Manager) CleanAllQueues(ctx context.Context) error {
	m.mu.RLock()
	queues := make(map[string]*queue.Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.RUnlock()

	var firstErr error
	for name, q := range queues {
		if err := q.Clean(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("manager: clean queue %s: %w", name, err)
		}
	}
	return firstErr
}

// GetStats returns name's queue stats.
func (m *Manager) GetStats(ctx context.Context, name string) (queue.Stats, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return queue.Stats{}, fmt.Errorf("manager: queue %s not registered", name)
	}
	return q.Stats(ctx)
}

// GetAllStats returns stats for every registered queue.
func (m *Manager) GetAllStats(ctx context.Context) (map[string]queue.Stats, error) {
	m.mu.RLock()
	queues := make(map[string]*queue.Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.RUnlock()

	all := make(map[string]queue.Stats, len(queues))
	for name, q := range queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("manager: stats for %s: %w", name, err)
		}
		all[name] = stats
	}
	return all, nil
}

// GetSystemInfo reports the manager's current registrations.
func (m *Manager) GetSystemInfo() SystemInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return SystemInfo{
		QueueCount:  len(m.queues),
		QueueNames:  names,
		WorkerCount: len(m.workers),
	}
}
