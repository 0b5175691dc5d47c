// Package metrics tracks in-process counters for queue throughput,
// worker utilization, and outbound HTTP dispatch (task + webhook)
// outcomes. It is a plain in-memory collector; an external metrics
// exporter is out of scope for the core engine.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/queuesvc/taskqueue/internal/job"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide metrics in memory, keyed per queue
// name rather than by job priority — priority is reserved metadata in
// this service and never drives scheduling or capacity.
type Collector struct {
	// Counters (atomic for thread-safety)
	totalJobsProcessed atomic.Int64
	totalJobsCompleted atomic.Int64
	totalJobsFailed    atomic.Int64

	// Job tracking by status and per-queue depth (protected by mutex)
	mu             sync.RWMutex
	jobsByStatus   map[job.Status]int64
	queueDepths    map[string]int64
	totalDuration  time.Duration
	startTime      time.Time
	activeWorkers  int64
	totalWorkers   int64
	errorCount     int64
	operationCount int64

	dispatch map[string]*dispatchCounters
}

// dispatchCounters tracks outbound HTTP outcomes for one dispatch
// kind ("httptask" or "webhook").
type dispatchCounters struct {
	success atomic.Int64
	failure atomic.Int64
	retries atomic.Int64
	latency time.Duration
	count   int64
}

// Metrics represents a snapshot of current system metrics
type Metrics struct {
	TotalJobsProcessed int64                       `json:"total_jobs_processed"`
	TotalJobsCompleted int64                       `json:"total_jobs_completed"`
	TotalJobsFailed    int64                       `json:"total_jobs_failed"`
	JobsByStatus       map[job.Status]int64        `json:"jobs_by_status"`
	QueueDepths        map[string]int64            `json:"queue_depths"`
	AvgJobDuration     time.Duration               `json:"avg_job_duration"`
	WorkerUtilization  float64                     `json:"worker_utilization"`
	ErrorRate          float64                     `json:"error_rate"`
	Uptime             time.Duration               `json:"uptime"`
	Dispatch           map[string]DispatchSnapshot `json:"dispatch"`
}

// DispatchSnapshot reports outbound HTTP outcomes for one dispatch kind.
type DispatchSnapshot struct {
	Success    int64         `json:"success"`
	Failure    int64         `json:"failure"`
	Retries    int64         `json:"retries"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		jobsByStatus: make(map[job.Status]int64),
		queueDepths:  make(map[string]int64),
		startTime:    time.Now(),
		dispatch:     make(map[string]*dispatchCounters),
	}
}

// RecordJobStarted increments the jobs processed counter for queueName.
func (c *Collector) RecordJobStarted(queueName string) {
	c.totalJobsProcessed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus[job.StatusActive]++
}

// RecordJobCompleted records a successfully completed job.
func (c *Collector) RecordJobCompleted(queueName string, duration time.Duration) {
	c.totalJobsCompleted.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus[job.StatusActive]--
	c.jobsByStatus[job.StatusCompleted]++
	c.totalDuration += duration
	c.operationCount++
}

// RecordJobFailed records a failed job attempt.
func (c *Collector) RecordJobFailed(queueName string, duration time.Duration) {
	c.totalJobsFailed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus[job.StatusActive]--
	c.jobsByStatus[job.StatusFailed]++
	c.totalDuration += duration
	c.operationCount++
	c.errorCount++
}

// RecordQueueDepth updates the current waiting depth for queueName.
func (c *Collector) RecordQueueDepth(queueName string, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths[queueName] = depth
}

// RecordWorkerActivity updates worker utilization metrics.
func (c *Collector) RecordWorkerActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = active
	c.totalWorkers = total
}

func (c *Collector) dispatchCounter(kind string) *dispatchCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dispatch[kind]
	if !ok {
		d = &dispatchCounters{}
		c.dispatch[kind] = d
	}
	return d
}

// RecordDispatch records one outbound HTTP attempt for the given kind
// ("httptask" or "webhook"): its outcome and latency.
func (c *Collector) RecordDispatch(kind string, success bool, latency time.Duration) {
	d := c.dispatchCounter(kind)
	if success {
		d.success.Add(1)
	} else {
		d.failure.Add(1)
	}
	c.mu.Lock()
	d.latency += latency
	d.count++
	c.mu.Unlock()
}

// RecordDispatchRetry records that a dispatch required another attempt.
func (c *Collector) RecordDispatchRetry(kind string) {
	c.dispatchCounter(kind).retries.Add(1)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Create copies of maps
	jobsByStatus := make(map[job.Status]int64, len(c.jobsByStatus))
	for k, v := range c.jobsByStatus {
		jobsByStatus[k] = v
	}

	queueDepths := make(map[string]int64, len(c.queueDepths))
	for k, v := range c.queueDepths {
		queueDepths[k] = v
	}

	// Calculate average duration
	var avgDuration time.Duration
	if c.operationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.operationCount)
	}

	// Calculate worker utilization
	var utilization float64
	if c.totalWorkers > 0 {
		utilization = float64(c.activeWorkers) / float64(c.totalWorkers) * 100
	}

	// Calculate error rate
	var errorRate float64
	totalOps := c.operationCount
	if totalOps > 0 {
		errorRate = float64(c.errorCount) / float64(totalOps) * 100
	}

	dispatch := make(map[string]DispatchSnapshot, len(c.dispatch))
	for kind, d := range c.dispatch {
		var avgLatency time.Duration
		if d.count > 0 {
			avgLatency = d.latency / time.Duration(d.count)
		}
		dispatch[kind] = DispatchSnapshot{
			Success:    d.success.Load(),
			Failure:    d.failure.Load(),
			Retries:    d.retries.Load(),
			AvgLatency: avgLatency,
		}
	}

	return Metrics{
		TotalJobsProcessed: c.totalJobsProcessed.Load(),
		TotalJobsCompleted: c.totalJobsCompleted.Load(),
		TotalJobsFailed:    c.totalJobsFailed.Load(),
		JobsByStatus:       jobsByStatus,
		QueueDepths:        queueDepths,
		AvgJobDuration:     avgDuration,
		WorkerUtilization:  utilization,
		ErrorRate:          errorRate,
		Uptime:             time.Since(c.startTime),
		Dispatch:           dispatch,
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.totalJobsProcessed.Store(0)
	c.totalJobsCompleted.Store(0)
	c.totalJobsFailed.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus = make(map[job.Status]int64)
	c.queueDepths = make(map[string]int64)
	c.totalDuration = 0
	c.startTime = time.Now()
	c.activeWorkers = 0
	c.totalWorkers = 0
	c.errorCount = 0
	c.operationCount = 0
	c.dispatch = make(map[string]*dispatchCounters)
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
