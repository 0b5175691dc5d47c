// Package job defines the unit of work processed by the queue: its
// identity, payload, retry/delay options, webhook configuration, and
// lifecycle transitions.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the current lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusStalled   Status = "stalled"
)

const (
	minAttemptsMax = 1
	maxAttemptsMax = 10
	defaultAttempts = 3
)

// Options configures a job's retry, delay, and retention behavior.
type Options struct {
	// AttemptsMax caps the total number of attempts, in [1,10]. Default 3.
	AttemptsMax int `json:"attempts_max"`
	// DelayMS delays initial eligibility by this many milliseconds.
	DelayMS int64 `json:"delay_ms"`
	// Priority is reserved metadata; it never affects dequeue ordering.
	Priority string `json:"priority,omitempty"`
	// RemoveOnComplete deletes the job record on successful completion.
	RemoveOnComplete bool `json:"remove_on_complete"`
	// RemoveOnFail deletes the job record on terminal failure.
	RemoveOnFail bool `json:"remove_on_fail"`
}

// normalize fills defaults and clamps Options to their documented ranges.
func (o Options) normalize() Options {
	if o.AttemptsMax == 0 {
		o.AttemptsMax = defaultAttempts
	}
	if o.AttemptsMax < minAttemptsMax {
		o.AttemptsMax = minAttemptsMax
	}
	if o.AttemptsMax > maxAttemptsMax {
		o.AttemptsMax = maxAttemptsMax
	}
	if o.DelayMS < 0 {
		o.DelayMS = 0
	}
	return o
}

// WebhookConfig describes a caller-supplied endpoint notified on a
// job's terminal transition.
type WebhookConfig struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	TimeoutMS     int               `json:"timeout_ms,omitempty"`
	RetryAttempts int               `json:"retry_attempts,omitempty"`
}

const (
	defaultWebhookTimeoutMS     = 30000
	minWebhookTimeoutMS         = 1000
	maxWebhookTimeoutMS         = 300000
	defaultWebhookRetryAttempts = 3
	maxWebhookRetryAttempts     = 10
)

func (w WebhookConfig) normalize() WebhookConfig {
	if w.Method == "" {
		w.Method = "POST"
	}
	if w.TimeoutMS == 0 {
		w.TimeoutMS = defaultWebhookTimeoutMS
	}
	if w.TimeoutMS < minWebhookTimeoutMS {
		w.TimeoutMS = minWebhookTimeoutMS
	}
	if w.TimeoutMS > maxWebhookTimeoutMS {
		w.TimeoutMS = maxWebhookTimeoutMS
	}
	if w.RetryAttempts <= 0 {
		w.RetryAttempts = defaultWebhookRetryAttempts
	}
	if w.RetryAttempts > maxWebhookRetryAttempts {
		w.RetryAttempts = maxWebhookRetryAttempts
	}
	return w
}

// Job is a unit of work owned by exactly one named queue.
type Job struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queue_name"`
	Data        json.RawMessage `json:"data"`
	Options     Options         `json:"options"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// New creates a job with an already-encoded JSON payload. Initial
// status is delayed if Options.DelayMS > 0, otherwise waiting.
func New(queueName string, data json.RawMessage, opts Options, webhook *WebhookConfig) *Job {
	opts = opts.normalize()
	if webhook != nil {
		normalized := webhook.normalize()
		webhook = &normalized
	}

	status := StatusWaiting
	if opts.DelayMS > 0 {
		status = StatusDelayed
	}

	return &Job{
		ID:          uuid.New().String(),
		QueueName:   queueName,
		Data:        data,
		Options:     opts,
		Status:      status,
		Attempts:    0,
		MaxAttempts: opts.AttemptsMax,
		CreatedAt:   time.Now(),
		Webhook:     webhook,
	}
}

// NewWithJSON marshals an arbitrary Go value as the job's payload.
func NewWithJSON(queueName string, payload interface{}, opts Options, webhook *WebhookConfig) (*Job, error) {
	data, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return New(queueName, data, opts, webhook), nil
}

// ScheduledAt returns the epoch-ms at which a delayed job becomes
// eligible to run, measured from CreatedAt.
func (j *Job) ScheduledAt() int64 {
	return j.CreatedAt.UnixMilli() + j.Options.DelayMS
}

// CanRetry reports whether a failed job still has attempts remaining.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// MarkActive transitions the job to active and stamps ProcessedAt.
func (j *Job) MarkActive() {
	j.Status = StatusActive
	now := time.Now()
	j.ProcessedAt = &now
}

// MarkCompleted transitions the job to completed, write-once: a job
// that is already completed is left unchanged.
func (j *Job) MarkCompleted(result json.RawMessage) {
	if j.Status == StatusCompleted {
		return
	}
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	now := time.Now()
	j.CompletedAt = &now
}

// MarkFailed records a failed attempt, incrementing Attempts. Whether
// the job becomes retry-pending or terminally failed is decided by
// the caller (internal/queue), since that depends on queue-level
// backoff scheduling this type doesn't own.
func (j *Job) MarkFailed(errMsg string) {
	j.Attempts++
	j.Status = StatusFailed
	j.Error = errMsg
	now := time.Now()
	j.FailedAt = &now
}

// ResetForRetry clears failure bookkeeping and requeues the job as
// waiting. Only valid when CanRetry() held at the time of the
// preceding MarkFailed call.
func (j *Job) ResetForRetry() {
	j.Status = StatusWaiting
	j.Error = ""
	j.ProcessedAt = nil
}
