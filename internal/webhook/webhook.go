// Package webhook delivers a structured notification to a
// caller-supplied endpoint when a job reaches a terminal state. It
// never alters job state; delivery is fire-and-log from the worker's
// point of view.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/queuesvc/taskqueue/internal/httpclient"
	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/metrics"
)

const dispatchKind = "webhook"

// Event names the two terminal transitions a webhook can report.
type Event string

const (
	EventCompleted Event = "job.completed"
	EventFailed    Event = "job.failed"
)

var allowedMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

var urlSchemeRe = regexp.MustCompile(`^https?://`)

// Validate checks a WebhookConfig against the contract enforced both
// before dispatch and by an interactive "test" path, returning every
// violation found.
func Validate(cfg job.WebhookConfig) []string {
	var problems []string

	if cfg.URL == "" {
		problems = append(problems, "url is required")
	} else if !urlSchemeRe.MatchString(cfg.URL) {
		problems = append(problems, "url must start with http:// or https://")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		problems = append(problems, "method must be one of POST, PUT, PATCH")
	}

	if cfg.TimeoutMS != 0 && (cfg.TimeoutMS < 1000 || cfg.TimeoutMS > 300000) {
		problems = append(problems, "timeout_ms must be between 1000 and 300000")
	}

	if cfg.RetryAttempts < 0 || cfg.RetryAttempts > 10 {
		problems = append(problems, "retry_attempts must be between 0 and 10")
	}

	return problems
}

// payloadJob is the job subset embedded in a webhook payload. This is
// a stable external contract, intentionally independent of Job's
// internal JSON shape.
type payloadJob struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queueName"`
	Status      job.Status      `json:"status"`
	Data        json.RawMessage `json:"data"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
}

type payload struct {
	Event     Event      `json:"event"`
	Job       payloadJob `json:"job"`
	Timestamp time.Time  `json:"timestamp"`
	Webhook   struct {
		Attempt     int `json:"attempt"`
		MaxAttempts int `json:"maxAttempts"`
	} `json:"webhook"`
}

// Result reports the outcome of a dispatch attempt sequence.
type Result struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	Error        string        `json:"error,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
	Attempt      int           `json:"attempt"`
}

// Dispatcher delivers webhook notifications over HTTP with its own
// bounded retry, independent of the Queue's own retry policy.
type Dispatcher struct {
	serviceName string
	breakers    *httpclient.BreakerRegistry
}

// NewDispatcher constructs a Dispatcher. serviceName is used to build
// the outbound User-Agent header.
func NewDispatcher(serviceName string, breakers *httpclient.BreakerRegistry) *Dispatcher {
	return &Dispatcher{serviceName: serviceName, breakers: breakers}
}

// Dispatch delivers event for j to cfg, retrying per cfg.RetryAttempts
// with jittered exponential backoff. Failure here never mutates j.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg job.WebhookConfig, event Event, j *job.Job) Result {
	if problems := Validate(cfg); len(problems) > 0 {
		return Result{Success: false, Error: fmt.Sprintf("invalid webhook config: %s", strings.Join(problems, "; "))}
	}

	maxAttempts := cfg.RetryAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	body := payload{
		Event: event,
		Job: payloadJob{
			ID:          j.ID,
			QueueName:   j.QueueName,
			Status:      j.Status,
			Data:        j.Data,
			Result:      j.Result,
			Error:       j.Error,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			CreatedAt:   j.CreatedAt,
			ProcessedAt: j.ProcessedAt,
			CompletedAt: j.CompletedAt,
			FailedAt:    j.FailedAt,
		},
		Timestamp: time.Now().UTC(),
	}
	body.Webhook.MaxAttempts = maxAttempts

	var lastErr string
	var lastStatus int

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body.Webhook.Attempt = attempt
		payloadBytes, err := json.Marshal(body)
		if err != nil {
			return Result{Success: false, Error: fmt.Sprintf("encode webhook payload: %v", err), Attempt: attempt}
		}

		start := time.Now()
		statusCode, respData, reqErr := d.attempt(ctx, method, cfg, timeout, payloadBytes)
		duration := time.Since(start)

		metrics.Default().RecordDispatch(dispatchKind, reqErr == nil && statusCode >= 200 && statusCode < 300, duration)

		if reqErr == nil && statusCode >= 200 && statusCode < 300 {
			return Result{
				Success:      true,
				StatusCode:   statusCode,
				ResponseData: respData,
				DurationMS:   duration.Milliseconds(),
				Attempt:      attempt,
			}
		}

		lastStatus = statusCode
		if reqErr != nil {
			lastErr = reqErr.Error()
		} else {
			lastErr = fmt.Sprintf("HTTP %d", statusCode)
		}

		if attempt < maxAttempts {
			metrics.Default().RecordDispatchRetry(dispatchKind)
			time.Sleep(webhookBackoff(attempt))
		}
	}

	return Result{
		Success:    false,
		StatusCode: lastStatus,
		Error:      lastErr,
		Attempt:    maxAttempts,
	}
}

func (d *Dispatcher) attempt(ctx context.Context, method string, cfg job.WebhookConfig, timeout time.Duration, body []byte) (int, json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.serviceName+"-Webhook/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.breakers.Do(req)
	if err != nil {
		if open, ok := err.(*httpclient.ErrCircuitOpen); ok {
			return 0, nil, fmt.Errorf("webhook circuit open for host %s", open.Host)
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	return resp.StatusCode, json.RawMessage(data), nil
}

// webhookBackoff computes the jittered exponential backoff for the
// webhook dispatcher's own retry loop: base 1000ms, cap 30s, jitter
// in [-0.25, +0.25] of the backoff.
func webhookBackoff(attempt int) time.Duration {
	base := float64(1000) * float64(uint64(1)<<uint(attempt-1))
	if base > 30_000 {
		base = 30_000
	}
	jitter := (rand.Float64()*0.5 - 0.25) * base
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}
