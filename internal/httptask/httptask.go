// Package httptask implements the built-in HTTP-task processor: a
// worker "processor" that reads the job payload as an HTTP request
// description and issues it on the caller's behalf, Cloud-Tasks style.
package httptask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/queuesvc/taskqueue/internal/httpclient"
	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/metrics"
)

const dispatchKind = "httptask"

// Payload is the job.Data shape an HTTP task job carries.
type Payload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
}

// Result is stored as the job's Result on success.
type Result struct {
	StatusCode   int             `json:"statusCode"`
	ResponseData json.RawMessage `json:"responseData"`
	DurationMS   int64           `json:"duration_ms"`
}

// Processor builds a worker.Processor-shaped function (ctx, *job.Job)
// that dispatches the job as an HTTP task. serviceName names the
// outbound User-Agent; breakers is the registry that tracks per-host
// circuit state for the requests this Processor issues.
type Processor struct {
	serviceName string
	breakers    *httpclient.BreakerRegistry
}

// NewProcessor constructs an HTTP-task Processor.
func NewProcessor(serviceName string, breakers *httpclient.BreakerRegistry) *Processor {
	return &Processor{serviceName: serviceName, breakers: breakers}
}

// Process issues j's described HTTP call and returns the result to be
// stored as the job's Result, or an error describing why the task
// failed (which flows through the Queue's normal retry/backoff path).
func (p *Processor) Process(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var payload Payload
	if err := j.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode http task payload: %w", err)
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := time.Duration(payload.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, payload.URL, bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("build http task request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.serviceName+"-HttpWorker/1.0")
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}
	// Correlation headers always win over caller-supplied overrides.
	req.Header.Set("X-Queue-Service-Job-Id", j.ID)
	req.Header.Set("X-Queue-Service-Attempt", fmt.Sprintf("%d", j.Attempts+1))
	req.Header.Set("X-Queue-Service-Max-Attempts", fmt.Sprintf("%d", j.MaxAttempts))

	start := time.Now()
	resp, err := p.breakers.Do(req)
	duration := time.Since(start)

	if err != nil {
		metrics.Default().RecordDispatch(dispatchKind, false, duration)
		if open, ok := err.(*httpclient.ErrCircuitOpen); ok {
			return nil, fmt.Errorf("HTTP-task circuit open for host %s", open.Host)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.Default().RecordDispatch(dispatchKind, false, duration)
		return nil, fmt.Errorf("read http task response: %w", err)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.Default().RecordDispatch(dispatchKind, success, duration)

	if !success {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	responseData := json.RawMessage(data)
	if !json.Valid(data) {
		// Empty or non-JSON bodies are stored as a JSON string.
		responseData, _ = json.Marshal(string(data))
	}
	result := Result{
		StatusCode:   resp.StatusCode,
		ResponseData: responseData,
		DurationMS:   duration.Milliseconds(),
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode http task result: %w", err)
	}
	return encoded, nil
}
