// Package httpclient provides a per-destination-host circuit breaker
// shared by the HTTP-task worker and the webhook dispatcher, so a
// consistently failing host stops accumulating full-timeout round
// trips across many job attempts.
package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry lazily creates one gobreaker.CircuitBreaker per
// destination host and reuses it across calls.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	client   *http.Client
}

// NewBreakerRegistry constructs a registry sharing a single HTTP
// client; callers still set a per-request timeout via context.
func NewBreakerRegistry(client *http.Client) *BreakerRegistry {
	if client == nil {
		client = &http.Client{}
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		client:   client,
	}
}

func (r *BreakerRegistry) breakerFor(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "http-dispatch:" + host,
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[host] = b
	return b
}

// ErrCircuitOpen reports which host's breaker rejected a request
// before it was issued.
type ErrCircuitOpen struct {
	Host string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for host %s", e.Host)
}

// errUpstreamFailure marks a completed round trip that answered with a
// server error, so the breaker counts it as a failure even though
// net/http itself saw no transport error.
var errUpstreamFailure = errors.New("httpclient: upstream returned server error")

// Do issues req through the breaker for req.URL's host. If the
// breaker is open, it returns *ErrCircuitOpen without attempting the
// request. A 5xx response counts as a breaker failure even though it
// is a successful round trip as far as net/http is concerned; the
// response itself is still returned so the caller can inspect status
// and body as usual.
func (r *BreakerRegistry) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	breaker := r.breakerFor(host)

	result, err := breaker.Execute(func() (interface{}, error) {
		resp, doErr := r.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if resp.StatusCode >= 500 {
			return resp, errUpstreamFailure
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &ErrCircuitOpen{Host: host}
		}
		if err == errUpstreamFailure {
			return result.(*http.Response), nil
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// Host extracts the hostname used to key the breaker for rawURL,
// returning an error if rawURL does not parse.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("httpclient: parse url: %w", err)
	}
	return u.Hostname(), nil
}
