// Package resiliency wraps http.Client with retry and circuit breaking for
// calls to external connector endpoints and engines.
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// Client retries transient failures with exponential backoff and jitter,
// behind a per-host circuit breaker. Responses below 500 count as success;
// the caller owns status handling.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewClient builds a resilient client with a timeout and up to maxRetries
// retries per request.
func NewClient(timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		breakers:   map[string]*CircuitBreaker{},
	}
}

func (c *Client) breakerFor(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(host, 5, 10*time.Second)
		c.breakers[host] = cb
	}
	return cb
}

// Do executes req with retries. Only requests with a rewindable body
// (GetBody set, as on requests built via http.NewRequest with a byte
// reader) retry after a partial send.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	breaker := c.breakerFor(req.URL.Host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", req.URL.Host)
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				break
			}
			req.Body = body
		}
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			breaker.Success()
			return resp, nil
		}
		if attempt == c.maxRetries || (attempt > 0 && req.Body != nil && req.GetBody == nil) {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if werr := sleep(req.Context(), c.delay(attempt)); werr != nil {
			breaker.Failure()
			return nil, werr
		}
	}

	breaker.Failure()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// delay is base * 2^attempt plus up to 50ms of jitter.
func (c *Client) delay(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker is a minimal failure detector: threshold consecutive
// failures open it, a reset timeout half-opens it, one success closes it.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{name: name, threshold: threshold, resetTimeout: timeout}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

// Failure records a failed call, opening the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}
