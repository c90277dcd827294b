// Package ratelimit paces the requests sent to upstream HTTP services
// (the image registry and the log backend) so that one busy tool cannot
// exhaust their API limits for everybody.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter defines the interface for rate limiting operations
type RateLimiter interface {
	// Wait blocks until it's safe to make a request based on rate limiting rules
	Wait(ctx context.Context) error

	// HandleResponse processes response headers to adjust rate limiting behavior
	HandleResponse(response *http.Response) error

	// AcquireSlot attempts to acquire a concurrency slot for parallel requests
	AcquireSlot(ctx context.Context) error

	// ReleaseSlot releases a concurrency slot
	ReleaseSlot()
}

// Options tunes a Limiter.
type Options struct {
	// Delay is the minimum time between two requests, zero for none
	Delay time.Duration
	// MaxConcurrent bounds the requests in flight
	MaxConcurrent int
	// BackoffBase is the first wait after a 429, doubled on every 429 in a row
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 4,
		BackoffBase:   time.Second,
		MaxBackoff:    30 * time.Second,
	}
}

// Limiter implements RateLimiter for a single upstream.
type Limiter struct {
	opts Options

	lastRequest time.Time
	mutex       sync.Mutex

	// Exponential backoff state
	consecutiveErrors int
	backoffUntil      time.Time

	semaphore chan struct{}
}

// NewLimiter creates a new limiter. A non positive MaxConcurrent means one
// request at a time.
func NewLimiter(opts Options) *Limiter {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Limiter{
		opts:      opts,
		semaphore: make(chan struct{}, opts.MaxConcurrent),
	}
}

// Wait blocks until it's safe to make a request
func (r *Limiter) Wait(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// the mutex is released while sleeping
	waitWithUnlock := func(waitTime time.Duration) error {
		r.mutex.Unlock()
		defer r.mutex.Lock()

		timer := time.NewTimer(waitTime)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if time.Now().Before(r.backoffUntil) {
		if err := waitWithUnlock(time.Until(r.backoffUntil)); err != nil {
			return err
		}
	}

	if since := time.Since(r.lastRequest); since < r.opts.Delay {
		if err := waitWithUnlock(r.opts.Delay - since); err != nil {
			return err
		}
	}

	r.lastRequest = time.Now()
	return nil
}

// HandleResponse starts backing off when the upstream answers 429, and
// stops once it answers successfully again.
func (r *Limiter) HandleResponse(response *http.Response) error {
	if response == nil {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if response.StatusCode == http.StatusTooManyRequests {
		r.consecutiveErrors++

		backoffDelay := r.calculateBackoffDelay()
		r.backoffUntil = time.Now().Add(backoffDelay)

		// Retry-After in seconds wins when it asks for longer
		if retryAfterStr := response.Header.Get("Retry-After"); retryAfterStr != "" {
			if retryAfter, err := strconv.Atoi(retryAfterStr); err == nil {
				suggestedDelay := time.Duration(retryAfter) * time.Second
				if suggestedDelay > backoffDelay {
					r.backoffUntil = time.Now().Add(suggestedDelay)
				}
			}
		}

		return &RateLimitError{
			StatusCode: response.StatusCode,
			RetryAfter: time.Until(r.backoffUntil),
			Message:    "rate limit exceeded, backing off",
		}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		r.consecutiveErrors = 0
	}
	return nil
}

// AcquireSlot attempts to acquire a concurrency slot
func (r *Limiter) AcquireSlot(ctx context.Context) error {
	select {
	case r.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot releases a concurrency slot
func (r *Limiter) ReleaseSlot() {
	select {
	case <-r.semaphore:
	default:
	}
}

// calculateBackoffDelay calculates exponential backoff delay
func (r *Limiter) calculateBackoffDelay() time.Duration {
	if r.consecutiveErrors <= 0 {
		return 0
	}

	// base * 2^(errors-1)
	multiplier := math.Pow(2, float64(r.consecutiveErrors-1))
	delay := time.Duration(float64(r.opts.BackoffBase) * multiplier)

	if r.opts.MaxBackoff > 0 && delay > r.opts.MaxBackoff {
		delay = r.opts.MaxBackoff
	}
	return delay
}

// RateLimitError represents a rate limiting error
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error (HTTP %d): %s (retry after %v)",
		e.StatusCode, e.Message, e.RetryAfter)
}
