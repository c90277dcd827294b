package ratelimit

import (
	"net/http"
	"time"
)

// RateLimitedTransport wraps an HTTP transport with rate limiting capabilities
type RateLimitedTransport struct {
	Base        http.RoundTripper
	RateLimiter RateLimiter
}

// NewRateLimitedTransport creates a new rate-limited HTTP transport
func NewRateLimitedTransport(base http.RoundTripper, rateLimiter RateLimiter) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &RateLimitedTransport{
		Base:        base,
		RateLimiter: rateLimiter,
	}
}

// RoundTrip implements http.RoundTripper. The slot is held until the
// response headers arrived, streamed bodies do not count against it.
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := t.RateLimiter.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer t.RateLimiter.ReleaseSlot()

	if err := t.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := t.Base.RoundTrip(req)

	// a 429 is answered to the caller as is, the limiter only slows down
	// the requests that follow
	if response != nil {
		_ = t.RateLimiter.HandleResponse(response)
	}
	return response, err
}

// NewClient returns an HTTP client whose requests go through limiter.
func NewClient(timeout time.Duration, limiter RateLimiter) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewRateLimitedTransport(nil, limiter),
	}
}
