package rest

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/enricoaquilina/ss-automation/metrics"
)

// DefaultMinInterval is the global minimum spacing between any two API
// calls, as recommended for user-token clients.
const DefaultMinInterval = 350 * time.Millisecond

// Backoff parameters for retrying 5xx and transport failures.
const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

// DefaultRetryableStatuses are the response codes WithRetry retries.
var DefaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// bucket tracks the provider's rate limit state for one endpoint
// template, as reported via response headers.
type bucket struct {
	sync.Mutex

	remaining   int
	resetAt     time.Time
	lastRequest time.Time
	known       bool
}

// Limiter enforces the global inter-call spacing and per-endpoint
// bucket limits. Calls on the same endpoint are serialized.
type Limiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*bucket

	log zerolog.Logger
}

// NewLimiter creates a limiter with the given global minimum spacing.
func NewLimiter(minInterval time.Duration, log zerolog.Logger) *Limiter {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Limiter{
		global:  rate.NewLimiter(rate.Every(minInterval), 1),
		buckets: make(map[string]*bucket),
		log:     log,
	}
}

func (l *Limiter) bucket(endpoint string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[endpoint]
	if !ok {
		b = &bucket{}
		l.buckets[endpoint] = b
	}
	return b
}

// Wait blocks until a call on endpoint may proceed. The bucket lock is
// held for the duration of the wait so that same-endpoint callers queue
// behind each other.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	b := l.bucket(endpoint)
	b.Lock()
	defer b.Unlock()

	start := time.Now()

	if b.known && b.remaining <= 0 {
		wait := time.Until(b.resetAt) + 100*time.Millisecond
		if wait > 0 {
			l.log.Warn().Str("endpoint", endpoint).Dur("wait", wait).Msg("rate limit reached, waiting for reset")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		b.known = false
	}

	if err := l.global.Wait(ctx); err != nil {
		return err
	}

	b.lastRequest = time.Now()
	metrics.RateLimitWait(time.Since(start))
	return nil
}

// Update records the provider's rate limit headers for endpoint.
func (l *Limiter) Update(endpoint string, h http.Header) {
	b := l.bucket(endpoint)
	b.Lock()
	defer b.Unlock()

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if remaining, err := strconv.Atoi(v); err == nil {
			b.remaining = remaining
			b.known = true
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if after, err := strconv.ParseFloat(v, 64); err == nil {
			b.resetAt = time.Now().Add(time.Duration(after * float64(time.Second)))
			return
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if at, err := strconv.ParseFloat(v, 64); err == nil {
			b.resetAt = time.Unix(0, int64(at*float64(time.Second)))
		}
	}
}

// retryAfter extracts a Retry-After header, in seconds.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// backoffDelay computes the delay before retry attempt n (0-based),
// with uniform jitter in [0, 0.25*delay].
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

// WithRetry runs op through the limiter, updating bucket state from
// response headers and retrying retryable statuses and transport
// errors. A 429 honors Retry-After verbatim; 5xx backs off
// exponentially. Retries abort once ctx is done.
func (l *Limiter) WithRetry(ctx context.Context, endpoint string, maxRetries int, retryable []int, op func(context.Context) (*http.Response, error)) (*http.Response, error) {
	if retryable == nil {
		retryable = DefaultRetryableStatuses
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := l.Wait(ctx, endpoint); err != nil {
			return nil, err
		}

		resp, err := op(ctx)
		if err != nil {
			lastErr = err
			l.log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("request failed")
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		l.Update(endpoint, resp.Header)

		if !statusIn(resp.StatusCode, retryable) {
			return resp, nil
		}

		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header)
			if wait <= 0 {
				wait = backoffDelay(attempt)
			}
			l.log.Warn().Str("endpoint", endpoint).Dur("retry_after", wait).Msg("rate limited")
			lastErr = &StatusError{Code: resp.StatusCode}
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		lastErr = &StatusError{Code: resp.StatusCode}
		l.log.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("retryable status")
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func statusIn(code int, list []int) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d unless ctx finishes first. Returns false when
// the context ended the sleep.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
