// Package ratelimit implements the rate-limited call helper from
// spec.md §4.9: a reusable component nodes invoke when calling external
// services (LLMs, tools). It applies the backoff-with-jitter formula and
// retries on classified rate-limit errors and on empty responses, never
// on the executor's own behalf — the Graph Executor's per-node retry
// (spec.md §4.6.3) has its own inline implementation so its timing stays
// byte-exact with the testable properties in spec.md §8.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Counters tracks per-key call statistics.
type Counters struct {
	TotalRequests int64
	Retries       int64
	RateLimitHits int64
	FailedRequests int64
}

// Limiter applies exponential backoff with jitter across calls grouped by
// an arbitrary model/service key.
type Limiter struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	maxAttempts  int

	mu       sync.Mutex
	counters map[string]*Counters
}

// New constructs a Limiter using the spec.md §6.4 defaults when zero
// values are passed: base_delay=1s, max_delay=60s, jitter_factor=0.5.
func New(baseDelay, maxDelay time.Duration, jitterFactor float64, maxAttempts int) *Limiter {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if jitterFactor <= 0 {
		jitterFactor = 0.5
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Limiter{
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		jitterFactor: jitterFactor,
		maxAttempts:  maxAttempts,
		counters:     make(map[string]*Counters),
	}
}

var errEmptyResponse = errors.New("ratelimit: empty response")

func (l *Limiter) counterFor(key string) *Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		c = &Counters{}
		l.counters[key] = c
	}
	return c
}

// WithRetry runs fn, retrying on errors classified as rate-limit errors
// by isRateLimitError and on "empty" successful responses classified by
// isEmptyResponse. Any other error is not retried. If every attempt
// yields an empty response, the last response is returned as-is rather
// than as an error.
func (l *Limiter) WithRetry(
	ctx context.Context,
	modelKey string,
	fn func(ctx context.Context) (map[string]interface{}, error),
	isRateLimitError func(error) bool,
	isEmptyResponse func(map[string]interface{}) bool,
) (map[string]interface{}, error) {
	c := l.counterFor(modelKey)
	atomic.AddInt64(&c.TotalRequests, 1)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.baseDelay
	eb.MaxInterval = l.maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = l.jitterFactor

	var lastEmpty map[string]interface{}
	var sawEmpty bool

	operation := func() (map[string]interface{}, error) {
		out, err := fn(ctx)
		if err != nil {
			if isRateLimitError != nil && isRateLimitError(err) {
				atomic.AddInt64(&c.RateLimitHits, 1)
				atomic.AddInt64(&c.Retries, 1)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if isEmptyResponse != nil && isEmptyResponse(out) {
			lastEmpty = out
			sawEmpty = true
			atomic.AddInt64(&c.Retries, 1)
			return nil, errEmptyResponse
		}
		return out, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(l.maxAttempts)),
	)
	if err == nil {
		return result, nil
	}
	if sawEmpty && errors.Is(err, errEmptyResponse) {
		return lastEmpty, nil
	}
	atomic.AddInt64(&c.FailedRequests, 1)
	return nil, err
}

// Stats returns a copy of the counters tracked for key.
func (l *Limiter) Stats(key string) Counters {
	c := l.counterFor(key)
	return Counters{
		TotalRequests:  atomic.LoadInt64(&c.TotalRequests),
		Retries:        atomic.LoadInt64(&c.Retries),
		RateLimitHits:  atomic.LoadInt64(&c.RateLimitHits),
		FailedRequests: atomic.LoadInt64(&c.FailedRequests),
	}
}
