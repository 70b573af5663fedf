package llm

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
)

// RetryPolicy controls how failed model calls are retried with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies errors as retryable or permanent based on their message.
// Transient errors (connection, timeout, rate limit, 5xx) are retryable;
// auth/validation errors are not. Unknown errors default to retryable.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "context canceled") {
		return false
	}

	// Transient / retryable errors
	for _, s := range []string{"connection refused", "connection reset", "timeout",
		"temporary failure", "rate limit", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Permanent / non-retryable errors
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}

	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. Returns nil on success or the last error if all
// attempts fail, the error is non-retryable, or ctx is done while waiting.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		slog.Warn("model call failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.NextDelay(attempt)):
		}
	}
	return lastErr
}

// retryProvider wraps a Provider so transient failures are retried before
// they reach the caller. Streams are retried only while opening.
type retryProvider struct {
	next   Provider
	policy *RetryPolicy
}

// WithRetry returns a Provider that retries Complete and the opening of
// Stream according to policy.
func WithRetry(p Provider, policy *RetryPolicy) Provider {
	if policy == nil || policy.MaxAttempts <= 1 {
		return p
	}
	return &retryProvider{next: p, policy: policy}
}

func (r *retryProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	var resp *Response
	err := r.policy.Execute(ctx, func() error {
		var err error
		resp, err = r.next.Complete(ctx, messages, tools)
		return err
	})
	return resp, err
}

func (r *retryProvider) Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error) {
	var ch <-chan Delta
	err := r.policy.Execute(ctx, func() error {
		var err error
		ch, err = r.next.Stream(ctx, messages, tools)
		return err
	})
	return ch, err
}
