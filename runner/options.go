package runner

import (
	"time"

	flowhs "github.com/goliatone/go-flowhs"
)

type Option func(*Handler)

// WithTimeout bounds every Run, retries and backoff included.
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		if t > 0 {
			h.timeout = t
		}
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

// WithMaxRetries allows n retries after the first attempt. Negative values
// mean no retries.
func WithMaxRetries(n int) Option {
	return func(h *Handler) {
		h.maxRetries = max(n, 0)
	}
}

// WithErrorHandler observes every failed attempt that is retried. A nil
// handler keeps the default debug log.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn != nil {
			h.errorHandler = fn
		}
	}
}

func WithLogger(l flowhs.Logger) Option {
	return func(h *Handler) {
		h.logger = flowhs.NormalizeLogger(l)
	}
}

// WithRetryStrategy picks the delay between attempts and may veto a retry.
// Allocation retries take theirs from config.Backoff.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}
