package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	flowhs "github.com/goliatone/go-flowhs"
)

// Handler runs a function with bounded retries. It backs operations that
// talk to collaborators outside the speaker protocol, such as resource
// allocation.
type Handler struct {
	mu sync.Mutex

	logger        flowhs.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int
	attempts       int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		logger:        flowhs.NopLogger{},
		retryStrategy: NoDelayStrategy{},
	}
	r.errorHandler = func(err error) {
		r.logger.Debug("runner attempt failed: %v", err)
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds, the retry budget is spent, the strategy
// declines, or ctx ends. The last error is returned wrapped.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempt := 0
	for ; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.errorHandler(flowhs.WrapError(flowhs.ErrIllegalState,
			fmt.Sprintf("runner failed, attempt %d of %d", attempt+1, maxRetries+1),
			err, nil))

		if werr := sleep(ctx, decision.Delay); werr != nil {
			err = werr
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	h.attempts += min(attempt+1, maxRetries+1)
	if err == nil {
		h.successfulRuns++
		return nil
	}
	return fmt.Errorf("runner failed after %d attempts: %w", min(attempt+1, maxRetries+1), err)
}

// Stats reports runs, successful runs and total attempts so far.
func (h *Handler) Stats() (runs, successful, attempts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns, h.attempts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

// RunValue is Run for functions producing a value.
func RunValue[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
