package runner

import (
	"math"
	"time"
)

// RetryStrategy encapsulates the decision and delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecider lets a strategy veto a retry for a given error.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// DecideRetry asks the strategy for a decision, falling back to
// SleepDuration when it is not a RetryDecider.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	// Max caps the exponential growth.
	Max time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// OnlyIf retries with the wrapped strategy while match(err) holds.
type OnlyIf struct {
	Strategy RetryStrategy
	Match    func(error) bool
}

func (o OnlyIf) SleepDuration(attempt int, err error) time.Duration {
	if o.Strategy == nil {
		return 0
	}
	return o.Strategy.SleepDuration(attempt, err)
}

func (o OnlyIf) Decide(attempt int, err error) RetryDecision {
	if o.Match != nil && !o.Match(err) {
		return RetryDecision{ShouldRetry: false}
	}
	return DecideRetry(o.Strategy, attempt, err)
}
