package saga

import "errors"

// ErrorStrategy folds the errors of the member machines of a y-flow into
// the coordinator error.
type ErrorStrategy interface {
	HandleErrors([]error) error
}

// FailFastStrategy keeps the first error reported.
type FailFastStrategy struct{}

func (FailFastStrategy) HandleErrors(errs []error) error {
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// AggregateErrorStrategy joins every member error.
type AggregateErrorStrategy struct{}

func (AggregateErrorStrategy) HandleErrors(errs []error) error {
	return errors.Join(errs...)
}

// WithErrorStrategy replaces the default FailFastStrategy of a coordinator.
func WithErrorStrategy(s ErrorStrategy) MachineOption {
	return func(c *core) {
		if s != nil {
			c.strategy = s
		}
	}
}
