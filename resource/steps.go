package resource

import (
	"context"
	"fmt"

	"github.com/goliatone/go-errors"

	flowhs "github.com/goliatone/go-flowhs"
)

// Step is one allocation with its compensation. Compensations must be
// idempotent.
type Step struct {
	Name     string
	Allocate func(context.Context) error
	Release  func(context.Context) error
}

// RunSteps allocates in order. When a step fails every completed step is
// released in reverse order and the failure is returned.
func RunSteps(ctx context.Context, steps []Step) error {
	var done []int
	for i, step := range steps {
		if err := step.Allocate(ctx); err != nil {
			meta := map[string]any{
				"step_index": i,
				"step_name":  step.Name,
			}
			if cerr := rollback(ctx, steps, done); cerr != nil {
				meta["compensation_error"] = cerr.Error()
			}
			return flowhs.WrapError(flowhs.ErrResourceAllocation,
				fmt.Sprintf("allocation failed at step %d (%s)", i, step.Name), err, meta)
		}
		done = append(done, i)
	}
	return nil
}

func rollback(ctx context.Context, steps []Step, done []int) error {
	var errs error
	for i := len(done) - 1; i >= 0; i-- {
		step := steps[done[i]]
		if step.Release == nil {
			continue
		}
		if err := step.Release(ctx); err != nil {
			errs = errors.Join(errs, errors.Wrap(err, errors.CategoryHandler,
				fmt.Sprintf("release failed at step %d (%s)", done[i], step.Name)))
		}
	}
	return errs
}
