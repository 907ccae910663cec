package validation

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/runner"
	"github.com/goliatone/go-flowhs/saga"
)

// Validator starts the validation of one flow and returns the key its
// response is published under.
type Validator interface {
	ValidateFlow(ctx context.Context, req saga.ValidateRequest) (string, error)
}

type Lister interface {
	List(ctx context.Context) ([]*model.Flow, error)
}

// Report sums up one sweep. Results of the started validations arrive as
// northbound responses.
type Report struct {
	StartedAt time.Time
	Started   []string
	// Busy flows had another operation running.
	Busy   []string
	Failed map[string]error
}

func (r Report) Total() int { return len(r.Started) + len(r.Busy) + len(r.Failed) }

// Sweeper starts a validation for every stored flow.
type Sweeper struct {
	lister      Lister
	validator   Validator
	concurrency int
	logger      flowhs.Logger
	listRetries int
	listing     *runner.Handler
}

type SweeperOption func(*Sweeper)

// WithConcurrency bounds the validations started at once.
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSweepLogger(l flowhs.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithListRetries retries a failed flow listing n times.
func WithListRetries(n int) SweeperOption {
	return func(s *Sweeper) {
		s.listRetries = n
	}
}

func NewSweeper(lister Lister, validator Validator, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		lister:      lister,
		validator:   validator,
		concurrency: 8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = flowhs.NormalizeLogger(s.logger)
	s.listing = runner.NewHandler(runner.WithMaxRetries(s.listRetries), runner.WithLogger(s.logger))
	return s
}

// Sweep lists the stored flows and starts their validations. It stops early
// when the validator no longer accepts requests.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now(), Failed: map[string]error{}}

	flows, err := runner.RunValue(ctx, s.listing, s.lister.List)
	if err != nil {
		return report, flowhs.WrapError(flowhs.ErrIllegalState, "flows could not be listed", err, nil)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range flows {
		id := f.FlowID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.validator.ValidateFlow(context.WithoutCancel(gctx), saga.ValidateRequest{FlowID: id})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Started = append(report.Started, id)
			case flowhs.HasCode(err, flowhs.CodeRegistryDraining):
				return err
			case flowhs.HasCode(err, flowhs.CodeSagaConflict):
				report.Busy = append(report.Busy, id)
			default:
				report.Failed[id] = err
			}
			return nil
		})
	}
	err = g.Wait()

	sort.Strings(report.Started)
	sort.Strings(report.Busy)
	s.logger.Info("validation sweep: %d started, %d busy, %d failed of %d flows",
		len(report.Started), len(report.Busy), len(report.Failed), len(flows))
	return report, err
}
