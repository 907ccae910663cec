package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	flowhs "github.com/goliatone/go-flowhs"
)

// Scheduler runs a Sweeper on a cron schedule. A sweep still running when
// the next one is due makes the scheduler skip that run.
type Scheduler struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	sweeper  *Sweeper
	location *time.Location
	logger   flowhs.Logger
	timeout  time.Duration

	errorHandler func(error)
	onReport     func(Report)

	entry   rcron.EntryID
	last    Report
	runs    int
	started bool
}

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(l flowhs.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithErrorHandler receives failed sweeps and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = fn
	}
}

// WithReportHandler receives the report of every scheduled sweep.
func WithReportHandler(fn func(Report)) Option {
	return func(s *Scheduler) {
		s.onReport = fn
	}
}

// WithSweepTimeout bounds one scheduled sweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

func NewScheduler(sweeper *Sweeper, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		location: time.Local,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = flowhs.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("validation sweep failed: %v", err)
		}
	}

	adapter := &loggerAdapter{logger: s.logger}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithLogger(adapter),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(adapter),
		),
	)
	return s
}

// Schedule installs spec, a standard five field expression or descriptor,
// replacing the previous schedule. An empty spec removes it.
func (s *Scheduler) Schedule(spec string) error {
	spec = strings.TrimSpace(spec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if spec == "" {
		return nil
	}
	id, err := s.cron.AddJob(spec, rcron.FuncJob(s.scheduled))
	if err != nil {
		return flowhs.WrapError(flowhs.ErrValidation, fmt.Sprintf("invalid validation schedule %q", spec), err,
			map[string]any{"schedule": spec})
	}
	s.entry = id
	return nil
}

// Next reports when the next scheduled sweep runs.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == 0 || !s.started {
		return time.Time{}, false
	}
	return s.cron.Entry(s.entry).Next, true
}

func (s *Scheduler) scheduled() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	report, err := s.RunNow(ctx)
	if err != nil {
		s.errorHandler(err)
	}
	if s.onReport != nil {
		s.onReport(report)
	}
}

// RunNow sweeps immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Report, error) {
	report, err := s.sweeper.Sweep(ctx)
	s.mu.Lock()
	s.last = report
	s.runs++
	s.mu.Unlock()
	return report, err
}

// Last returns the most recent report and how many sweeps ran.
func (s *Scheduler) Last() (Report, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
	return nil
}

// Stop halts the schedule and waits for a running sweep until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loggerAdapter feeds robfig/cron's logger into a flowhs.Logger.
type loggerAdapter struct {
	logger flowhs.Logger
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s %v: %v", msg, keysAndValues, err)
}

type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, _ ...any) {
	if err == nil {
		err = fmt.Errorf("%s", msg)
	}
	e.handler(err)
}
