package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/speaker"
)

// Timers schedules per-command response deadlines. An expired deadline must
// be reported back through Engine.HandleTimeout.
type Timers interface {
	Schedule(id uuid.UUID, d time.Duration)
	Cancel(id uuid.UUID)
}

// Observer is told about every terminal command outcome.
type Observer func(cmd speaker.Command, outcome Outcome)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

type state int

const (
	stateWaiting state = iota
	stateInFlight
	stateDone
)

type entry struct {
	cmd        speaker.Command
	state      state
	attempts   int
	pending    int
	stripMeter bool
	outcome    Outcome
}

// Engine drives one batch: it sends every command whose dependencies have
// succeeded, retries timeouts up to the retry limit and never has two
// attempts of the same command in flight.
//
// An Engine is not safe for concurrent use; its owner serializes calls.
type Engine struct {
	batch    *speaker.Batch
	sender   speaker.Transport
	timers   Timers
	timeout  time.Duration
	retries  int
	logger   flowhs.Logger
	observer Observer

	entries map[uuid.UUID]*entry
	order   []uuid.UUID
	open    int
	started bool
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetries sets how many times a timed out command is resent.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

func WithLogger(l flowhs.Logger) Option {
	return func(e *Engine) {
		e.logger = flowhs.NormalizeLogger(l)
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

func NewEngine(batch *speaker.Batch, sender speaker.Transport, timers Timers, opts ...Option) *Engine {
	e := &Engine{
		batch:   batch,
		sender:  sender,
		timers:  timers,
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		logger:  flowhs.NopLogger{},
		entries: make(map[uuid.UUID]*entry, batch.Len()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for _, c := range batch.Commands() {
		e.entries[c.ID] = &entry{cmd: c, pending: len(c.DependsOn())}
		e.order = append(e.order, c.ID)
	}
	e.open = len(e.order)
	return e
}

// Start sends every command without dependencies. It returns true when the
// batch is already finished, which happens for empty batches.
func (e *Engine) Start(ctx context.Context) bool {
	if e.started {
		return e.Done()
	}
	e.started = true
	for _, id := range e.order {
		if en := e.entries[id]; en.state == stateWaiting && en.pending == 0 {
			e.send(ctx, en)
		}
	}
	return e.Done()
}

// Owns reports whether id belongs to this batch.
func (e *Engine) Owns(id uuid.UUID) bool {
	_, ok := e.entries[id]
	return ok
}

// InFlight lists the commands awaiting a response.
func (e *Engine) InFlight() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range e.order {
		if e.entries[id].state == stateInFlight {
			out = append(out, id)
		}
	}
	return out
}

// HandleResponse applies a speaker response. Responses for unknown or
// already settled commands are ignored and reported as not handled.
func (e *Engine) HandleResponse(ctx context.Context, resp speaker.Response) bool {
	en, ok := e.entries[resp.CommandID]
	if !ok || en.state != stateInFlight {
		return false
	}
	if resp.Status == speaker.StatusTimeout {
		return e.expire(ctx, en)
	}
	e.timers.Cancel(en.cmd.ID)
	e.complete(ctx, en, e.classify(en, resp))
	return true
}

// HandleTimeout resends the command or fails it once the retry limit is spent.
func (e *Engine) HandleTimeout(ctx context.Context, id uuid.UUID) bool {
	en, ok := e.entries[id]
	if !ok || en.state != stateInFlight {
		return false
	}
	return e.expire(ctx, en)
}

func (e *Engine) expire(ctx context.Context, en *entry) bool {
	if en.attempts <= e.retries {
		e.logger.Warn("speaker command %s timed out, attempt %d of %d", en.cmd, en.attempts, e.retries+1)
		e.timers.Cancel(en.cmd.ID)
		e.send(ctx, en)
		return true
	}
	e.timers.Cancel(en.cmd.ID)
	out := Failed(fmt.Sprintf("no response after %d attempts", en.attempts))
	out.TimedOut = true
	e.complete(ctx, en, out)
	return true
}

func (e *Engine) classify(en *entry, resp speaker.Response) Outcome {
	cmd := en.cmd
	switch resp.Status {
	case speaker.StatusSuccess:
		out := Ok("")
		if cmd.Kind == speaker.KindVerify {
			out.Mismatch = speaker.Diff(cmd.Payload, resp.Schema)
		}
		return out
	case speaker.StatusError:
		switch {
		case resp.ErrorKind == speaker.ErrorNotFound && cmd.Kind == speaker.KindDelete:
			return Ok("already absent")
		case resp.ErrorKind == speaker.ErrorUnsupported && cmd.Payload.Kind() == speaker.PayloadMeter:
			out := Skipped("switch does not support meters")
			out.ErrorKind = resp.ErrorKind
			return out
		}
		out := Failed(resp.Reason)
		if out.Reason == "" {
			out.Reason = string(resp.ErrorKind)
		}
		out.ErrorKind = resp.ErrorKind
		return out
	}
	return Failed("unknown response status " + string(resp.Status))
}

func (e *Engine) send(ctx context.Context, en *entry) {
	if en.stripMeter {
		en.cmd = en.cmd.WithoutMeter()
		en.stripMeter = false
	}
	en.state = stateInFlight
	en.attempts++
	e.timers.Schedule(en.cmd.ID, e.timeout)
	if err := e.sender.Send(ctx, en.cmd); err != nil {
		e.timers.Cancel(en.cmd.ID)
		out := Failed("send failed: " + err.Error())
		e.complete(ctx, en, out)
	}
}

func (e *Engine) complete(ctx context.Context, en *entry, out Outcome) {
	if en.state == stateDone {
		return
	}
	out.Attempts = en.attempts
	en.state = stateDone
	en.outcome = out
	e.open--
	if e.observer != nil {
		e.observer(en.cmd, out)
	}
	if out.Kind == OutcomeFailed {
		e.logger.Error("speaker command %s failed: %s", en.cmd, out.Reason)
	}

	for _, id := range e.batch.Dependents(en.cmd.ID) {
		dep := e.entries[id]
		if dep.state != stateWaiting {
			continue
		}
		if !out.Success() {
			e.complete(ctx, dep, Failed(fmt.Sprintf("dependency %s failed", en.cmd.ID)))
			continue
		}
		if out.Kind == OutcomeSkipped && dep.cmd.MeterRef() != 0 {
			if m, ok := en.cmd.Payload.Meter(); ok && m.MeterID == dep.cmd.MeterRef() {
				dep.stripMeter = true
			}
		}
		dep.pending--
		if dep.pending == 0 && e.started {
			e.send(ctx, dep)
		}
	}
}

// Done reports whether every command reached a terminal outcome.
func (e *Engine) Done() bool { return e.open == 0 }

// Result snapshots the outcomes. Commands not yet settled have a zero Outcome.
func (e *Engine) Result() Result {
	r := Result{Outcomes: make(map[uuid.UUID]Outcome, len(e.order))}
	for _, id := range e.order {
		en := e.entries[id]
		r.Commands = append(r.Commands, en.cmd)
		r.Outcomes[id] = en.outcome
	}
	return r
}

// Abandon cancels every pending timer and fails the open commands.
func (e *Engine) Abandon(ctx context.Context, reason string) {
	for _, id := range e.order {
		en := e.entries[id]
		if en.state == stateDone {
			continue
		}
		if en.state == stateInFlight {
			e.timers.Cancel(id)
		}
		e.complete(ctx, en, Failed(reason))
	}
}
