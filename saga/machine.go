package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/notify"
	"github.com/goliatone/go-flowhs/speaker"
)

// Saga is the handle the hub keeps for a running operation. Calls must be
// serialized by the owner.
type Saga interface {
	Key() string
	FlowID() string
	Operation() Operation
	State() State
	Err() error
	Start(ctx context.Context)
	Owns(id uuid.UUID) bool
	HandleResponse(ctx context.Context, resp speaker.Response) bool
	HandleTimeout(ctx context.Context, id uuid.UUID) bool
	Abandon(ctx context.Context, reason string)
}

// Listener is called once when a saga reaches a terminal state.
type Listener func(ctx context.Context, s Saga)

// MachineOption customizes a machine or coordinator at construction.
type MachineOption func(*core)

// WithListener registers the terminal state callback.
func WithListener(l Listener) MachineOption {
	return func(c *core) {
		c.listener = l
	}
}

// Nested marks a machine run by a coordinator: no northbound response.
func Nested() MachineOption {
	return func(c *core) {
		c.sc.Nested = true
	}
}

// core is the state every saga kind shares: the context, the running
// dispatch step and completion reporting.
type core struct {
	op       Operation
	deps     Deps
	sc       *Context
	state    State
	listener Listener
	logger   flowhs.Logger
	strategy ErrorStrategy
	started  bool
	finished bool
}

func newCore(op Operation, key, flowID string, deps Deps, opts []MachineOption) core {
	deps = deps.normalize()
	c := core{
		op:       op,
		deps:     deps,
		sc:       newContext(key, flowID, op),
		state:    StateInitialized,
		strategy: FailFastStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	c.logger = flowhs.WithLoggerFields(deps.Logger, map[string]any{
		"saga_key":  key,
		"flow_id":   flowID,
		"operation": string(op),
	})
	return c
}

func (c *core) Key() string          { return c.sc.Key }
func (c *core) FlowID() string       { return c.sc.FlowID }
func (c *core) Operation() Operation { return c.op }
func (c *core) State() State         { return c.state }
func (c *core) Err() error           { return c.sc.Err }

// Context exposes the saga state for coordinators and tests.
func (c *core) Context() *Context { return c.sc }

func (c *core) meta() map[string]any {
	return map[string]any{"flow_id": c.sc.FlowID, "operation": string(c.op), "state": string(c.state)}
}

// fire applies event and every follow-up event the actions return, then
// reports completion once a terminal state is reached.
func fire[M any](ctx context.Context, c *core, table Table[M], m M, self Saga, event Event) {
	for event != noEvent && !c.state.Terminal() {
		tr, ok := table.lookup(c.state, event)
		if !ok {
			c.logger.Warn("no transition from %s on %s", c.state, event)
			return
		}
		from := c.state
		c.state = tr.to
		c.logger.Debug("transition %s --%s--> %s", from, event, tr.to)
		c.history(ctx, from, event)

		event = noEvent
		if tr.action != nil {
			event = tr.action(ctx, m)
		}
	}
	if c.state.Terminal() {
		c.finish(ctx, self)
	}
}

// dispatch starts a step over batch. It returns the settle event when the
// batch finished without waiting, which is the case for empty batches.
func (c *core) dispatch(ctx context.Context, batch *speaker.Batch) Event {
	e := dispatch.NewEngine(batch, c.deps.Transport, c.deps.Timers,
		dispatch.WithTimeout(c.deps.Settings.SpeakerTimeout),
		dispatch.WithRetries(c.deps.Settings.SpeakerRetries),
		dispatch.WithLogger(c.logger),
		dispatch.WithObserver(c.observe),
	)
	c.sc.Engine = e
	c.sc.stepErr = nil
	if e.Start(ctx) {
		return c.settle()
	}
	return noEvent
}

func (c *core) settle() Event {
	res := c.sc.Engine.Result()
	c.sc.Engine = nil
	c.sc.Results[c.state] = res
	if res.Succeeded() {
		return EventResponseReceived
	}
	c.sc.stepErr = res.Err()
	for _, cmd := range res.Failed() {
		if res.Outcomes[cmd.ID].TimedOut {
			return EventTimeout
		}
	}
	return EventErrorReceived
}

func (c *core) observe(_ speaker.Command, out dispatch.Outcome) {
	c.sc.Commands[out.Kind]++
}

func (c *core) ownsStep(id uuid.UUID) bool {
	return c.sc.Engine != nil && c.sc.Engine.Owns(id)
}

// stepResponse feeds resp to the running step and returns the settle event
// once the step is done.
func (c *core) stepResponse(ctx context.Context, resp speaker.Response) (Event, bool) {
	e := c.sc.Engine
	if e == nil || !e.HandleResponse(ctx, resp) {
		return noEvent, false
	}
	if e.Done() {
		return c.settle(), true
	}
	return noEvent, true
}

func (c *core) stepTimeout(ctx context.Context, id uuid.UUID) (Event, bool) {
	e := c.sc.Engine
	if e == nil || !e.HandleTimeout(ctx, id) {
		return noEvent, false
	}
	if e.Done() {
		return c.settle(), true
	}
	return noEvent, true
}

// abandon fails the saga in place. Nothing is compensated.
func (c *core) abandon(ctx context.Context, self Saga, reason string) {
	if c.state.Terminal() {
		return
	}
	if e := c.sc.Engine; e != nil {
		e.Abandon(ctx, reason)
		c.sc.Engine = nil
	}
	c.sc.fail(flowhs.NewError(flowhs.ErrAbandoned, reason, c.meta()))
	c.logger.Warn("saga abandoned in %s: %s", c.state, reason)
	from := c.state
	c.state = StateFinishedWithError
	c.history(ctx, from, EventError)
	c.finish(ctx, self)
}

func (c *core) history(ctx context.Context, from State, event Event) {
	c.deps.Notifier.History(ctx, notify.HistoryRecord{
		Key:       c.sc.Key,
		FlowID:    c.sc.FlowID,
		Operation: string(c.op),
		State:     string(c.state),
		Message:   fmt.Sprintf("%s on %s", from, event),
		Time:      c.deps.Now(),
	})
}

func (c *core) finish(ctx context.Context, self Saga) {
	if c.finished {
		return
	}
	c.finished = true
	success := c.state == StateFinished
	if !success && c.sc.Err == nil {
		c.sc.Err = flowhs.NewError(flowhs.ErrIllegalState, "saga finished with error", c.meta())
	}
	if success {
		c.logger.Info("saga finished")
	} else {
		c.logger.Error("saga failed: %v", c.sc.Err)
	}

	commands := make(map[string]int, len(c.sc.Commands))
	for kind, n := range c.sc.Commands {
		commands[string(kind)] = n
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.deps.Notifier.Observe(ctx, notify.Measurement{
		Operation: string(c.op),
		Result:    result,
		Duration:  c.deps.Now().Sub(c.sc.StartedAt),
		Commands:  commands,
	})
	if !c.sc.Nested {
		c.deps.Notifier.Respond(ctx, responseOf(c.sc, c.op, success))
	}
	if c.listener != nil {
		c.listener(ctx, self)
	}
}

func responseOf(sc *Context, op Operation, success bool) notify.Response {
	resp := notify.Response{
		Key:       sc.Key,
		FlowID:    sc.FlowID,
		Operation: string(op),
		Success:   success,
	}
	if !success {
		resp.ErrorKind = flowhs.ErrorKindOf(sc.Err)
		resp.ErrorCode = flowhs.ErrorCode(sc.Err)
		resp.Message = flowhs.ErrorMessage(sc.Err)
		return resp
	}
	if sc.Target != nil {
		resp.Flow = sc.Target.Clone()
	}
	if len(sc.Mismatches) > 0 {
		resp.ErrorKind = flowhs.KindConsistency
		resp.Message = fmt.Sprintf("%d descriptors differ from the switches", len(sc.Mismatches))
		resp.Mismatches = make(map[string]string, len(sc.Mismatches))
		for k, v := range sc.Mismatches {
			resp.Mismatches[k] = v
		}
	}
	return resp
}

// hooks carry the operation specific parts of a machine.
type hooks struct {
	validate   func(ctx context.Context, m *Machine) error
	allocate   func(ctx context.Context, m *Machine) error
	release    func(ctx context.Context, m *Machine) error
	releaseOld func(ctx context.Context, m *Machine) error
}

// Machine runs one single-flow operation.
type Machine struct {
	core
	table Table[*Machine]
	hooks hooks
}

var _ Saga = (*Machine)(nil)

func newMachine(op Operation, key, flowID string, table Table[*Machine], h hooks, deps Deps, opts ...MachineOption) *Machine {
	return &Machine{
		core:  newCore(op, key, flowID, deps, opts),
		table: table,
		hooks: h,
	}
}

// Start fires the first NEXT. Later calls are ignored.
func (m *Machine) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	m.sc.StartedAt = m.deps.Now()
	m.fire(ctx, EventNext)
}

func (m *Machine) fire(ctx context.Context, event Event) {
	fire(ctx, &m.core, m.table, m, m, event)
}

func (m *Machine) Owns(id uuid.UUID) bool { return m.ownsStep(id) }

// HandleResponse feeds a speaker response to the running step.
func (m *Machine) HandleResponse(ctx context.Context, resp speaker.Response) bool {
	ev, ok := m.stepResponse(ctx, resp)
	if ok {
		m.fire(ctx, ev)
	}
	return ok
}

// HandleTimeout feeds an expired command deadline to the running step.
func (m *Machine) HandleTimeout(ctx context.Context, id uuid.UUID) bool {
	ev, ok := m.stepTimeout(ctx, id)
	if ok {
		m.fire(ctx, ev)
	}
	return ok
}

// Abandon terminates the machine without compensation.
func (m *Machine) Abandon(ctx context.Context, reason string) {
	m.abandon(ctx, m, reason)
}
