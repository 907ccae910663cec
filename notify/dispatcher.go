package notify

import (
	"context"
	"sync"
	"sync/atomic"

	flowhs "github.com/goliatone/go-flowhs"
)

// Topics carried by the Dispatcher.
const (
	TopicHistory    = "history"
	TopicNorthbound = "northbound"
	TopicMetrics    = "metrics"
)

// Handler consumes one event payload: a HistoryRecord, Response or Measurement.
type Handler func(ctx context.Context, payload any)

type envelope struct {
	ctx     context.Context
	topic   string
	payload any
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 1024

// Dispatcher is a fire-and-forget Notifier. Events are queued and fanned
// out to the subscribers of their topic by a single worker; a full queue
// drops the event instead of blocking the saga.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*subs

	// stateMu guards closed and sends on queue; the worker never takes it.
	stateMu sync.RWMutex
	queue   chan envelope
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	logger  flowhs.Logger
	recover func(funcName string, fields ...map[string]any)
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan envelope, n)
		}
	}
}

func WithLogger(l flowhs.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = flowhs.NormalizeLogger(l)
	}
}

// NewDispatcher starts the delivery worker; Close stops it.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]*subs),
		queue:    make(chan envelope, DefaultQueueSize),
		done:     make(chan struct{}),
		logger:   flowhs.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.recover = flowhs.MakePanicHandler(flowhs.LoggerPanicHandler(d.logger))
	go d.run()
	return d
}

// Subscribe registers h for topic.
func (d *Dispatcher) Subscribe(topic string, h Handler) Subscription {
	s := &subs{dispatcher: d, topic: topic, handler: h}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], s)
	return s
}

func (d *Dispatcher) handlersFor(topic string) []*subs {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*subs(nil), d.handlers[topic]...)
}

func (d *Dispatcher) publish(ctx context.Context, topic string, payload any) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- envelope{ctx: context.WithoutCancel(ctx), topic: topic, payload: payload}:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropped %s event", topic)
	}
}

func (d *Dispatcher) History(ctx context.Context, rec HistoryRecord) {
	d.publish(ctx, TopicHistory, rec)
}

func (d *Dispatcher) Respond(ctx context.Context, resp Response) {
	d.publish(ctx, TopicNorthbound, resp)
}

func (d *Dispatcher) Observe(ctx context.Context, m Measurement) {
	d.publish(ctx, TopicMetrics, m)
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for env := range d.queue {
		if env.topic == flushTopic {
			close(env.payload.(chan struct{}))
			continue
		}
		for _, s := range d.handlersFor(env.topic) {
			d.deliver(s, env)
		}
	}
}

func (d *Dispatcher) deliver(s *subs, env envelope) {
	defer d.recover("notify.deliver", map[string]any{"topic": env.topic})
	s.handler(env.ctx, env.payload)
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.stateMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.stateMu.Unlock()
	<-d.done
}

// Flush waits until every event queued before the call is delivered.
func (d *Dispatcher) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	d.stateMu.RLock()
	if d.closed {
		d.stateMu.RUnlock()
		return nil
	}
	select {
	case d.queue <- envelope{ctx: ctx, topic: flushTopic, payload: marker}:
	case <-ctx.Done():
		d.stateMu.RUnlock()
		return ctx.Err()
	}
	d.stateMu.RUnlock()
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const flushTopic = "\x00flush"
