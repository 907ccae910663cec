package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/saga"
	"github.com/goliatone/go-flowhs/speaker"
)

type ctxKey struct{}

func withKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

func keyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ctxKey{}).(string)
	return key, ok && key != ""
}

type Option func(*Hub)

func WithLogger(l flowhs.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithFlowIDPrefix sets the prefix of generated flow ids.
func WithFlowIDPrefix(prefix string) Option {
	return func(h *Hub) {
		h.prefix = prefix
	}
}

func WithRegistry(r *Registry) Option {
	return func(h *Hub) {
		if r != nil {
			h.registry = r
		}
	}
}

// Hub accepts northbound requests, runs one saga per flow or y-flow and
// routes speaker responses and command timeouts back to the saga that sent
// the command. Events of one key are handled one at a time.
type Hub struct {
	deps     saga.Deps
	registry *Registry
	locks    *KeyLocker
	logger   flowhs.Logger
	prefix   string
	// timers is set when the hub owns the command clock.
	timers *dispatch.ClockTimers

	mu     sync.Mutex
	routes map[uuid.UUID]string
	sent   map[string][]uuid.UUID
}

// New builds a hub around deps. Without deps.Timers the hub runs its own
// clock and feeds expirations into HandleTimeout. The transport must deliver
// responses asynchronously.
func New(deps saga.Deps, opts ...Option) (*Hub, error) {
	h := &Hub{
		registry: NewRegistry(),
		locks:    NewKeyLocker(),
		prefix:   "flow-",
		routes:   make(map[uuid.UUID]string),
		sent:     make(map[string][]uuid.UUID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = deps.Logger
	}
	h.logger = flowhs.NormalizeLogger(h.logger)

	if deps.Timers == nil {
		h.timers = dispatch.NewClockTimers(h.expire)
		deps.Timers = h.timers
	}
	if deps.Transport != nil {
		deps.Transport = h.recording(deps.Transport)
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	h.deps = deps
	return h, nil
}

func (h *Hub) Registry() *Registry { return h.registry }

// recording remembers which key sent every command.
func (h *Hub) recording(next speaker.Transport) speaker.Transport {
	return speaker.TransportFunc(func(ctx context.Context, cmd speaker.Command) error {
		if key, ok := keyFrom(ctx); ok {
			h.mu.Lock()
			if _, seen := h.routes[cmd.ID]; !seen {
				h.routes[cmd.ID] = key
				h.sent[key] = append(h.sent[key], cmd.ID)
			}
			h.mu.Unlock()
		}
		return next.Send(ctx, cmd)
	})
}

func (h *Hub) keyOf(id uuid.UUID) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := h.routes[id]
	return key, ok
}

func (h *Hub) forget(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.sent[key] {
		delete(h.routes, id)
	}
	delete(h.sent, key)
}

func (h *Hub) expire(id uuid.UUID) {
	defer flowhs.MakePanicHandler(flowhs.LoggerPanicHandler(h.logger))("Hub.expire",
		map[string]any{"command_id": id.String()})
	h.HandleTimeout(context.Background(), id)
}

// HandleResponse hands resp to the saga that sent the command. Responses of
// finished sagas and unknown commands are dropped.
func (h *Hub) HandleResponse(ctx context.Context, resp speaker.Response) bool {
	key, ok := h.keyOf(resp.CommandID)
	if !ok {
		h.logger.Debug("response %s matches no running operation", resp.CommandID)
		return false
	}
	return h.withSaga(key, func(s saga.Saga) bool {
		return s.HandleResponse(withKey(ctx, key), resp)
	})
}

// HandleTimeout reports an expired command deadline to its saga.
func (h *Hub) HandleTimeout(ctx context.Context, id uuid.UUID) bool {
	key, ok := h.keyOf(id)
	if !ok {
		return false
	}
	return h.withSaga(key, func(s saga.Saga) bool {
		return s.HandleTimeout(withKey(ctx, key), id)
	})
}

func (h *Hub) withSaga(key string, fn func(saga.Saga) bool) bool {
	unlock := h.locks.Lock(key)
	defer unlock()
	s, ok := h.registry.Lookup(key)
	if !ok || s.Key() != key || s.State().Terminal() {
		return false
	}
	return fn(s)
}

// State reports the state of the saga running under key.
func (h *Hub) State(key string) (saga.State, bool) {
	unlock := h.locks.Lock(key)
	defer unlock()
	s, ok := h.registry.Lookup(key)
	if !ok || s.Key() != key {
		return "", false
	}
	return s.State(), true
}

// finished is the listener of every top level saga.
func (h *Hub) finished(_ context.Context, s saga.Saga) {
	h.registry.Unregister(s.Key())
	h.forget(s.Key())
	h.logger.Debug("operation %s on %s finished in %s", s.Operation(), s.Key(), s.State())
}

// start registers the saga built by build under key and runs its first
// steps. The key stays locked until Start returns.
func (h *Hub) start(ctx context.Context, msg flowhs.Message, key string, aliases []string,
	build func(opts ...saga.MachineOption) saga.Saga) (string, error) {
	if err := flowhs.ValidateMessage(msg); err != nil {
		return "", err
	}

	unlock := h.locks.Lock(key)
	defer unlock()

	s := build(saga.WithListener(h.finished))
	if err := h.registry.Register(key, aliases, s); err != nil {
		h.logger.Warn("%s on %s rejected: %v", msg.Type(), key, err)
		return "", err
	}
	h.logger.Info("%s on %s started", msg.Type(), key)
	s.Start(withKey(ctx, key))
	return key, nil
}

// HandleNotCompleted stops accepting requests and abandons every running
// saga without compensation. It returns how many sagas were abandoned.
func (h *Hub) HandleNotCompleted(ctx context.Context, reason string) int {
	h.registry.Deactivate(nil)
	abandoned := 0
	for _, s := range h.registry.snapshot() {
		unlock := h.locks.Lock(s.Key())
		if !s.State().Terminal() {
			h.logger.Warn("abandoning %s on %s in %s: %s", s.Operation(), s.Key(), s.State(), reason)
			s.Abandon(withKey(ctx, s.Key()), reason)
			abandoned++
		}
		h.registry.Unregister(s.Key())
		h.forget(s.Key())
		unlock()
	}
	return abandoned
}

// Shutdown drains running sagas until ctx is done and abandons what is left.
func (h *Hub) Shutdown(ctx context.Context) error {
	err := h.registry.Drain(ctx)
	if err != nil {
		h.HandleNotCompleted(context.WithoutCancel(ctx), "shutdown")
	}
	h.Close()
	return err
}

// Close stops the command clock owned by the hub.
func (h *Hub) Close() {
	if h.timers != nil {
		h.timers.Stop()
	}
}
