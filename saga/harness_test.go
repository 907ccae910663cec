package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/notify"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/speaker"
	"github.com/goliatone/go-flowhs/store"
)

type staticLookup model.SwitchCapabilities

func (s staticLookup) Lookup(_ context.Context, switches ...model.SwitchID) (model.SwitchCapabilities, error) {
	out := model.SwitchCapabilities{}
	for _, sw := range switches {
		out[sw] = model.SwitchCapabilities(s).Of(sw)
	}
	return out, nil
}

type recorder struct {
	mu        sync.Mutex
	history   []notify.HistoryRecord
	responses []notify.Response
	samples   []notify.Measurement
}

func (r *recorder) History(_ context.Context, rec notify.HistoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
}

func (r *recorder) Respond(_ context.Context, resp notify.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *recorder) Observe(_ context.Context, m notify.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, m)
}

func (r *recorder) states(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, h := range r.history {
		if h.Key == key {
			out = append(out, h.State)
		}
	}
	return out
}

// harness runs sagas step by step: commands queue until pump hands them to
// the agent, dropped commands expire through the manual timers.
type harness struct {
	t      *testing.T
	ctx    context.Context
	agent  *speaker.MemoryAgent
	timers *dispatch.ManualTimers
	store  *store.Memory
	alloc  *resource.MemoryAllocator
	events *recorder
	queue  []speaker.Command
	deps   Deps
}

var allFeatures = []model.Feature{model.FeatureMeters, model.FeatureGroups, model.FeatureResetCountsFlag}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		agent:  speaker.NewMemoryAgent(),
		timers: dispatch.NewManualTimers(),
		store:  store.NewMemory(),
		events: &recorder{},
	}
	routes := resource.NewStaticRoutes().
		Add(model.PathSegment{SrcSwitch: "a", SrcPort: 10, DstSwitch: "b", DstPort: 20},
			model.PathSegment{SrcSwitch: "b", SrcPort: 21, DstSwitch: "c", DstPort: 30}).
		Add(model.PathSegment{SrcSwitch: "a", SrcPort: 11, DstSwitch: "c", DstPort: 31}).
		Add(model.PathSegment{SrcSwitch: "a", SrcPort: 12, DstSwitch: "d", DstPort: 40})
	h.alloc = resource.NewMemoryAllocator(routes, resource.WithVlanPool(200, 299))

	caps := staticLookup{}
	for _, sw := range []model.SwitchID{"a", "b", "c", "d"} {
		caps[sw] = model.NewCapabilities(sw, 8, allFeatures...)
	}
	settings := DefaultSettings()
	settings.SpeakerRetries = 3
	settings.SpeakerTimeout = time.Second
	settings.AllocationRetries = 2

	h.deps = Deps{
		Store:        h.store,
		Allocator:    h.alloc,
		Capabilities: caps,
		Transport: speaker.TransportFunc(func(_ context.Context, cmd speaker.Command) error {
			h.queue = append(h.queue, cmd)
			return nil
		}),
		Timers:   h.timers,
		Notifier: h.events,
	}
	h.deps.Settings = settings
	return h
}

// pump delivers queued commands and fires armed timers until s settles.
func (h *harness) pump(s Saga) {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		if len(h.queue) > 0 {
			cmd := h.queue[0]
			h.queue = h.queue[1:]
			if resp, ok := h.agent.Handle(h.ctx, cmd); ok {
				s.HandleResponse(h.ctx, resp)
			}
			continue
		}
		if s.State().Terminal() {
			return
		}
		armed := h.timers.Armed()
		if len(armed) == 0 {
			return
		}
		s.HandleTimeout(h.ctx, armed[0])
	}
	h.t.Fatalf("saga %s did not settle", s.Key())
}

func (h *harness) run(s Saga) {
	h.t.Helper()
	s.Start(h.ctx)
	h.pump(s)
	require.True(h.t, s.State().Terminal(), "saga stuck in %s", s.State())
}

func (h *harness) lastResponse() notify.Response {
	h.t.Helper()
	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.NotEmpty(h.t, h.events.responses)
	return h.events.responses[len(h.events.responses)-1]
}

// sent lists the commands of kind the agent received.
func (h *harness) sent(kind speaker.Kind) []speaker.Command {
	var out []speaker.Command
	for _, c := range h.agent.Received() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func newFlow(id string) *model.Flow {
	return &model.Flow{
		FlowID:        id,
		Src:           model.FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 100},
		Dst:           model.FlowEndpoint{SwitchID: "c", Port: 2, OuterVlan: 200},
		Encapsulation: model.EncapsulationVLAN,
		Bandwidth:     1000,
	}
}

// provision creates flow and fails the test unless it is up.
func (h *harness) provision(flow *model.Flow) *model.Flow {
	h.t.Helper()
	m := NewCreate(CreateRequest{Flow: flow}, h.deps)
	h.run(m)
	require.Equal(h.t, StateFinished, m.State(), "create failed: %v", m.Err())
	stored, err := h.store.Get(h.ctx, flow.FlowID)
	require.NoError(h.t, err)
	return stored
}

// ruleSet compiles what the switches should hold for flow.
func (h *harness) ruleSet(flow *model.Flow) rule.RuleSet {
	h.t.Helper()
	m := NewValidate(ValidateRequest{FlowID: flow.FlowID}, h.deps)
	rs, err := m.installSet(h.ctx, flow)
	require.NoError(h.t, err)
	return rs
}

func (h *harness) assertInstalled(rs rule.RuleSet) {
	h.t.Helper()
	for _, r := range rs.Rules {
		assert.True(h.t, h.agent.Has(r.SwitchID, r.Key()), "%s missing", r.Key())
	}
	for _, m := range rs.Meters {
		assert.True(h.t, h.agent.Has(m.SwitchID, m.Key()), "%s missing", m.Key())
	}
	for _, g := range rs.Groups {
		assert.True(h.t, h.agent.Has(g.SwitchID, g.Key()), "%s missing", g.Key())
	}
}
