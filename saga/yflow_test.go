package saga

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/speaker"
)

var shared = model.FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 100}

func newYHarness(t *testing.T) *harness {
	h := newHarness(t)
	caps := h.deps.Capabilities.(staticLookup)
	caps["a"] = model.NewCapabilities("a", 8, append(allFeatures, model.FeatureMultiTable)...)
	return h
}

func subFlow(id string, inner uint16, dst model.FlowEndpoint) *model.Flow {
	src := shared
	src.InnerVlan = inner
	return &model.Flow{
		FlowID:        id,
		Src:           src,
		Dst:           dst,
		Encapsulation: model.EncapsulationVLAN,
		Bandwidth:     1000,
	}
}

func yflowRequest() YFlowCreateRequest {
	return YFlowCreateRequest{
		YFlow: &model.YFlow{YFlowID: "y1", SharedEndpoint: shared, Bandwidth: 5000},
		SubFlows: []*model.Flow{
			subFlow("s1", 10, model.FlowEndpoint{SwitchID: "c", Port: 2, OuterVlan: 200}),
			subFlow("s2", 20, model.FlowEndpoint{SwitchID: "d", Port: 3, OuterVlan: 300}),
		},
	}
}

func sharedMeterKey(y *model.YFlow) string {
	return rule.Meter{SwitchID: y.SharedEndpoint.SwitchID, MeterID: y.SharedEndpointMeter}.Key()
}

func (h *harness) provisionYFlow() *model.YFlow {
	h.t.Helper()
	c := NewYFlowCreate(yflowRequest(), h.deps)
	h.run(c)
	require.Equal(h.t, StateFinished, c.State(), "y-flow create failed: %v", c.Err())
	y, err := h.store.GetYFlow(h.ctx, "y1")
	require.NoError(h.t, err)
	return y
}

func TestYFlowCreate(t *testing.T) {
	h := newYHarness(t)
	y := h.provisionYFlow()

	assert.Equal(t, []string{"s1", "s2"}, y.SubFlows)
	assert.Equal(t, model.FlowStatusUp, y.Status)
	require.NotZero(t, y.SharedEndpointMeter)
	assert.True(t, h.agent.Has("a", sharedMeterKey(y)))

	for _, id := range y.SubFlows {
		f, err := h.store.Get(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "y1", f.YFlowID)
		assert.Equal(t, model.FlowStatusUp, f.Status)
	}

	h.events.mu.Lock()
	var answered []string
	for _, r := range h.events.responses {
		answered = append(answered, r.FlowID)
	}
	h.events.mu.Unlock()
	assert.Equal(t, []string{"y1"}, answered, "members answer only to the coordinator")
	assert.True(t, h.lastResponse().Success)
}

func TestYFlowCreateRevertsWhenMemberFails(t *testing.T) {
	h := newYHarness(t)
	h.alloc.Inject(resource.Fault{FlowID: "s2", Step: resource.StepPaths, Err: errors.New("no route")})

	c := NewYFlowCreate(yflowRequest(), h.deps)
	h.run(c)

	require.Equal(t, StateFinishedWithError, c.State())
	assert.True(t, flowhs.HasCode(c.Err(), flowhs.CodeResourceAllocation))

	_, err := h.store.GetYFlow(h.ctx, "y1")
	assert.True(t, flowhs.HasCode(err, flowhs.CodeFlowNotFound))
	for _, id := range []string{"s1", "s2"} {
		_, err := h.store.Get(h.ctx, id)
		assert.True(t, flowhs.HasCode(err, flowhs.CodeFlowNotFound), id)
	}
	assert.Zero(t, h.agent.Total())
	for kind, n := range h.alloc.Usage() {
		assert.Zero(t, n, "%s leaked", kind)
	}
	assert.Contains(t, h.events.states("y1"), string(StateRevertNew))
}

func TestYFlowUpdateWaitsForMembersAndKeepsSharedMeter(t *testing.T) {
	h := newYHarness(t)
	y := h.provisionYFlow()
	meterKey := sharedMeterKey(y)
	before := len(h.agent.Received())

	h.alloc.Inject(resource.Fault{FlowID: "s2", Step: resource.StepPaths, Err: errors.New("no route")})
	req := yflowRequest()
	req.YFlow.Bandwidth = 6000
	c := NewYFlowUpdate(YFlowUpdateRequest{YFlow: req.YFlow, SubFlows: req.SubFlows}, h.deps)
	h.run(c)

	require.Equal(t, StateFinishedWithError, c.State())
	assert.True(t, flowhs.HasCode(c.Err(), flowhs.CodeResourceAllocation))

	members := c.Members()
	require.GreaterOrEqual(t, len(members), 2)
	assert.Equal(t, StateFinished, members[0].State(), "s1 completes its update")
	assert.Equal(t, StateFinishedWithError, members[1].State())

	// the coordinator only reverts once s1 settled
	h.events.mu.Lock()
	s1Done, revert := -1, -1
	for i, rec := range h.events.history {
		if rec.FlowID == "s1" && rec.Operation == string(OpUpdate) && rec.State == string(StateFinished) && s1Done < 0 {
			s1Done = i
		}
		if rec.FlowID == "y1" && rec.State == string(StateRevertNew) && rec.Operation == string(OpYFlowUpdate) {
			revert = i
		}
	}
	h.events.mu.Unlock()
	require.GreaterOrEqual(t, s1Done, 0)
	require.GreaterOrEqual(t, revert, 0)
	assert.Less(t, s1Done, revert)

	for _, cmd := range h.agent.Received()[before:] {
		if cmd.Kind == speaker.KindDelete {
			assert.NotEqual(t, meterKey, cmd.Payload.Key(), "the shared meter is never deleted by an update")
		}
	}
	require.True(t, h.agent.Has("a", meterKey))
	for _, p := range h.agent.Installed("a") {
		if m, ok := p.Meter(); ok && p.Key() == meterKey {
			assert.Equal(t, int64(5000), m.Rate, "the rate is restored")
		}
	}

	stored, err := h.store.GetYFlow(h.ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), stored.Bandwidth)
	s2, err := h.store.Get(h.ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusUp, s2.Status)
}

func TestYFlowUpdateMeterOnly(t *testing.T) {
	h := newYHarness(t)
	y := h.provisionYFlow()

	c := NewYFlowUpdate(YFlowUpdateRequest{YFlow: &model.YFlow{YFlowID: "y1", Bandwidth: 7000}}, h.deps)
	h.run(c)
	require.Equal(t, StateFinished, c.State(), "err: %v", c.Err())
	assert.Empty(t, c.Members())

	stored, err := h.store.GetYFlow(h.ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), stored.Bandwidth)
	assert.Equal(t, y.SharedEndpointMeter, stored.SharedEndpointMeter)
	modified := 0
	for _, cmd := range h.sent(speaker.KindModify) {
		if cmd.Payload.Key() == sharedMeterKey(y) {
			modified++
		}
	}
	assert.Equal(t, 1, modified)
}

func TestYFlowUpdateRejectsForeignSubFlow(t *testing.T) {
	h := newYHarness(t)
	h.provisionYFlow()

	c := NewYFlowUpdate(YFlowUpdateRequest{
		YFlow:    &model.YFlow{YFlowID: "y1", SharedEndpoint: shared, Bandwidth: 5000},
		SubFlows: []*model.Flow{subFlow("other", 30, model.FlowEndpoint{SwitchID: "c", Port: 9})},
	}, h.deps)
	h.run(c)
	assert.True(t, flowhs.HasCode(c.Err(), flowhs.CodeValidation))
}

func TestYFlowDeleteRemovesSharedDescriptorsLast(t *testing.T) {
	h := newYHarness(t)
	h.provisionYFlow()

	c := NewYFlowDelete(YFlowDeleteRequest{YFlowID: "y1"}, h.deps)
	h.run(c)
	require.Equal(t, StateFinished, c.State(), "err: %v", c.Err())

	assert.Zero(t, h.agent.Total())
	_, err := h.store.GetYFlow(h.ctx, "y1")
	assert.True(t, flowhs.HasCode(err, flowhs.CodeFlowNotFound))
	for kind, n := range h.alloc.Usage() {
		assert.Zero(t, n, "%s leaked", kind)
	}
}

func TestYFlowDeleteKeepsSharedMeterWhileMembersRemain(t *testing.T) {
	h := newYHarness(t)
	y := h.provisionYFlow()
	h.agent.Inject(&speaker.Fault{Match: speaker.OnSwitch("d"), ErrorKind: speaker.ErrorSwitchUnavailable})

	c := NewYFlowDelete(YFlowDeleteRequest{YFlowID: "y1"}, h.deps)
	h.run(c)
	require.Equal(t, StateFinishedWithError, c.State())

	assert.True(t, h.agent.Has("a", sharedMeterKey(y)))
	_, err := h.store.Get(h.ctx, "s2")
	assert.NoError(t, err)
	_, err = h.store.GetYFlow(h.ctx, "y1")
	assert.NoError(t, err)
}

func TestSubFlowValidationUsesSharedMeter(t *testing.T) {
	h := newYHarness(t)
	h.provisionYFlow()

	m := NewValidate(ValidateRequest{FlowID: "s1"}, h.deps)
	h.run(m)
	require.Equal(t, StateFinished, m.State(), "err: %v", m.Err())
	assert.Empty(t, m.Context().Mismatches)
}

func TestYFlowAbandonStopsMembers(t *testing.T) {
	h := newYHarness(t)
	c := NewYFlowCreate(yflowRequest(), h.deps)
	c.Start(h.ctx)
	require.Equal(t, StateInstallNew, c.State())
	h.pump(c)

	c2 := NewYFlowDelete(YFlowDeleteRequest{YFlowID: "y1"}, h.deps)
	c2.Start(h.ctx)
	require.Equal(t, StateSubFlowsRunning, c2.State())
	c2.Abandon(h.ctx, "shutdown")

	assert.Equal(t, StateFinishedWithError, c2.State())
	for _, mem := range c2.Members() {
		assert.True(t, mem.State().Terminal())
	}
	assert.True(t, flowhs.HasCode(c2.Err(), flowhs.CodeAbandoned))
}
