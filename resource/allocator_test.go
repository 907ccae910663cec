package resource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

func triangle() *StaticRoutes {
	return NewStaticRoutes().
		Add(model.PathSegment{SrcSwitch: "a", SrcPort: 10, DstSwitch: "b", DstPort: 20},
			model.PathSegment{SrcSwitch: "b", SrcPort: 21, DstSwitch: "c", DstPort: 30}).
		Add(model.PathSegment{SrcSwitch: "a", SrcPort: 11, DstSwitch: "c", DstPort: 31})
}

func testFlow(id string) *model.Flow {
	return &model.Flow{
		FlowID:        id,
		Src:           model.FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 100},
		Dst:           model.FlowEndpoint{SwitchID: "c", Port: 2},
		Encapsulation: model.EncapsulationVLAN,
		Bandwidth:     1000,
	}
}

func TestAllocateReservesPathsCookieMetersAndVlans(t *testing.T) {
	caps := model.SwitchCapabilities{"a": model.NewCapabilities("a", 8, model.FeatureMultiTable)}
	alloc := NewMemoryAllocator(triangle(), WithVlanPool(200, 210))

	flow := testFlow("f1")
	flow.AllocateProtected = true
	res, err := alloc.Allocate(context.Background(), flow, caps)
	require.NoError(t, err)

	require.Len(t, res.Paths(), 4)
	assert.Len(t, res.Forward.Segments, 2)
	assert.Len(t, res.ProtectedForward.Segments, 1, "protected path avoids the primary links")
	assert.True(t, res.Forward.SrcMultiTable)
	assert.False(t, res.Forward.DstMultiTable)
	assert.Equal(t, model.SwitchID("c"), res.Reverse.SrcSwitch)
	assert.NoError(t, res.Reverse.ValidateChain())

	assert.True(t, res.Forward.Cookie.IsForward())
	assert.True(t, res.Reverse.Cookie.IsReverse())
	assert.Equal(t, res.Forward.Cookie.EffectiveID(), res.Reverse.Cookie.EffectiveID())
	assert.NotEqual(t, res.Forward.Cookie.EffectiveID(), res.ProtectedForward.Cookie.EffectiveID())
	assert.Equal(t, res.ProtectedCookie, res.ProtectedReverse.Cookie.EffectiveID())

	assert.Len(t, res.Meters, 4)
	assert.Equal(t, model.MeterID(32), res.Forward.MeterID)
	assert.Equal(t, model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 200}, res.Forward.Encapsulation)

	usage := alloc.Usage()
	assert.Equal(t, 2, usage["cookie"])
	assert.Equal(t, 4, usage["vlan"])

	require.NoError(t, alloc.Release(context.Background(), res))
	for kind, n := range alloc.Usage() {
		assert.Zero(t, n, kind)
	}
}

func TestAllocateCompensatesOnFailure(t *testing.T) {
	alloc := NewMemoryAllocator(triangle(), WithVlanPool(200, 201))

	// two paths consume the whole vlan pool of the first flow
	first, err := alloc.Allocate(context.Background(), testFlow("f1"), nil)
	require.NoError(t, err)

	_, err = alloc.Allocate(context.Background(), testFlow("f2"), nil)
	require.Error(t, err)
	assert.True(t, flowhs.HasCode(err, flowhs.CodeResourceAllocation))

	usage := alloc.Usage()
	assert.Equal(t, 1, usage["cookie"], "failed allocation returned its cookie")
	assert.Equal(t, 2, usage["meter"])

	require.NoError(t, alloc.Release(context.Background(), first))
	_, err = alloc.Allocate(context.Background(), testFlow("f2"), nil)
	assert.NoError(t, err)
}

func TestAllocateOneSwitchAndVxlan(t *testing.T) {
	alloc := NewMemoryAllocator(triangle())

	flow := testFlow("single")
	flow.Dst = model.FlowEndpoint{SwitchID: "a", Port: 5}
	res, err := alloc.Allocate(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.True(t, res.Forward.OneSwitch)
	assert.Empty(t, res.Encapsulations)

	flow = testFlow("vx")
	flow.Encapsulation = model.EncapsulationVXLAN
	res, err = alloc.Allocate(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, model.EncapsulationVXLAN, res.Forward.Encapsulation.Type)
	assert.GreaterOrEqual(t, res.Forward.Encapsulation.Value, uint32(4096))
}

func TestAllocateKeepsEndpointMirrorPoints(t *testing.T) {
	alloc := NewMemoryAllocator(triangle())
	flow := testFlow("m")
	flow.ForwardPath = &model.FlowPath{
		MirrorPoints: []model.MirrorPoint{
			{ID: "keep", MirrorSwitch: "a", MirrorGroup: 7},
			{ID: "drop", MirrorSwitch: "b", MirrorGroup: 8},
		},
	}

	res, err := alloc.Allocate(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Len(t, res.Forward.MirrorPoints, 1)
	assert.Equal(t, "keep", res.Forward.MirrorPoints[0].ID)
}

func TestInjectedFaults(t *testing.T) {
	boom := errors.New("boom")
	alloc := NewMemoryAllocator(triangle())
	alloc.Inject(Fault{FlowID: "f1", Step: StepMeters, Times: 1, Err: boom})

	_, err := alloc.Allocate(context.Background(), testFlow("f1"), nil)
	require.ErrorIs(t, err, boom)

	_, err = alloc.Allocate(context.Background(), testFlow("f2"), nil)
	require.NoError(t, err, "fault is scoped to f1")

	_, err = alloc.Allocate(context.Background(), testFlow("f1"), nil)
	require.NoError(t, err, "fault was spent")
}

func TestNoRoute(t *testing.T) {
	alloc := NewMemoryAllocator(NewStaticRoutes())
	_, err := alloc.Allocate(context.Background(), testFlow("f"), nil)
	require.Error(t, err)
	assert.Equal(t, flowhs.KindInternal, flowhs.ErrorKindOf(err))
	assert.True(t, flowhs.HasCode(err, flowhs.CodeResourceAllocation))
}

func TestFromFlowRoundTrip(t *testing.T) {
	alloc := NewMemoryAllocator(triangle())
	flow := testFlow("f")
	res, err := alloc.Allocate(context.Background(), flow, nil)
	require.NoError(t, err)
	res.ApplyTo(flow)

	held := FromFlow(flow)
	assert.Equal(t, res.Cookie, held.Cookie)
	assert.ElementsMatch(t, res.Meters, held.Meters)
	assert.ElementsMatch(t, res.Encapsulations, held.Encapsulations)

	require.NoError(t, alloc.Release(context.Background(), held))
	assert.Zero(t, alloc.Usage()["cookie"])
}

func TestRunStepsRecordsCompensationErrors(t *testing.T) {
	var order []string
	steps := []Step{
		{
			Name:     "one",
			Allocate: func(context.Context) error { order = append(order, "+one"); return nil },
			Release:  func(context.Context) error { order = append(order, "-one"); return errors.New("stuck") },
		},
		{
			Name:     "two",
			Allocate: func(context.Context) error { order = append(order, "+two"); return nil },
			Release:  func(context.Context) error { order = append(order, "-two"); return nil },
		},
		{
			Name:     "three",
			Allocate: func(context.Context) error { return errors.New("exhausted") },
		},
	}

	err := RunSteps(context.Background(), steps)
	require.Error(t, err)
	assert.Equal(t, []string{"+one", "+two", "-two", "-one"}, order)
	assert.True(t, flowhs.HasCode(err, flowhs.CodeResourceAllocation))
}
