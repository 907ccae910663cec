package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowhs "github.com/goliatone/go-flowhs"
)

func TestCookieTags(t *testing.T) {
	fwd := NewCookie(0x1234, true)
	rev := fwd.Opposite()

	assert.True(t, fwd.IsForward())
	assert.True(t, rev.IsReverse())
	assert.False(t, rev.IsForward())
	assert.Equal(t, uint32(0x1234), rev.EffectiveID())
	assert.Equal(t, fwd, rev.Opposite())

	tagged := fwd.Looped().Mirror().YFlow()
	assert.True(t, tagged.IsLooped())
	assert.True(t, tagged.IsMirror())
	assert.True(t, tagged.IsYFlow())
	assert.Equal(t, fwd, tagged.Plain())
	assert.Equal(t, "0x4000000000001234", fwd.String())

	shared := SharedSegmentCookie(7, 100)
	assert.True(t, shared.IsSharedSegment())
	assert.NotEqual(t, shared, SharedSegmentCookie(7, 101))
	assert.NotEqual(t, shared, SharedSegmentCookie(8, 100))
}

func TestCapabilities(t *testing.T) {
	c := NewCapabilities("sw1", 8, FeatureMultiTable, FeatureMeters, FeatureMeters)

	assert.True(t, c.Has(FeatureMeters))
	assert.False(t, c.Has(FeatureGroups))
	assert.Equal(t, []Feature{FeatureMeters, FeatureMultiTable}, c.Features())
	assert.Equal(t, []Feature{FeatureGroups, FeatureResetCountsFlag},
		c.Missing(FeatureResetCountsFlag, FeatureMeters, FeatureGroups))
	assert.False(t, c.SupportsVxlanPushPop())
	assert.True(t, NewCapabilities("sw1", 8, FeatureKildaOvsPushPopMatchVxlan).SupportsVxlanPushPop())

	assert.True(t, c.Equal(NewCapabilities("sw1", 8, FeatureMeters, FeatureMultiTable)))
	assert.False(t, c.Equal(NewCapabilities("sw1", 4, FeatureMeters, FeatureMultiTable)))

	var zero Capabilities
	assert.Nil(t, zero.Features())
	assert.Equal(t, []Feature{FeatureMeters}, zero.Missing(FeatureMeters))
	assert.True(t, zero.Equal(Capabilities{}))

	all := SwitchCapabilities{"sw1": c}
	assert.True(t, all.Of("sw1").Has(FeatureMultiTable))
	unknown := all.Of("sw9")
	assert.Equal(t, SwitchID("sw9"), unknown.SwitchID)
	assert.Empty(t, unknown.Features())
}

func TestEndpointValidation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		ep    FlowEndpoint
		valid bool
	}{
		{name: "untagged", ep: FlowEndpoint{SwitchID: "a", Port: 1}, valid: true},
		{name: "qinq", ep: FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 10, InnerVlan: 20}, valid: true},
		{name: "missing switch", ep: FlowEndpoint{Port: 1}},
		{name: "vlan out of range", ep: FlowEndpoint{SwitchID: "a", OuterVlan: 4096}},
		{name: "inner without outer", ep: FlowEndpoint{SwitchID: "a", InnerVlan: 5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ep.Validate()
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, flowhs.HasCode(err, flowhs.CodeValidation))
		})
	}

	qinq := FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 10, InnerVlan: 20}
	assert.Equal(t, []int{20, 10}, qinq.VlanStack())
	assert.True(t, qinq.SamePortVlan(FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 10, InnerVlan: 30}))
	assert.Equal(t, "a:1:10:20", qinq.String())
}

func validFlow() *Flow {
	return &Flow{
		FlowID:        "f1",
		Src:           FlowEndpoint{SwitchID: "a", Port: 1, OuterVlan: 100},
		Dst:           FlowEndpoint{SwitchID: "c", Port: 2, OuterVlan: 200},
		Encapsulation: EncapsulationVLAN,
		Bandwidth:     1000,
	}
}

func TestFlowValidate(t *testing.T) {
	require.NoError(t, validFlow().Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Flow)
	}{
		{name: "no id", mutate: func(f *Flow) { f.FlowID = "" }},
		{name: "bad encapsulation", mutate: func(f *Flow) { f.Encapsulation = "GRE" }},
		{name: "negative bandwidth", mutate: func(f *Flow) { f.Bandwidth = -1 }},
		{name: "identical endpoints", mutate: func(f *Flow) { f.Dst = f.Src }},
		{name: "loop off the endpoints", mutate: func(f *Flow) { f.LoopSwitch = "b" }},
		{name: "bad endpoint", mutate: func(f *Flow) { f.Dst.OuterVlan, f.Dst.InnerVlan = 0, 3 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := validFlow()
			tc.mutate(f)
			assert.True(t, flowhs.HasCode(f.Validate(), flowhs.CodeValidation))
		})
	}
}

func TestFlowPathChain(t *testing.T) {
	p := &FlowPath{
		PathID:    "p1",
		SrcSwitch: "a",
		DstSwitch: "c",
		Segments: []PathSegment{
			{SrcSwitch: "b", SrcPort: 21, DstSwitch: "c", DstPort: 30, SeqID: 1},
			{SrcSwitch: "a", SrcPort: 10, DstSwitch: "b", DstPort: 20, SeqID: 0},
		},
		MirrorPoints: []MirrorPoint{{ID: "m1", MirrorSwitch: "d"}},
	}
	require.NoError(t, p.ValidateChain())
	assert.Equal(t, []SwitchID{"a", "b", "c", "d"}, p.Switches())

	mp, ok := p.MirrorPointOn("d")
	require.True(t, ok)
	assert.Equal(t, "m1", mp.ID)

	broken := p.Clone()
	broken.Segments[0].SrcSwitch = "x"
	assert.True(t, flowhs.HasCode(broken.ValidateChain(), flowhs.CodeIllegalState))
	assert.Equal(t, SwitchID("b"), p.Segments[0].SrcSwitch, "clones do not share segments")

	assert.Error(t, (&FlowPath{SrcSwitch: "a", DstSwitch: "c"}).ValidateChain())
	assert.NoError(t, (&FlowPath{SrcSwitch: "a", DstSwitch: "a", OneSwitch: true}).ValidateChain())
}

func TestFlowPathsNeedMultiTableForQinQ(t *testing.T) {
	f := validFlow()
	f.Src.InnerVlan = 10
	f.ForwardPath = &FlowPath{PathID: "fwd", Cookie: NewCookie(1, true), SrcSwitch: "a", DstSwitch: "c"}
	f.ReversePath = &FlowPath{PathID: "rev", Cookie: NewCookie(1, false), SrcSwitch: "c", DstSwitch: "a",
		DstMultiTable: true}

	assert.True(t, flowhs.HasCode(f.ValidatePaths(), flowhs.CodeValidation))
	f.ForwardPath.SrcMultiTable = true
	assert.NoError(t, f.ValidatePaths())

	assert.Equal(t, f.Src, f.IngressEndpoint(f.ForwardPath))
	assert.Equal(t, f.Src, f.EgressEndpoint(f.ReversePath))
	assert.Len(t, f.PrimaryPaths(), 2)
	assert.Empty(t, f.ProtectedPaths())
	assert.False(t, f.HasProtectedPaths())

	cp := f.Clone()
	cp.ForwardPath.PathID = "changed"
	assert.Equal(t, "fwd", f.ForwardPath.PathID)
}
