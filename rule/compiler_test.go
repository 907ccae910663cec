package rule

import (
	"fmt"
	"testing"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	swA model.SwitchID = "00:00:00:00:00:00:00:0a"
	swB model.SwitchID = "00:00:00:00:00:00:00:0b"
	swC model.SwitchID = "00:00:00:00:00:00:00:0c"
)

func fullCaps(switches ...model.SwitchID) model.SwitchCapabilities {
	caps := model.SwitchCapabilities{}
	for _, sw := range switches {
		caps[sw] = model.NewCapabilities(sw, 8,
			model.FeatureMeters,
			model.FeatureGroups,
			model.FeatureNoviflowPushPopVxlan,
			model.FeatureResetCountsFlag,
		)
	}
	return caps
}

func threeHopPath(cookie model.Cookie, encap model.EncapsulationID) *model.FlowPath {
	return &model.FlowPath{
		PathID:    "path-1",
		Cookie:    cookie,
		SrcSwitch: swA,
		DstSwitch: swC,
		MeterID:   32,
		Segments: []model.PathSegment{
			{SrcSwitch: swB, SrcPort: 3, DstSwitch: swC, DstPort: 4, SeqID: 1},
			{SrcSwitch: swA, SrcPort: 1, DstSwitch: swB, DstPort: 2, SeqID: 0},
		},
		Encapsulation: encap,
	}
}

func rolesOf(rs RuleSet) []Role {
	out := make([]Role, len(rs.Rules))
	for i, r := range rs.Rules {
		out[i] = r.Role
	}
	return out
}

func TestCompileOneSwitchUntaggedToTagged(t *testing.T) {
	flow := &model.Flow{
		FlowID:        "one-switch",
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10},
		Dst:           model.FlowEndpoint{SwitchID: swA, Port: 20, OuterVlan: 5},
		Encapsulation: model.EncapsulationVLAN,
		OneSwitch:     true,
	}
	path := &model.FlowPath{
		PathID:    "fwd",
		Cookie:    model.NewCookie(1, true),
		SrcSwitch: swA,
		DstSwitch: swA,
		OneSwitch: true,
	}

	rs, err := Compile(flow, path, model.EncapsulationID{}, model.SwitchCapabilities{})
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)

	r := rs.Rules[0]
	assert.Equal(t, PriorityDefault-1, r.Priority)
	assert.Equal(t, TableInput, r.Table)
	assert.Equal(t, NewMatch(InPort(10)), r.Match)
	assert.Equal(t, []Action{PushVlan(5), Output(20)}, r.Instructions.Apply)
	assert.Zero(t, r.Instructions.Meter)
	assert.Empty(t, rs.Meters)
}

func TestCompileThreeHopMultiTableVxlan(t *testing.T) {
	flow := &model.Flow{
		FlowID:        "vxlan-flow",
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20, OuterVlan: 200},
		Encapsulation: model.EncapsulationVXLAN,
		Bandwidth:     1000,
	}
	encap := model.EncapsulationID{Type: model.EncapsulationVXLAN, Value: 500}
	path := threeHopPath(model.NewCookie(7, true), encap)
	path.SrcMultiTable = true
	path.DstMultiTable = true

	rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC))
	require.NoError(t, err)
	require.Equal(t, []Role{RoleDispatch, RoleIngress, RoleTransit, RoleEgress}, rolesOf(rs))

	dispatch := rs.Rules[0]
	assert.Equal(t, swA, dispatch.SwitchID)
	assert.Equal(t, TablePreIngress, dispatch.Table)
	assert.Equal(t, PriorityDefault-10, dispatch.Priority)
	assert.Equal(t, NewMatch(InPort(10), Vlan(100)), dispatch.Match)
	assert.Equal(t, []Action{PopVlan()}, dispatch.Instructions.Apply)
	require.NotNil(t, dispatch.Instructions.WriteMetadata)
	assert.Equal(t, OuterVlanMetadata(100), *dispatch.Instructions.WriteMetadata)
	require.NotNil(t, dispatch.Instructions.GoToTable)
	assert.Equal(t, TableIngress, *dispatch.Instructions.GoToTable)
	assert.True(t, dispatch.Cookie.IsSharedSegment())

	ingress := rs.Rules[1]
	assert.Equal(t, TableIngress, ingress.Table)
	assert.Equal(t, PriorityDefault-10, ingress.Priority)
	assert.Equal(t, NewMatch(InPort(10), OuterVlanMetadata(100).Match()), ingress.Match)
	assert.Equal(t, model.MeterID(32), ingress.Instructions.Meter)
	assert.Equal(t, []Action{PushVxlan(500, VxlanNoviflow), Output(1)}, ingress.Instructions.Apply)
	assert.Equal(t, []Flag{FlagResetCounters}, ingress.Flags)

	transit := rs.Rules[2]
	assert.Equal(t, swB, transit.SwitchID)
	assert.Equal(t, NewMatch(InPort(2), FieldMatch{Field: FieldTunnelID, Value: 500}), transit.Match)
	assert.Equal(t, []Action{Output(3)}, transit.Instructions.Apply)
	assert.Zero(t, transit.Instructions.Meter)

	egress := rs.Rules[3]
	assert.Equal(t, swC, egress.SwitchID)
	assert.Equal(t, TableEgress, egress.Table)
	assert.Equal(t, NewMatch(InPort(4), FieldMatch{Field: FieldTunnelID, Value: 500}), egress.Match)
	assert.Equal(t, []Action{PopVxlan(VxlanNoviflow), PushVlan(200), Output(20)}, egress.Instructions.Apply)

	require.Len(t, rs.Meters, 1)
	assert.Equal(t, NewMeter(swA, 32, 1000), rs.Meters[0])
	assert.Equal(t, int64(1050), rs.Meters[0].Burst)
}

func TestCompileTransitCountAndEgressPort(t *testing.T) {
	for hops := 1; hops <= 6; hops++ {
		t.Run(fmt.Sprintf("%d segments", hops), func(t *testing.T) {
			switches := make([]model.SwitchID, hops+1)
			for i := range switches {
				switches[i] = model.SwitchID(fmt.Sprintf("sw-%d", i))
			}
			segments := make([]model.PathSegment, hops)
			for i := 0; i < hops; i++ {
				segments[i] = model.PathSegment{
					SrcSwitch: switches[i], SrcPort: uint32(100 + i),
					DstSwitch: switches[i+1], DstPort: uint32(200 + i),
					SeqID: i,
				}
			}
			flow := &model.Flow{
				FlowID:        "chain",
				Src:           model.FlowEndpoint{SwitchID: switches[0], Port: 1, OuterVlan: 10},
				Dst:           model.FlowEndpoint{SwitchID: switches[hops], Port: 2},
				Encapsulation: model.EncapsulationVLAN,
			}
			encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
			path := &model.FlowPath{
				PathID: "p", Cookie: model.NewCookie(1, true),
				SrcSwitch: switches[0], DstSwitch: switches[hops], Segments: segments,
			}

			rs, err := Compile(flow, path, encap, fullCaps(switches...))
			require.NoError(t, err)

			var transit int
			var egress *Rule
			for i, r := range rs.Rules {
				switch r.Role {
				case RoleTransit:
					transit++
				case RoleEgress:
					egress = &rs.Rules[i]
				}
			}
			assert.Equal(t, hops-1, transit)
			require.NotNil(t, egress)
			port, ok := egress.Match.Get(FieldInPort)
			require.True(t, ok)
			assert.Equal(t, uint64(segments[hops-1].DstPort), port.Value)
		})
	}
}

func TestCompileOneSwitchNeverEmitsTransit(t *testing.T) {
	endpoints := []model.FlowEndpoint{
		{SwitchID: swA, Port: 1},
		{SwitchID: swA, Port: 2, OuterVlan: 10},
		{SwitchID: swA, Port: 3, OuterVlan: 20},
	}
	for _, src := range endpoints {
		for _, dst := range endpoints {
			if src == dst {
				continue
			}
			flow := &model.Flow{FlowID: "f", Src: src, Dst: dst, OneSwitch: true, Encapsulation: model.EncapsulationVLAN}
			for _, forward := range []bool{true, false} {
				path := &model.FlowPath{Cookie: model.NewCookie(1, forward), SrcSwitch: swA, DstSwitch: swA, OneSwitch: true}
				rs, err := Compile(flow, path, model.EncapsulationID{}, fullCaps(swA))
				require.NoError(t, err)
				require.Len(t, rs.Rules, 1)
				assert.Equal(t, RoleIngress, rs.Rules[0].Role)
				assert.Equal(t, swA, rs.Rules[0].SwitchID)
			}
		}
	}
}

func TestCompileIngressVariants(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	cases := []struct {
		name       string
		src        model.FlowEndpoint
		multiTable bool
		table      Table
		priority   int
		match      Match
		apply      []Action
	}{
		{
			name:     "untagged single table",
			src:      model.FlowEndpoint{SwitchID: swA, Port: 10},
			table:    TableInput,
			priority: PriorityDefault - 1,
			match:    NewMatch(InPort(10)),
			apply:    []Action{PushVlan(3000), Output(1)},
		},
		{
			name:     "single tagged single table",
			src:      model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100},
			table:    TableInput,
			priority: PriorityDefault,
			match:    NewMatch(InPort(10), Vlan(100)),
			apply:    []Action{SetVlan(3000), Output(1)},
		},
		{
			name:       "untagged multi table",
			src:        model.FlowEndpoint{SwitchID: swA, Port: 10},
			multiTable: true,
			table:      TableIngress,
			priority:   PriorityDefault - 1,
			match:      NewMatch(InPort(10)),
			apply:      []Action{PushVlan(3000), Output(1)},
		},
		{
			name:       "double tagged multi table",
			src:        model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100, InnerVlan: 7},
			multiTable: true,
			table:      TableIngress,
			priority:   PriorityDefault,
			match:      NewMatch(InPort(10), OuterVlanMetadata(100).Match(), Vlan(7)),
			apply:      []Action{SetVlan(3000), Output(1)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow := &model.Flow{
				FlowID: "f", Src: tc.src,
				Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
				Encapsulation: model.EncapsulationVLAN,
			}
			path := threeHopPath(model.NewCookie(1, true), encap)
			path.SrcMultiTable = tc.multiTable

			rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC))
			require.NoError(t, err)

			var ingress *Rule
			for i := range rs.Rules {
				if rs.Rules[i].Role == RoleIngress {
					ingress = &rs.Rules[i]
				}
			}
			require.NotNil(t, ingress)
			assert.Equal(t, tc.table, ingress.Table)
			assert.Equal(t, tc.priority, ingress.Priority)
			assert.Equal(t, tc.match, ingress.Match)
			assert.Equal(t, tc.apply, ingress.Instructions.Apply)
		})
	}
}

func TestCompileRejectsQinQInSingleTable(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID:        "qinq",
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100, InnerVlan: 7},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVLAN,
	}
	_, err := Compile(flow, threeHopPath(model.NewCookie(1, true), encap), encap, fullCaps(swA, swB, swC))
	require.Error(t, err)
	assert.Equal(t, flowhs.CodeValidation, flowhs.ErrorCode(err))
}

func TestCompileFailurePolicy(t *testing.T) {
	flow := &model.Flow{
		FlowID:        "f",
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVXLAN,
	}
	vxlan := model.EncapsulationID{Type: model.EncapsulationVXLAN, Value: 500}

	t.Run("vxlan without push pop capability", func(t *testing.T) {
		caps := fullCaps(swA, swB)
		caps[swC] = model.NewCapabilities(swC, 8, model.FeatureMeters)
		_, err := Compile(flow, threeHopPath(model.NewCookie(1, true), vxlan), vxlan, caps)
		require.Error(t, err)
		assert.Equal(t, flowhs.CodeUnsupportedSwitchOperation, flowhs.ErrorCode(err))
	})

	t.Run("ovs variant is accepted", func(t *testing.T) {
		caps := fullCaps(swA, swB)
		caps[swC] = model.NewCapabilities(swC, 8, model.FeatureKildaOvsPushPopMatchVxlan)
		rs, err := Compile(flow, threeHopPath(model.NewCookie(1, true), vxlan), vxlan, caps)
		require.NoError(t, err)
		egress := rs.Rules[len(rs.Rules)-1]
		assert.Equal(t, PopVxlan(VxlanOvs), egress.Instructions.Apply[0])
	})

	t.Run("unknown encapsulation", func(t *testing.T) {
		bogus := model.EncapsulationID{Type: "GRE", Value: 1}
		_, err := Compile(flow, threeHopPath(model.NewCookie(1, true), bogus), bogus, fullCaps(swA, swB, swC))
		require.Error(t, err)
		assert.Equal(t, flowhs.CodeUnsupportedOperation, flowhs.ErrorCode(err))
	})

	t.Run("missing segments", func(t *testing.T) {
		path := threeHopPath(model.NewCookie(1, true), vxlan)
		path.Segments = nil
		_, err := Compile(flow, path, vxlan, fullCaps(swA, swB, swC))
		require.Error(t, err)
		assert.Equal(t, flowhs.CodeIllegalState, flowhs.ErrorCode(err))
	})

	t.Run("broken chain", func(t *testing.T) {
		path := threeHopPath(model.NewCookie(1, true), vxlan)
		path.Segments[0].SrcSwitch = "elsewhere"
		_, err := Compile(flow, path, vxlan, fullCaps(swA, swB, swC))
		require.Error(t, err)
		assert.Equal(t, flowhs.CodeIllegalState, flowhs.ErrorCode(err))
	})
}

func TestCompileSkipsMeterWithoutCapability(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID: "f", Bandwidth: 500,
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVLAN,
	}
	caps := fullCaps(swB, swC)
	caps[swA] = model.NewCapabilities(swA, 1)

	rs, err := Compile(flow, threeHopPath(model.NewCookie(1, true), encap), encap, caps)
	require.NoError(t, err)
	assert.Empty(t, rs.Meters)
	assert.Zero(t, rs.Rules[0].Instructions.Meter)
	assert.Empty(t, rs.Rules[0].Flags)
}

func TestCompileLoopRules(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID:        "looped",
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVLAN,
		LoopSwitch:    swA,
	}
	path := threeHopPath(model.NewCookie(1, true), encap)
	path.SrcMultiTable = true

	rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC))
	require.NoError(t, err)
	require.Equal(t, []Role{RoleDispatch, RoleIngress, RoleLoop, RoleTransit, RoleEgress}, rolesOf(rs))

	ingress, loop := rs.Rules[1], rs.Rules[2]
	assert.Equal(t, ingress.Match, loop.Match)
	assert.Equal(t, ingress.Table, loop.Table)
	assert.Equal(t, ingress.Priority+PriorityLoopOffset, loop.Priority)
	assert.True(t, loop.Cookie.IsLooped())
	assert.Equal(t, []Action{PushVlan(100), Output(PortInPort)}, loop.Instructions.Apply)

	t.Run("protected path has no loop", func(t *testing.T) {
		protected := path.Clone()
		protected.Protected = true
		rs, err := Compile(flow, protected, encap, fullCaps(swA, swB, swC))
		require.NoError(t, err)
		assert.NotContains(t, rolesOf(rs), RoleLoop)
	})

	t.Run("egress loop on the reverse path", func(t *testing.T) {
		reverse := &model.FlowPath{
			PathID: "rev", Cookie: model.NewCookie(1, false), SrcSwitch: swC, DstSwitch: swA,
			Segments: []model.PathSegment{
				{SrcSwitch: swC, SrcPort: 4, DstSwitch: swB, DstPort: 3, SeqID: 0},
				{SrcSwitch: swB, SrcPort: 2, DstSwitch: swA, DstPort: 1, SeqID: 1},
			},
		}
		rs, err := Compile(flow, reverse, encap, fullCaps(swA, swB, swC))
		require.NoError(t, err)
		require.Equal(t, []Role{RoleIngress, RoleTransit, RoleEgress, RoleLoop}, rolesOf(rs))
		assert.Equal(t, []Action{Output(PortInPort)}, rs.Rules[3].Instructions.Apply)
	})
}

func TestCompileMirrorGroupBucketsSorted(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID: "mirrored", Bandwidth: 100,
		Src:           model.FlowEndpoint{SwitchID: swA, Port: 10},
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVLAN,
	}
	path := threeHopPath(model.NewCookie(1, true), encap)
	path.MirrorPoints = []model.MirrorPoint{{
		ID:           "mp-1",
		MirrorSwitch: swA,
		MirrorGroup:  77,
		Sinks: []model.FlowEndpoint{
			{SwitchID: swA, Port: 30, OuterVlan: 9},
			{SwitchID: swA, Port: 30, OuterVlan: 4},
		},
	}}

	rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC))
	require.NoError(t, err)
	require.Len(t, rs.Groups, 1)

	group := rs.Groups[0]
	assert.Equal(t, model.GroupID(77), group.GroupID)
	require.Len(t, group.Buckets, 3)
	assert.Equal(t, uint32(1), group.Buckets[0].Port)
	assert.Equal(t, []Action{PushVlan(3000), Output(1)}, group.Buckets[0].Actions)
	assert.Equal(t, 4, group.Buckets[1].Vlan)
	assert.Equal(t, 9, group.Buckets[2].Vlan)
	assert.Equal(t, []Action{PushVlan(4), Output(30)}, group.Buckets[1].Actions)

	var mirror *Rule
	for i := range rs.Rules {
		if rs.Rules[i].Role == RoleMirror {
			mirror = &rs.Rules[i]
		}
	}
	require.NotNil(t, mirror)
	assert.True(t, mirror.Cookie.IsMirror())
	assert.Zero(t, mirror.Instructions.OutputPort())
	assert.Equal(t, []Action{GroupAction(77)}, mirror.Instructions.Apply)
	assert.Equal(t, model.MeterID(32), mirror.Instructions.Meter)
}

func TestCompileYFlowVariant(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	shared := model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100}
	flow := &model.Flow{
		FlowID: "sub-1", Bandwidth: 100, YFlowID: "y-1",
		Src:           shared,
		Dst:           model.FlowEndpoint{SwitchID: swC, Port: 20},
		Encapsulation: model.EncapsulationVLAN,
	}
	y := YFlowRules{SharedEndpoint: shared, SharedMeterID: 90, YPointSwitch: swB, YPointMeterID: 91}

	forward := threeHopPath(model.NewCookie(1, true), encap)
	rs, err := Compile(flow, forward, encap, fullCaps(swA, swB, swC), WithYFlow(y))
	require.NoError(t, err)
	assert.Empty(t, rs.Meters, "shared meters belong to the y-flow")
	for _, r := range rs.Rules {
		assert.True(t, r.Cookie.IsYFlow())
		assert.GreaterOrEqual(t, r.Priority, PriorityYFlow-PriorityDispatchDelta)
	}
	assert.Equal(t, model.MeterID(90), rs.Rules[0].Instructions.Meter)
	assert.Zero(t, rs.Rules[1].Instructions.Meter, "forward transit leaves the y-point meter alone")

	reverse := &model.FlowPath{
		PathID: "rev", Cookie: model.NewCookie(1, false), SrcSwitch: swC, DstSwitch: swA, MeterID: 33,
		Segments: []model.PathSegment{
			{SrcSwitch: swC, SrcPort: 4, DstSwitch: swB, DstPort: 3, SeqID: 0},
			{SrcSwitch: swB, SrcPort: 2, DstSwitch: swA, DstPort: 1, SeqID: 1},
		},
	}
	rs, err = Compile(flow, reverse, encap, fullCaps(swA, swB, swC), WithYFlow(y))
	require.NoError(t, err)
	require.Len(t, rs.Meters, 1)
	assert.Equal(t, model.MeterID(33), rs.Meters[0].MeterID)
	assert.Equal(t, model.MeterID(91), rs.Rules[1].Instructions.Meter)
}

func TestCompileOverlappingIngressSkipsDispatch(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	src := model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100}
	flow := &model.Flow{
		FlowID: "f", Src: src, Encapsulation: model.EncapsulationVLAN,
		Dst: model.FlowEndpoint{SwitchID: swC, Port: 20},
	}
	path := threeHopPath(model.NewCookie(1, true), encap)
	path.SrcMultiTable = true

	other := src
	other.InnerVlan = 5
	rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC), WithOverlappingIngress(other))
	require.NoError(t, err)
	assert.NotContains(t, rolesOf(rs), RoleDispatch)
}

func TestCompileLegacyCleanupAndIngressOnly(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID: "f", Encapsulation: model.EncapsulationVLAN,
		Src: model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100},
		Dst: model.FlowEndpoint{SwitchID: swC, Port: 20},
	}
	path := threeHopPath(model.NewCookie(1, true), encap)
	path.SrcMultiTable = true

	rs, err := Compile(flow, path, encap, fullCaps(swA, swB, swC), WithLegacyCleanup(true), WithIngressOnly())
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleDispatch, RoleIngress}, rolesOf(rs))
	require.Len(t, rs.Cleanup, 1)
	assert.Equal(t, TableInput, rs.Cleanup[0].Table)
	assert.Equal(t, NewMatch(InPort(10), Vlan(100)), rs.Cleanup[0].Match)
}

func TestMergeDeduplicatesSharedRules(t *testing.T) {
	encap := model.EncapsulationID{Type: model.EncapsulationVLAN, Value: 3000}
	flow := &model.Flow{
		FlowID: "f", Encapsulation: model.EncapsulationVLAN,
		Src: model.FlowEndpoint{SwitchID: swA, Port: 10, OuterVlan: 100},
		Dst: model.FlowEndpoint{SwitchID: swC, Port: 20},
	}
	primary := threeHopPath(model.NewCookie(1, true), encap)
	primary.SrcMultiTable = true
	protected := primary.Clone()
	protected.Cookie = model.NewCookie(2, true)
	protected.MeterID = 40
	protected.Protected = true

	rs, err := CompileFlow(flow, []*model.FlowPath{primary, protected}, fullCaps(swA, swB, swC))
	require.NoError(t, err)

	var dispatch int
	for _, r := range rs.Rules {
		if r.Role == RoleDispatch {
			dispatch++
		}
	}
	assert.Equal(t, 1, dispatch)
	assert.Len(t, rs.Meters, 2)
}
