package rule

import (
	"fmt"
	"sort"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// YFlowRules configures compilation of a y-flow member path.
type YFlowRules struct {
	// SharedEndpoint is the endpoint every member flow starts from.
	SharedEndpoint model.FlowEndpoint
	// SharedMeterID replaces the path meter on the shared endpoint ingress.
	SharedMeterID model.MeterID
	YPointSwitch  model.SwitchID
	// YPointMeterID is called by transit rules on the y-point towards the shared endpoint.
	YPointMeterID model.MeterID
}

type options struct {
	yflow       *YFlowRules
	ingressOnly bool
	overlapping []model.FlowEndpoint
	legacy      bool
}

type Option func(*options)

// WithYFlow compiles the path as a member of a y-flow: shared meters, the
// y-flow priority tier and the y-flow cookie tag.
func WithYFlow(y YFlowRules) Option {
	return func(o *options) {
		o.yflow = &y
	}
}

// WithIngressOnly limits the output to the source switch rules.
func WithIngressOnly() Option {
	return func(o *options) {
		o.ingressOnly = true
	}
}

// WithOverlappingIngress lists ingress endpoints of other flows; a dispatch
// rule shared with any of them is left out of the rule set.
func WithOverlappingIngress(endpoints ...model.FlowEndpoint) Option {
	return func(o *options) {
		o.overlapping = append(o.overlapping, endpoints...)
	}
}

// WithLegacyCleanup adds the single-table shape of a multi-table ingress rule
// to RuleSet.Cleanup.
func WithLegacyCleanup(enabled bool) Option {
	return func(o *options) {
		o.legacy = enabled
	}
}

// Compile produces the rules, meters and groups implementing path of flow.
// It performs no I/O and its output depends only on its arguments.
func Compile(flow *model.Flow, path *model.FlowPath, encap model.EncapsulationID, caps model.SwitchCapabilities, opts ...Option) (RuleSet, error) {
	if flow == nil || path == nil {
		return RuleSet{}, flowhs.NewError(flowhs.ErrInvalidArgument, "flow and path are required", nil)
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &compiler{
		flow:    flow,
		path:    path,
		encap:   encap,
		caps:    caps,
		opts:    o,
		ingress: flow.IngressEndpoint(path),
		egress:  flow.EgressEndpoint(path),
	}
	if err := c.compile(); err != nil {
		return RuleSet{}, err
	}
	return c.rs, nil
}

type compiler struct {
	flow    *model.Flow
	path    *model.FlowPath
	encap   model.EncapsulationID
	caps    model.SwitchCapabilities
	opts    options
	ingress model.FlowEndpoint
	egress  model.FlowEndpoint
	rs      RuleSet
}

func (c *compiler) meta() map[string]any {
	return map[string]any{"flow_id": c.flow.FlowID, "path_id": c.path.PathID}
}

func (c *compiler) compile() error {
	if err := c.path.ValidateChain(); err != nil {
		return err
	}
	if c.path.OneSwitch || c.flow.OneSwitch {
		return c.oneSwitch()
	}
	if !c.encap.Type.Valid() {
		return flowhs.NewError(flowhs.ErrUnsupportedOperation,
			fmt.Sprintf("unsupported encapsulation type %q", c.encap.Type), c.meta())
	}
	if c.encap.Type == model.EncapsulationVLAN && (c.encap.Value == 0 || c.encap.Value > maxVlan) {
		return flowhs.NewError(flowhs.ErrInvalidArgument,
			fmt.Sprintf("transit vlan %d out of range", c.encap.Value), c.meta())
	}

	segments := c.path.SortedSegments()
	if err := c.ingressRules(segments[0]); err != nil {
		return err
	}
	if c.opts.ingressOnly {
		return nil
	}
	for i := 1; i < len(segments); i++ {
		c.transitRule(segments[i-1], segments[i])
	}
	return c.egressRules(segments[len(segments)-1])
}

func (c *compiler) basePriority() int {
	if c.opts.yflow != nil {
		return PriorityYFlow
	}
	return PriorityDefault
}

func (c *compiler) cookie() model.Cookie {
	if c.opts.yflow != nil {
		return c.path.Cookie.YFlow()
	}
	return c.path.Cookie
}

func (c *compiler) flags(sw model.SwitchID) []Flag {
	if c.caps.Of(sw).Has(model.FeatureResetCountsFlag) {
		return []Flag{FlagResetCounters}
	}
	return nil
}

// ingressMeter returns the meter to call on the ingress switch and records
// the meter descriptor when this path owns it.
func (c *compiler) ingressMeter(sw model.SwitchID) model.MeterID {
	id := c.path.MeterID
	shared := false
	if y := c.opts.yflow; y != nil && y.SharedMeterID != 0 && c.ingress.SamePortVlan(y.SharedEndpoint) {
		id, shared = y.SharedMeterID, true
	}
	if id == 0 || !c.caps.Of(sw).Has(model.FeatureMeters) {
		return 0
	}
	if !shared {
		c.rs.Meters = append(c.rs.Meters, NewMeter(sw, id, c.flow.Bandwidth))
	}
	return id
}

func (c *compiler) encapsulationMatch() FieldMatch {
	if c.encap.Type == model.EncapsulationVXLAN {
		return FieldMatch{Field: FieldTunnelID, Value: uint64(c.encap.Value)}
	}
	return Vlan(int(c.encap.Value))
}

// transitStack is the vlan stack a packet carries on transit hops.
func (c *compiler) transitStack() []int {
	if c.encap.Type == model.EncapsulationVLAN {
		return []int{int(c.encap.Value)}
	}
	return nil
}

func (c *compiler) vxlanVariant(sw model.SwitchID) (VxlanVariant, error) {
	caps := c.caps.Of(sw)
	switch {
	case caps.Has(model.FeatureNoviflowPushPopVxlan):
		return VxlanNoviflow, nil
	case caps.Has(model.FeatureKildaOvsPushPopMatchVxlan):
		return VxlanOvs, nil
	}
	meta := c.meta()
	meta["switch_id"] = string(sw)
	return "", flowhs.NewError(flowhs.ErrUnsupportedSwitchOperation,
		fmt.Sprintf("switch %s supports neither VXLAN push/pop variant", sw), meta)
}

// toTransit converts a packet carrying current tags into its transit form.
func (c *compiler) toTransit(sw model.SwitchID, current []int) ([]Action, error) {
	actions, err := VlanSetSequence(current, c.transitStack())
	if err != nil {
		return nil, err
	}
	if c.encap.Type == model.EncapsulationVXLAN {
		variant, err := c.vxlanVariant(sw)
		if err != nil {
			return nil, err
		}
		actions = append(actions, PushVxlan(c.encap.Value, variant))
	}
	return actions, nil
}

// ingressMatch describes how a packet entering on endpoint ep is matched.
type ingressMatch struct {
	table    Table
	priority int
	match    Match
	// current is the vlan stack left on the packet once matched.
	current []int
}

func (c *compiler) ingressMatchFor(ep model.FlowEndpoint, multiTable bool) (ingressMatch, error) {
	base := c.basePriority()
	if ep.IsQinQ() && !multiTable {
		return ingressMatch{}, flowhs.NewError(flowhs.ErrValidation,
			"double tagged endpoint requires multi-table mode",
			map[string]any{"flow_id": c.flow.FlowID, "endpoint": ep.String()})
	}
	switch {
	case !ep.IsTagged():
		table := TableInput
		if multiTable {
			table = TableIngress
		}
		return ingressMatch{
			table:    table,
			priority: base - PriorityUntaggedDelta,
			match:    NewMatch(InPort(ep.Port)),
		}, nil
	case !multiTable:
		return ingressMatch{
			table:    TableInput,
			priority: base,
			match:    NewMatch(InPort(ep.Port), Vlan(int(ep.OuterVlan))),
			current:  []int{int(ep.OuterVlan)},
		}, nil
	}

	m := ingressMatch{
		table:    TableIngress,
		priority: base - PriorityDispatchDelta,
		match:    NewMatch(InPort(ep.Port), OuterVlanMetadata(ep.OuterVlan).Match()),
	}
	if ep.InnerVlan != 0 {
		m.priority = base
		m.match = NewMatch(InPort(ep.Port), OuterVlanMetadata(ep.OuterVlan).Match(), Vlan(int(ep.InnerVlan)))
		m.current = []int{int(ep.InnerVlan)}
	}
	return m, nil
}

// dispatchRule pops the outer tag, stores it in metadata and jumps to the
// ingress table. It is shared by every flow on the same port and outer vlan.
func (c *compiler) dispatchRule(ep model.FlowEndpoint) {
	for _, other := range c.opts.overlapping {
		if other.SamePortVlan(ep) {
			return
		}
	}
	metadata := OuterVlanMetadata(ep.OuterVlan)
	next := TableIngress
	c.rs.Rules = append(c.rs.Rules, Rule{
		SwitchID: ep.SwitchID,
		Table:    TablePreIngress,
		Priority: c.basePriority() - PriorityDispatchDelta,
		Cookie:   model.SharedSegmentCookie(ep.Port, ep.OuterVlan),
		Match:    NewMatch(InPort(ep.Port), Vlan(int(ep.OuterVlan))),
		Instructions: Instructions{
			Apply:         []Action{PopVlan()},
			WriteMetadata: &metadata,
			GoToTable:     &next,
		},
		Role: RoleDispatch,
	})
}

func (c *compiler) ingressRules(first model.PathSegment) error {
	sw := c.path.SrcSwitch
	if first.SrcSwitch != sw {
		return flowhs.NewError(flowhs.ErrIllegalState, "ingress segment is missing", c.meta())
	}
	im, err := c.ingressMatchFor(c.ingress, c.path.SrcMultiTable)
	if err != nil {
		return err
	}
	transform, err := c.toTransit(sw, im.current)
	if err != nil {
		return err
	}
	outPort := first.SrcPort
	if outPort == c.ingress.Port {
		outPort = PortInPort
	}
	return c.emitIngress(sw, im, transform, outPort, headVlan(c.transitStack()))
}

// emitIngress writes the ingress rule and its dispatch, loop, mirror and
// legacy companions.
func (c *compiler) emitIngress(sw model.SwitchID, im ingressMatch, transform []Action, outPort uint32, outVlan int) error {
	multiTable := c.path.SrcMultiTable
	if multiTable && c.ingress.IsTagged() {
		c.dispatchRule(c.ingress)
	}

	meter := c.ingressMeter(sw)
	instructions := Instructions{
		Meter: meter,
		Apply: append(append([]Action(nil), transform...), Output(outPort)),
	}
	if multiTable && c.ingress.TrackConnectedDevices {
		next := TablePostIngress
		instructions.GoToTable = &next
	}
	c.rs.Rules = append(c.rs.Rules, Rule{
		SwitchID:     sw,
		Table:        im.table,
		Priority:     im.priority,
		Cookie:       c.cookie(),
		Match:        im.match,
		Instructions: instructions,
		Flags:        c.flags(sw),
		Role:         RoleIngress,
	})

	if c.flow.IsLoopedOn(sw) && !c.path.Protected {
		// the packet leaves the way it came in, dispatch pop included
		restore, err := VlanSetSequence(im.current, c.ingress.VlanStack())
		if err != nil {
			return err
		}
		c.rs.Rules = append(c.rs.Rules, Rule{
			SwitchID: sw,
			Table:    im.table,
			Priority: im.priority + PriorityLoopOffset,
			Cookie:   c.cookie().Looped(),
			Match:    im.match,
			Instructions: Instructions{
				Apply: append(restore, Output(PortInPort)),
			},
			Flags: c.flags(sw),
			Role:  RoleLoop,
		})
	}

	if mp, ok := c.path.MirrorPointOn(sw); ok {
		primary := Bucket{Port: outPort, Vlan: outVlan, Actions: instructions.Apply}
		if err := c.mirror(sw, mp, im, meter, primary, im.current); err != nil {
			return err
		}
	}

	if c.opts.legacy && multiTable {
		legacy, err := c.ingressMatchFor(c.ingress, false)
		if err == nil {
			c.rs.Cleanup = append(c.rs.Cleanup, Rule{
				SwitchID: sw,
				Table:    TableInput,
				Priority: legacy.priority,
				Cookie:   c.cookie(),
				Match:    legacy.match,
				Role:     RoleLegacy,
			})
		}
	}
	return nil
}

func headVlan(stack []int) int {
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1]
}

// mirror emits the group duplicating traffic into the primary output and every
// sink, and the rule sending matched packets to it.
func (c *compiler) mirror(sw model.SwitchID, mp model.MirrorPoint, im ingressMatch, meter model.MeterID, primary Bucket, current []int) error {
	if mp.MirrorGroup == 0 {
		return flowhs.NewError(flowhs.ErrIllegalState, "mirror point has no group", c.meta())
	}
	buckets := []Bucket{primary}
	for _, sink := range mp.Sinks {
		if sink.SwitchID != sw {
			return flowhs.NewError(flowhs.ErrIllegalState,
				fmt.Sprintf("mirror sink on %s is not on mirror switch %s", sink.SwitchID, sw), c.meta())
		}
		actions, err := VlanSetSequence(current, sink.VlanStack())
		if err != nil {
			return err
		}
		buckets = append(buckets, Bucket{
			Port:    sink.Port,
			Vlan:    int(sink.OuterVlan),
			Actions: append(actions, Output(sink.Port)),
		})
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].Port != buckets[j].Port {
			return buckets[i].Port < buckets[j].Port
		}
		return buckets[i].Vlan < buckets[j].Vlan
	})
	c.rs.Groups = append(c.rs.Groups, Group{SwitchID: sw, GroupID: mp.MirrorGroup, Buckets: buckets})
	c.rs.Rules = append(c.rs.Rules, Rule{
		SwitchID: sw,
		Table:    im.table,
		Priority: im.priority + PriorityMirrorOffset,
		Cookie:   c.cookie().Mirror(),
		Match:    im.match,
		Instructions: Instructions{
			Meter: meter,
			Apply: []Action{GroupAction(mp.MirrorGroup)},
		},
		Flags: c.flags(sw),
		Role:  RoleMirror,
	})
	return nil
}

func (c *compiler) transitTable(sw model.SwitchID) Table {
	if c.caps.Of(sw).Has(model.FeatureMultiTable) {
		return TableTransit
	}
	return TableInput
}

func (c *compiler) transitRule(in, out model.PathSegment) {
	sw := in.DstSwitch
	var meter model.MeterID
	if y := c.opts.yflow; y != nil && y.YPointMeterID != 0 && sw == y.YPointSwitch &&
		c.egress.SamePortVlan(y.SharedEndpoint) && c.caps.Of(sw).Has(model.FeatureMeters) {
		meter = y.YPointMeterID
	}
	c.rs.Rules = append(c.rs.Rules, Rule{
		SwitchID: sw,
		Table:    c.transitTable(sw),
		Priority: c.basePriority(),
		Cookie:   c.cookie(),
		Match:    NewMatch(InPort(in.DstPort), c.encapsulationMatch()),
		Instructions: Instructions{
			Meter: meter,
			Apply: []Action{Output(out.SrcPort)},
		},
		Flags: c.flags(sw),
		Role:  RoleTransit,
	})
}

func (c *compiler) egressRules(last model.PathSegment) error {
	sw := c.path.DstSwitch
	if last.DstSwitch != sw {
		return flowhs.NewError(flowhs.ErrIllegalState, "egress segment is missing", c.meta())
	}
	if c.egress.IsQinQ() && !c.path.DstMultiTable {
		return flowhs.NewError(flowhs.ErrValidation, "double tagged endpoint requires multi-table mode",
			map[string]any{"flow_id": c.flow.FlowID, "endpoint": c.egress.String()})
	}

	var actions []Action
	if c.encap.Type == model.EncapsulationVXLAN {
		variant, err := c.vxlanVariant(sw)
		if err != nil {
			return err
		}
		actions = append(actions, PopVxlan(variant))
	}
	rewrite, err := VlanSetSequence(c.transitStack(), c.egress.VlanStack())
	if err != nil {
		return err
	}
	actions = append(actions, rewrite...)

	outPort := c.egress.Port
	if outPort == last.DstPort {
		outPort = PortInPort
	}
	actions = append(actions, Output(outPort))

	table := TableInput
	if c.path.DstMultiTable {
		table = TableEgress
	}
	match := NewMatch(InPort(last.DstPort), c.encapsulationMatch())
	egress := Rule{
		SwitchID:     sw,
		Table:        table,
		Priority:     c.basePriority(),
		Cookie:       c.cookie(),
		Match:        match,
		Instructions: Instructions{Apply: actions},
		Flags:        c.flags(sw),
		Role:         RoleEgress,
	}
	c.rs.Rules = append(c.rs.Rules, egress)

	if c.flow.IsLoopedOn(sw) && !c.path.Protected {
		c.rs.Rules = append(c.rs.Rules, Rule{
			SwitchID:     sw,
			Table:        table,
			Priority:     egress.Priority + PriorityLoopOffset,
			Cookie:       c.cookie().Looped(),
			Match:        match,
			Instructions: Instructions{Apply: []Action{Output(PortInPort)}},
			Flags:        c.flags(sw),
			Role:         RoleLoop,
		})
	}

	if mp, ok := c.path.MirrorPointOn(sw); ok {
		primary := Bucket{Port: outPort, Vlan: int(c.egress.OuterVlan), Actions: actions}
		current := c.transitStack()
		im := ingressMatch{table: table, priority: egress.Priority, match: match}
		if err := c.mirrorEgress(sw, mp, im, primary, current); err != nil {
			return err
		}
	}
	return nil
}

// mirrorEgress is mirror for the egress switch: sinks also need the transit
// encapsulation removed first.
func (c *compiler) mirrorEgress(sw model.SwitchID, mp model.MirrorPoint, im ingressMatch, primary Bucket, current []int) error {
	if c.encap.Type != model.EncapsulationVXLAN {
		return c.mirror(sw, mp, im, 0, primary, current)
	}
	variant, err := c.vxlanVariant(sw)
	if err != nil {
		return err
	}
	// sinks see the packet once VXLAN is gone; prefix each sink bucket with the pop
	before := len(c.rs.Groups)
	if err := c.mirror(sw, mp, im, 0, primary, current); err != nil {
		return err
	}
	group := &c.rs.Groups[before]
	for i := range group.Buckets {
		b := &group.Buckets[i]
		if len(b.Actions) > 0 && b.Actions[0].Type == ActionPopVxlan {
			continue
		}
		b.Actions = append([]Action{PopVxlan(variant)}, b.Actions...)
	}
	return nil
}

// oneSwitch collapses ingress and egress into rules on a single switch.
func (c *compiler) oneSwitch() error {
	sw := c.path.SrcSwitch
	if c.egress.IsQinQ() && !c.path.DstMultiTable {
		return flowhs.NewError(flowhs.ErrValidation, "double tagged endpoint requires multi-table mode",
			map[string]any{"flow_id": c.flow.FlowID, "endpoint": c.egress.String()})
	}
	im, err := c.ingressMatchFor(c.ingress, c.path.SrcMultiTable)
	if err != nil {
		return err
	}
	transform, err := VlanSetSequence(im.current, c.egress.VlanStack())
	if err != nil {
		return err
	}
	outPort := c.egress.Port
	if outPort == c.ingress.Port {
		outPort = PortInPort
	}
	return c.emitIngress(sw, im, transform, outPort, int(c.egress.OuterVlan))
}

// CompileFlow compiles every path in paths with its own encapsulation and
// merges the results.
func CompileFlow(flow *model.Flow, paths []*model.FlowPath, caps model.SwitchCapabilities, opts ...Option) (RuleSet, error) {
	sets := make([]RuleSet, 0, len(paths))
	for _, p := range paths {
		if p == nil {
			continue
		}
		rs, err := Compile(flow, p, p.Encapsulation, caps, opts...)
		if err != nil {
			return RuleSet{}, err
		}
		sets = append(sets, rs)
	}
	return Merge(sets...), nil
}
