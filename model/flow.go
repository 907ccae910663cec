package model

import (
	"fmt"
	"sort"

	flowhs "github.com/goliatone/go-flowhs"
)

type (
	MeterID uint32
	GroupID uint32
)

// PathSegment is one inter-switch hop. SeqID orders segments along a path.
type PathSegment struct {
	SrcSwitch SwitchID `yaml:"src_switch" json:"src_switch"`
	SrcPort   uint32   `yaml:"src_port" json:"src_port"`
	DstSwitch SwitchID `yaml:"dst_switch" json:"dst_switch"`
	DstPort   uint32   `yaml:"dst_port" json:"dst_port"`
	SeqID     int      `yaml:"seq_id" json:"seq_id"`
}

// MirrorPoint duplicates path traffic on MirrorSwitch into one or more sinks
// through the group MirrorGroup.
type MirrorPoint struct {
	ID           string         `yaml:"id" json:"id"`
	MirrorSwitch SwitchID       `yaml:"mirror_switch" json:"mirror_switch"`
	MirrorGroup  GroupID        `yaml:"mirror_group" json:"mirror_group"`
	Sinks        []FlowEndpoint `yaml:"sinks" json:"sinks"`
}

// FlowPath is one routed direction of a flow.
type FlowPath struct {
	PathID        string          `yaml:"path_id" json:"path_id"`
	Cookie        Cookie          `yaml:"cookie" json:"cookie"`
	SrcSwitch     SwitchID        `yaml:"src_switch" json:"src_switch"`
	DstSwitch     SwitchID        `yaml:"dst_switch" json:"dst_switch"`
	MeterID       MeterID         `yaml:"meter_id,omitempty" json:"meter_id,omitempty"`
	Segments      []PathSegment   `yaml:"segments,omitempty" json:"segments,omitempty"`
	Protected     bool            `yaml:"protected,omitempty" json:"protected,omitempty"`
	OneSwitch     bool            `yaml:"one_switch,omitempty" json:"one_switch,omitempty"`
	SrcMultiTable bool            `yaml:"src_multi_table,omitempty" json:"src_multi_table,omitempty"`
	DstMultiTable bool            `yaml:"dst_multi_table,omitempty" json:"dst_multi_table,omitempty"`
	MirrorPoints  []MirrorPoint   `yaml:"mirror_points,omitempty" json:"mirror_points,omitempty"`
	Encapsulation EncapsulationID `yaml:"encapsulation" json:"encapsulation"`
}

// SortedSegments returns a copy of the segments ordered by SeqID.
func (p *FlowPath) SortedSegments() []PathSegment {
	out := append([]PathSegment(nil), p.Segments...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out
}

// Switches lists every switch the path touches, source first.
func (p *FlowPath) Switches() []SwitchID {
	seen := map[SwitchID]bool{}
	var out []SwitchID
	add := func(sw SwitchID) {
		if sw != "" && !seen[sw] {
			seen[sw] = true
			out = append(out, sw)
		}
	}
	add(p.SrcSwitch)
	for _, s := range p.SortedSegments() {
		add(s.SrcSwitch)
		add(s.DstSwitch)
	}
	add(p.DstSwitch)
	for _, mp := range p.MirrorPoints {
		add(mp.MirrorSwitch)
	}
	return out
}

// MirrorPointOn returns the mirror point installed on sw, if any.
func (p *FlowPath) MirrorPointOn(sw SwitchID) (MirrorPoint, bool) {
	for _, mp := range p.MirrorPoints {
		if mp.MirrorSwitch == sw {
			return mp, true
		}
	}
	return MirrorPoint{}, false
}

// ValidateChain checks that segments form a contiguous chain from SrcSwitch to DstSwitch.
func (p *FlowPath) ValidateChain() error {
	meta := map[string]any{"path_id": p.PathID}
	if p.OneSwitch {
		if p.SrcSwitch != p.DstSwitch {
			return flowhs.NewError(flowhs.ErrIllegalState, "one-switch path spans two switches", meta)
		}
		return nil
	}
	segments := p.SortedSegments()
	if len(segments) == 0 {
		return flowhs.NewError(flowhs.ErrIllegalState, "multi-hop path has no segments", meta)
	}
	if segments[0].SrcSwitch != p.SrcSwitch {
		return flowhs.NewError(flowhs.ErrIllegalState,
			fmt.Sprintf("first segment starts on %s, expected %s", segments[0].SrcSwitch, p.SrcSwitch), meta)
	}
	if last := segments[len(segments)-1]; last.DstSwitch != p.DstSwitch {
		return flowhs.NewError(flowhs.ErrIllegalState,
			fmt.Sprintf("last segment ends on %s, expected %s", last.DstSwitch, p.DstSwitch), meta)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i-1].DstSwitch != segments[i].SrcSwitch {
			return flowhs.NewError(flowhs.ErrIllegalState,
				fmt.Sprintf("segment %d does not continue segment %d", segments[i].SeqID, segments[i-1].SeqID), meta)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *FlowPath) Clone() *FlowPath {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Segments = append([]PathSegment(nil), p.Segments...)
	cp.MirrorPoints = make([]MirrorPoint, 0, len(p.MirrorPoints))
	for _, mp := range p.MirrorPoints {
		mp.Sinks = append([]FlowEndpoint(nil), mp.Sinks...)
		cp.MirrorPoints = append(cp.MirrorPoints, mp)
	}
	return &cp
}

type FlowStatus string

const (
	FlowStatusInProgress FlowStatus = "IN_PROGRESS"
	FlowStatusUp         FlowStatus = "UP"
	FlowStatusDegraded   FlowStatus = "DEGRADED"
	FlowStatusDown       FlowStatus = "DOWN"
)

// Flow is the root aggregate.
type Flow struct {
	FlowID               string            `yaml:"flow_id" json:"flow_id"`
	ForwardPath          *FlowPath         `yaml:"forward_path,omitempty" json:"forward_path,omitempty"`
	ReversePath          *FlowPath         `yaml:"reverse_path,omitempty" json:"reverse_path,omitempty"`
	ProtectedForwardPath *FlowPath         `yaml:"protected_forward_path,omitempty" json:"protected_forward_path,omitempty"`
	ProtectedReversePath *FlowPath         `yaml:"protected_reverse_path,omitempty" json:"protected_reverse_path,omitempty"`
	Encapsulation        EncapsulationType `yaml:"encapsulation" json:"encapsulation"`
	Bandwidth            int64             `yaml:"bandwidth" json:"bandwidth"`
	Src                  FlowEndpoint      `yaml:"src" json:"src"`
	Dst                  FlowEndpoint      `yaml:"dst" json:"dst"`
	OneSwitch            bool              `yaml:"one_switch,omitempty" json:"one_switch,omitempty"`
	AllocateProtected    bool              `yaml:"allocate_protected,omitempty" json:"allocate_protected,omitempty"`
	LoopSwitch           SwitchID          `yaml:"loop_switch,omitempty" json:"loop_switch,omitempty"`
	YFlowID              string            `yaml:"y_flow_id,omitempty" json:"y_flow_id,omitempty"`
	Status               FlowStatus        `yaml:"status,omitempty" json:"status,omitempty"`
}

// IngressEndpoint returns the endpoint where traffic of path enters the flow.
func (f *Flow) IngressEndpoint(p *FlowPath) FlowEndpoint {
	if p != nil && p.Cookie.IsReverse() {
		return f.Dst
	}
	return f.Src
}

// EgressEndpoint returns the endpoint where traffic of path leaves the flow.
func (f *Flow) EgressEndpoint(p *FlowPath) FlowEndpoint {
	if p != nil && p.Cookie.IsReverse() {
		return f.Src
	}
	return f.Dst
}

// Paths returns every non-nil path, primary paths first.
func (f *Flow) Paths() []*FlowPath {
	var out []*FlowPath
	for _, p := range []*FlowPath{f.ForwardPath, f.ReversePath, f.ProtectedForwardPath, f.ProtectedReversePath} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f *Flow) PrimaryPaths() []*FlowPath {
	var out []*FlowPath
	for _, p := range []*FlowPath{f.ForwardPath, f.ReversePath} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f *Flow) ProtectedPaths() []*FlowPath {
	var out []*FlowPath
	for _, p := range []*FlowPath{f.ProtectedForwardPath, f.ProtectedReversePath} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f *Flow) HasProtectedPaths() bool {
	return f.ProtectedForwardPath != nil && f.ProtectedReversePath != nil
}

func (f *Flow) IsSubFlow() bool { return f.YFlowID != "" }

// IsLoopedOn reports whether flow loop is requested on sw.
func (f *Flow) IsLoopedOn(sw SwitchID) bool {
	return f.LoopSwitch != "" && f.LoopSwitch == sw
}

// Validate checks request level constraints. Multi-table requirements for
// QinQ endpoints are checked against the allocated paths by ValidatePaths.
func (f *Flow) Validate() error {
	meta := map[string]any{"flow_id": f.FlowID}
	if f.FlowID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "flow id is required", nil)
	}
	if err := f.Src.Validate(); err != nil {
		return err
	}
	if err := f.Dst.Validate(); err != nil {
		return err
	}
	if !f.Encapsulation.Valid() {
		return flowhs.NewError(flowhs.ErrValidation,
			fmt.Sprintf("unknown encapsulation type %q", f.Encapsulation), meta)
	}
	if f.Bandwidth < 0 {
		return flowhs.NewError(flowhs.ErrValidation, "bandwidth must not be negative", meta)
	}
	if f.Src.SwitchID == f.Dst.SwitchID && f.Src.Port == f.Dst.Port &&
		f.Src.OuterVlan == f.Dst.OuterVlan && f.Src.InnerVlan == f.Dst.InnerVlan {
		return flowhs.NewError(flowhs.ErrValidation, "source and destination endpoints are identical", meta)
	}
	if f.LoopSwitch != "" && f.LoopSwitch != f.Src.SwitchID && f.LoopSwitch != f.Dst.SwitchID {
		return flowhs.NewError(flowhs.ErrValidation, "loop switch must be one of the flow endpoints", meta)
	}
	return nil
}

// ValidatePaths checks that QinQ endpoints are only served by multi-table paths.
func (f *Flow) ValidatePaths() error {
	for _, p := range f.Paths() {
		ingress := f.IngressEndpoint(p)
		egress := f.EgressEndpoint(p)
		if ingress.IsQinQ() && !p.SrcMultiTable {
			return flowhs.NewError(flowhs.ErrValidation,
				"double tagged ingress endpoint requires multi-table mode",
				map[string]any{"flow_id": f.FlowID, "path_id": p.PathID, "endpoint": ingress.String()})
		}
		if egress.IsQinQ() && !p.DstMultiTable {
			return flowhs.NewError(flowhs.ErrValidation,
				"double tagged egress endpoint requires multi-table mode",
				map[string]any{"flow_id": f.FlowID, "path_id": p.PathID, "endpoint": egress.String()})
		}
	}
	return nil
}

// Clone returns a deep copy.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	cp := *f
	cp.ForwardPath = f.ForwardPath.Clone()
	cp.ReversePath = f.ReversePath.Clone()
	cp.ProtectedForwardPath = f.ProtectedForwardPath.Clone()
	cp.ProtectedReversePath = f.ProtectedReversePath.Clone()
	return &cp
}

// YFlow groups sub-flows sharing one endpoint and its meters.
type YFlow struct {
	YFlowID             string       `yaml:"y_flow_id" json:"y_flow_id"`
	SharedEndpoint      FlowEndpoint `yaml:"shared_endpoint" json:"shared_endpoint"`
	SubFlows            []string     `yaml:"sub_flows" json:"sub_flows"`
	Bandwidth           int64        `yaml:"bandwidth" json:"bandwidth"`
	SharedEndpointMeter MeterID      `yaml:"shared_endpoint_meter,omitempty" json:"shared_endpoint_meter,omitempty"`
	YPoint              SwitchID     `yaml:"y_point,omitempty" json:"y_point,omitempty"`
	YPointMeter         MeterID      `yaml:"y_point_meter,omitempty" json:"y_point_meter,omitempty"`
	Status              FlowStatus   `yaml:"status,omitempty" json:"status,omitempty"`
}

func (y *YFlow) Clone() *YFlow {
	if y == nil {
		return nil
	}
	cp := *y
	cp.SubFlows = append([]string(nil), y.SubFlows...)
	return &cp
}
