package saga

import (
	"fmt"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// CreateRequest provisions a new flow. An empty flow id is filled in by the
// hub before validation.
type CreateRequest struct {
	Flow *model.Flow `json:"flow" yaml:"flow"`
}

func (CreateRequest) Type() string { return "flow.create" }

func (r CreateRequest) Validate() error {
	if r.Flow == nil {
		return flowhs.NewError(flowhs.ErrValidation, "flow is required", nil)
	}
	return r.Flow.Validate()
}

// UpdateRequest replaces the flow definition and reroutes it.
type UpdateRequest struct {
	Flow        *model.Flow `json:"flow" yaml:"flow"`
	DoNotRevert bool        `json:"do_not_revert,omitempty" yaml:"do_not_revert,omitempty"`
	BulkFlowIDs []string    `json:"bulk_flow_ids,omitempty" yaml:"bulk_flow_ids,omitempty"`
}

func (UpdateRequest) Type() string { return "flow.update" }

func (r UpdateRequest) Validate() error {
	if r.Flow == nil {
		return flowhs.NewError(flowhs.ErrValidation, "flow is required", nil)
	}
	return r.Flow.Validate()
}

// RerouteRequest moves a stored flow onto freshly computed paths.
type RerouteRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
	// Forced reroutes do not revert on failure.
	Forced      bool     `json:"forced,omitempty" yaml:"forced,omitempty"`
	BulkFlowIDs []string `json:"bulk_flow_ids,omitempty" yaml:"bulk_flow_ids,omitempty"`
	Reason      string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (RerouteRequest) Type() string { return "flow.reroute" }

func (r RerouteRequest) Validate() error { return requireFlowID(r.FlowID) }

type DeleteRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
}

func (DeleteRequest) Type() string { return "flow.delete" }

func (r DeleteRequest) Validate() error { return requireFlowID(r.FlowID) }

// SwapPathsRequest promotes the protected paths of a flow to primary.
type SwapPathsRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
}

func (SwapPathsRequest) Type() string { return "flow.swap-paths" }

func (r SwapPathsRequest) Validate() error { return requireFlowID(r.FlowID) }

type MirrorPointCreateRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
	// Forward selects the forward path, otherwise the reverse one.
	Forward     bool              `json:"forward" yaml:"forward"`
	MirrorPoint model.MirrorPoint `json:"mirror_point" yaml:"mirror_point"`
}

func (MirrorPointCreateRequest) Type() string { return "flow.mirror-point.create" }

func (r MirrorPointCreateRequest) Validate() error {
	if err := requireFlowID(r.FlowID); err != nil {
		return err
	}
	mp := r.MirrorPoint
	meta := map[string]any{"flow_id": r.FlowID, "mirror_point_id": mp.ID}
	if mp.ID == "" || mp.MirrorSwitch == "" {
		return flowhs.NewError(flowhs.ErrValidation, "mirror point id and switch are required", meta)
	}
	if len(mp.Sinks) == 0 {
		return flowhs.NewError(flowhs.ErrValidation, "mirror point needs at least one sink", meta)
	}
	for _, sink := range mp.Sinks {
		if sink.SwitchID != mp.MirrorSwitch {
			return flowhs.NewError(flowhs.ErrValidation,
				fmt.Sprintf("sink %s is not on mirror switch %s", sink, mp.MirrorSwitch), meta)
		}
		if err := sink.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type MirrorPointDeleteRequest struct {
	FlowID        string `json:"flow_id" yaml:"flow_id"`
	MirrorPointID string `json:"mirror_point_id" yaml:"mirror_point_id"`
}

func (MirrorPointDeleteRequest) Type() string { return "flow.mirror-point.delete" }

func (r MirrorPointDeleteRequest) Validate() error {
	if err := requireFlowID(r.FlowID); err != nil {
		return err
	}
	if r.MirrorPointID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "mirror point id is required",
			map[string]any{"flow_id": r.FlowID})
	}
	return nil
}

// LoopCreateRequest turns traffic around on one of the flow endpoints.
type LoopCreateRequest struct {
	FlowID string         `json:"flow_id" yaml:"flow_id"`
	Switch model.SwitchID `json:"switch" yaml:"switch"`
}

func (LoopCreateRequest) Type() string { return "flow.loop.create" }

func (r LoopCreateRequest) Validate() error {
	if err := requireFlowID(r.FlowID); err != nil {
		return err
	}
	if r.Switch == "" {
		return flowhs.NewError(flowhs.ErrValidation, "loop switch is required",
			map[string]any{"flow_id": r.FlowID})
	}
	return nil
}

type LoopDeleteRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
}

func (LoopDeleteRequest) Type() string { return "flow.loop.delete" }

func (r LoopDeleteRequest) Validate() error { return requireFlowID(r.FlowID) }

// ValidateRequest compares the rules on the switches with the stored flow.
type ValidateRequest struct {
	FlowID string `json:"flow_id" yaml:"flow_id"`
}

func (ValidateRequest) Type() string { return "flow.validate" }

func (r ValidateRequest) Validate() error { return requireFlowID(r.FlowID) }

type YFlowCreateRequest struct {
	YFlow    *model.YFlow  `json:"y_flow" yaml:"y_flow"`
	SubFlows []*model.Flow `json:"sub_flows" yaml:"sub_flows"`
}

func (YFlowCreateRequest) Type() string { return "y-flow.create" }

func (r YFlowCreateRequest) Validate() error {
	if r.YFlow == nil || r.YFlow.YFlowID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "y-flow id is required", nil)
	}
	if len(r.SubFlows) < 2 {
		return flowhs.NewError(flowhs.ErrValidation, "y-flow needs at least two sub-flows",
			map[string]any{"y_flow_id": r.YFlow.YFlowID})
	}
	return validateSubFlows(r.YFlow, r.SubFlows)
}

// YFlowUpdateRequest without sub-flows only changes the shared bandwidth.
type YFlowUpdateRequest struct {
	YFlow    *model.YFlow  `json:"y_flow" yaml:"y_flow"`
	SubFlows []*model.Flow `json:"sub_flows,omitempty" yaml:"sub_flows,omitempty"`
}

func (YFlowUpdateRequest) Type() string { return "y-flow.update" }

func (r YFlowUpdateRequest) Validate() error {
	if r.YFlow == nil || r.YFlow.YFlowID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "y-flow id is required", nil)
	}
	if r.YFlow.Bandwidth < 0 {
		return flowhs.NewError(flowhs.ErrValidation, "bandwidth must not be negative",
			map[string]any{"y_flow_id": r.YFlow.YFlowID})
	}
	return validateSubFlows(r.YFlow, r.SubFlows)
}

type YFlowDeleteRequest struct {
	YFlowID string `json:"y_flow_id" yaml:"y_flow_id"`
}

func (YFlowDeleteRequest) Type() string { return "y-flow.delete" }

func (r YFlowDeleteRequest) Validate() error {
	if r.YFlowID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "y-flow id is required", nil)
	}
	return nil
}

func requireFlowID(id string) error {
	if id == "" {
		return flowhs.NewError(flowhs.ErrValidation, "flow id is required", nil)
	}
	return nil
}

func validateSubFlows(y *model.YFlow, subFlows []*model.Flow) error {
	seen := map[string]bool{}
	for _, f := range subFlows {
		if f == nil {
			return flowhs.NewError(flowhs.ErrValidation, "nil sub-flow", map[string]any{"y_flow_id": y.YFlowID})
		}
		if err := f.Validate(); err != nil {
			return err
		}
		meta := map[string]any{"y_flow_id": y.YFlowID, "flow_id": f.FlowID}
		if seen[f.FlowID] {
			return flowhs.NewError(flowhs.ErrValidation, "duplicate sub-flow", meta)
		}
		seen[f.FlowID] = true
		if !f.Src.SamePortVlan(y.SharedEndpoint) {
			return flowhs.NewError(flowhs.ErrValidation, "sub-flow does not start on the shared endpoint", meta)
		}
	}
	return nil
}
