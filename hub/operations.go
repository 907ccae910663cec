package hub

import (
	"context"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/saga"
)

// NewFlowID generates a flow id with the configured prefix.
func (h *Hub) NewFlowID() string {
	return h.prefix + uuid.NewString()
}

// rejectSubFlow refuses direct operations on flows owned by a y-flow.
// Unknown flows pass, the saga reports them.
func (h *Hub) rejectSubFlow(ctx context.Context, flowID string) error {
	if owner, ok := h.registry.Owner(flowID); ok && owner != flowID {
		return flowhs.NewError(flowhs.ErrSagaConflict, "flow is part of a running y-flow operation",
			map[string]any{"flow_id": flowID, "owner": owner})
	}
	f, err := h.deps.Store.Get(ctx, flowID)
	if err != nil {
		return nil
	}
	if f.IsSubFlow() {
		return flowhs.NewError(flowhs.ErrForbiddenSubFlow, "sub-flows are changed through their y-flow",
			map[string]any{"flow_id": flowID, "y_flow_id": f.YFlowID})
	}
	return nil
}

func (h *Hub) flowOp(ctx context.Context, msg flowhs.Message, flowID string,
	build func(opts ...saga.MachineOption) saga.Saga) (string, error) {
	if err := flowhs.ValidateMessage(msg); err != nil {
		return "", err
	}
	if err := h.rejectSubFlow(ctx, flowID); err != nil {
		return "", err
	}
	return h.start(ctx, msg, flowID, nil, build)
}

// Create provisions req.Flow, generating its id when empty. It returns the
// key the northbound response is published under.
func (h *Hub) Create(ctx context.Context, req saga.CreateRequest) (string, error) {
	if req.Flow != nil && req.Flow.FlowID == "" {
		f := req.Flow.Clone()
		f.FlowID = h.NewFlowID()
		req.Flow = f
	}
	if req.Flow != nil && req.Flow.IsSubFlow() {
		return "", flowhs.NewError(flowhs.ErrForbiddenSubFlow, "sub-flows are created through their y-flow",
			map[string]any{"flow_id": req.Flow.FlowID, "y_flow_id": req.Flow.YFlowID})
	}
	var flowID string
	if req.Flow != nil {
		flowID = req.Flow.FlowID
	}
	if owner, ok := h.registry.Owner(flowID); ok && owner != flowID {
		return "", conflict(flowID, owner)
	}
	return h.start(ctx, req, flowID, nil, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewCreate(req, h.deps, opts...)
	})
}

func (h *Hub) Update(ctx context.Context, req saga.UpdateRequest) (string, error) {
	var flowID string
	if req.Flow != nil {
		flowID = req.Flow.FlowID
	}
	return h.flowOp(ctx, req, flowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewUpdate(req, h.deps, opts...)
	})
}

func (h *Hub) Reroute(ctx context.Context, req saga.RerouteRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewReroute(req, h.deps, opts...)
	})
}

// RerouteBulk starts one reroute per flow id. Rejected flows are reported
// by id; the others run independently.
func (h *Hub) RerouteBulk(ctx context.Context, flowIDs []string, reason string) map[string]error {
	rejected := map[string]error{}
	for _, id := range flowIDs {
		req := saga.RerouteRequest{FlowID: id, BulkFlowIDs: flowIDs, Reason: reason}
		if _, err := h.Reroute(ctx, req); err != nil {
			rejected[id] = err
		}
	}
	return rejected
}

func (h *Hub) Delete(ctx context.Context, req saga.DeleteRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewDelete(req, h.deps, opts...)
	})
}

func (h *Hub) SwapPaths(ctx context.Context, req saga.SwapPathsRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewSwapPaths(req, h.deps, opts...)
	})
}

func (h *Hub) CreateMirrorPoint(ctx context.Context, req saga.MirrorPointCreateRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewMirrorPointCreate(req, h.deps, opts...)
	})
}

func (h *Hub) DeleteMirrorPoint(ctx context.Context, req saga.MirrorPointDeleteRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewMirrorPointDelete(req, h.deps, opts...)
	})
}

func (h *Hub) CreateLoop(ctx context.Context, req saga.LoopCreateRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewLoopCreate(req, h.deps, opts...)
	})
}

func (h *Hub) DeleteLoop(ctx context.Context, req saga.LoopDeleteRequest) (string, error) {
	return h.flowOp(ctx, req, req.FlowID, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewLoopDelete(req, h.deps, opts...)
	})
}

// ValidateFlow compares the switches with the stored flow. Sub-flows may be
// validated directly.
func (h *Hub) ValidateFlow(ctx context.Context, req saga.ValidateRequest) (string, error) {
	return h.start(ctx, req, req.FlowID, nil, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewValidate(req, h.deps, opts...)
	})
}

// CreateYFlow reserves the y-flow id and every sub-flow id for the duration
// of the operation.
func (h *Hub) CreateYFlow(ctx context.Context, req saga.YFlowCreateRequest) (string, error) {
	if req.YFlow == nil {
		return "", flowhs.ValidateMessage(req)
	}
	var aliases []string
	for _, f := range req.SubFlows {
		if f != nil {
			aliases = append(aliases, f.FlowID)
		}
	}
	return h.start(ctx, req, req.YFlow.YFlowID, aliases, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewYFlowCreate(req, h.deps, opts...)
	})
}

func (h *Hub) UpdateYFlow(ctx context.Context, req saga.YFlowUpdateRequest) (string, error) {
	if req.YFlow == nil {
		return "", flowhs.ValidateMessage(req)
	}
	aliases := h.members(ctx, req.YFlow.YFlowID)
	for _, f := range req.SubFlows {
		if f != nil {
			aliases = append(aliases, f.FlowID)
		}
	}
	return h.start(ctx, req, req.YFlow.YFlowID, aliases, func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewYFlowUpdate(req, h.deps, opts...)
	})
}

func (h *Hub) DeleteYFlow(ctx context.Context, req saga.YFlowDeleteRequest) (string, error) {
	return h.start(ctx, req, req.YFlowID, h.members(ctx, req.YFlowID), func(opts ...saga.MachineOption) saga.Saga {
		return saga.NewYFlowDelete(req, h.deps, opts...)
	})
}

func (h *Hub) members(ctx context.Context, yFlowID string) []string {
	y, err := h.deps.Store.GetYFlow(ctx, yFlowID)
	if err != nil {
		return nil
	}
	return append([]string(nil), y.SubFlows...)
}
