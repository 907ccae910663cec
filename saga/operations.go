package saga

import (
	"context"
	"fmt"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/speaker"
)

// WithYFlowRules compiles the flow as a member of a y-flow. Machines built
// with it may operate on sub-flows.
func WithYFlowRules(y rule.YFlowRules) MachineOption {
	return func(c *core) {
		c.sc.YFlow = &y
	}
}

// WithDoNotRevert leaves new rules and resources in place when INSTALL_NEW fails.
func WithDoNotRevert() MachineOption {
	return func(c *core) {
		c.sc.DoNotRevert = true
	}
}

func forbiddenSubFlow(flow *model.Flow) error {
	return flowhs.NewError(flowhs.ErrForbiddenSubFlow,
		fmt.Sprintf("flow %s is a member of y-flow %s", flow.FlowID, flow.YFlowID),
		map[string]any{"flow_id": flow.FlowID, "y_flow_id": flow.YFlowID})
}

// load reads Original. Sub-flows are only accepted from y-flow coordinators.
func (m *Machine) load(ctx context.Context) error {
	rec, err := m.deps.Store.Load(ctx, m.sc.FlowID)
	if err != nil {
		return err
	}
	if rec.Flow.IsSubFlow() && m.sc.YFlow == nil {
		return forbiddenSubFlow(rec.Flow)
	}
	m.sc.Original = rec.Flow
	m.sc.Version = rec.Version
	return nil
}

func allocateFlow(ctx context.Context, m *Machine) error {
	return m.allocatePaths(ctx)
}

func releaseNew(ctx context.Context, m *Machine) error {
	return m.deps.Allocator.Release(ctx, releasable(m.sc.Resources, m.sc.Original))
}

func releaseOld(ctx context.Context, m *Machine) error {
	return m.deps.Allocator.Release(ctx, releasable(m.sc.OldResources, m.sc.Target))
}

func clearPaths(f *model.Flow) {
	f.ForwardPath, f.ReversePath = nil, nil
	f.ProtectedForwardPath, f.ProtectedReversePath = nil, nil
}

// NewCreate builds the machine provisioning req.Flow.
func NewCreate(req CreateRequest, deps Deps, opts ...MachineOption) *Machine {
	flow := req.Flow.Clone()
	h := hooks{
		validate: func(ctx context.Context, m *Machine) error {
			if flow.IsSubFlow() && m.sc.YFlow == nil {
				return forbiddenSubFlow(flow)
			}
			if _, err := m.deps.Store.Get(ctx, flow.FlowID); err == nil {
				return flowhs.NewError(flowhs.ErrValidation, "flow "+flow.FlowID+" already exists", m.meta())
			} else if !flowhs.HasCode(err, flowhs.CodeFlowNotFound) {
				return err
			}
			clearPaths(flow)
			flow.OneSwitch = flow.Src.SwitchID == flow.Dst.SwitchID
			flow.Status = model.FlowStatusInProgress
			m.sc.Target = flow
			return m.checkEndpoints(ctx, flow)
		},
		allocate: allocateFlow,
		release: func(ctx context.Context, m *Machine) error {
			return m.deps.Allocator.Release(ctx, m.sc.Resources)
		},
	}
	return newMachine(OpCreate, flow.FlowID, flow.FlowID, installTable(false), h, deps, opts...)
}

// rerouteHooks reallocate every path of the target built by desired.
func rerouteHooks(desired func(orig *model.Flow) (*model.Flow, error)) hooks {
	return hooks{
		validate: func(ctx context.Context, m *Machine) error {
			if err := m.load(ctx); err != nil {
				return err
			}
			orig := m.sc.Original
			target, err := desired(orig)
			if err != nil {
				return err
			}
			// the old paths let the allocator carry mirror points over
			target.ForwardPath, target.ReversePath = orig.ForwardPath.Clone(), orig.ReversePath.Clone()
			target.ProtectedForwardPath, target.ProtectedReversePath = nil, nil
			target.OneSwitch = target.Src.SwitchID == target.Dst.SwitchID
			target.Status = model.FlowStatusInProgress
			m.sc.Target = target
			m.sc.OldResources = resource.FromFlow(orig)
			return m.checkEndpoints(ctx, target)
		},
		allocate:   allocateFlow,
		release:    releaseNew,
		releaseOld: releaseOld,
	}
}

// NewUpdate builds the machine moving a flow to a new definition. New paths
// are installed and committed before the old ones are removed.
func NewUpdate(req UpdateRequest, deps Deps, opts ...MachineOption) *Machine {
	desired := req.Flow.Clone()
	h := rerouteHooks(func(orig *model.Flow) (*model.Flow, error) {
		target := desired.Clone()
		if target.YFlowID == "" {
			target.YFlowID = orig.YFlowID
		}
		if target.YFlowID != orig.YFlowID {
			return nil, flowhs.NewError(flowhs.ErrValidation, "y-flow membership cannot change",
				map[string]any{"flow_id": orig.FlowID})
		}
		return target, nil
	})
	m := newMachine(OpUpdate, desired.FlowID, desired.FlowID, installTable(true), h, deps, opts...)
	m.sc.DoNotRevert = m.sc.DoNotRevert || req.DoNotRevert
	m.sc.BulkFlowIDs = append([]string(nil), req.BulkFlowIDs...)
	return m
}

// NewReroute builds the machine moving a stored flow onto new paths.
func NewReroute(req RerouteRequest, deps Deps, opts ...MachineOption) *Machine {
	h := rerouteHooks(func(orig *model.Flow) (*model.Flow, error) {
		return orig.Clone(), nil
	})
	m := newMachine(OpReroute, req.FlowID, req.FlowID, installTable(true), h, deps, opts...)
	m.sc.DoNotRevert = m.sc.DoNotRevert || req.Forced
	m.sc.BulkFlowIDs = append([]string(nil), req.BulkFlowIDs...)
	return m
}

// patchHooks keep the allocated paths and only change what patch changes.
func patchHooks(patch func(orig *model.Flow) (*model.Flow, error)) hooks {
	return hooks{
		validate: func(ctx context.Context, m *Machine) error {
			if err := m.load(ctx); err != nil {
				return err
			}
			target, err := patch(m.sc.Original)
			if err != nil {
				return err
			}
			target.Status = model.FlowStatusInProgress
			m.sc.Target = target
			return nil
		},
	}
}

func NewLoopCreate(req LoopCreateRequest, deps Deps, opts ...MachineOption) *Machine {
	h := patchHooks(func(orig *model.Flow) (*model.Flow, error) {
		if orig.LoopSwitch != "" {
			return nil, flowhs.NewError(flowhs.ErrValidation, "flow is already looped on "+string(orig.LoopSwitch),
				map[string]any{"flow_id": orig.FlowID})
		}
		target := orig.Clone()
		target.LoopSwitch = req.Switch
		return target, target.Validate()
	})
	return newMachine(OpLoopCreate, req.FlowID, req.FlowID, installTable(true), h, deps, opts...)
}

func NewLoopDelete(req LoopDeleteRequest, deps Deps, opts ...MachineOption) *Machine {
	h := patchHooks(func(orig *model.Flow) (*model.Flow, error) {
		if orig.LoopSwitch == "" {
			return nil, flowhs.NewError(flowhs.ErrValidation, "flow is not looped",
				map[string]any{"flow_id": orig.FlowID})
		}
		target := orig.Clone()
		target.LoopSwitch = ""
		return target, nil
	})
	return newMachine(OpLoopDelete, req.FlowID, req.FlowID, installTable(true), h, deps, opts...)
}

// NewSwapPaths builds the machine promoting the protected paths. Mirror
// points follow the primary role.
func NewSwapPaths(req SwapPathsRequest, deps Deps, opts ...MachineOption) *Machine {
	h := patchHooks(func(orig *model.Flow) (*model.Flow, error) {
		if !orig.HasProtectedPaths() {
			return nil, flowhs.NewError(flowhs.ErrValidation, "flow has no protected paths",
				map[string]any{"flow_id": orig.FlowID})
		}
		target := orig.Clone()
		target.ForwardPath, target.ProtectedForwardPath = swapped(orig.ForwardPath, orig.ProtectedForwardPath)
		target.ReversePath, target.ProtectedReversePath = swapped(orig.ReversePath, orig.ProtectedReversePath)
		return target, nil
	})
	return newMachine(OpSwapPaths, req.FlowID, req.FlowID, installTable(true), h, deps, opts...)
}

func swapped(primary, protected *model.FlowPath) (*model.FlowPath, *model.FlowPath) {
	newPrimary, newProtected := protected.Clone(), primary.Clone()
	newPrimary.Protected, newProtected.Protected = false, true
	newPrimary.MirrorPoints, newProtected.MirrorPoints = newProtected.MirrorPoints, nil
	return newPrimary, newProtected
}

func pathOf(flow *model.Flow, forward bool) *model.FlowPath {
	if forward {
		return flow.ForwardPath
	}
	return flow.ReversePath
}

func NewMirrorPointCreate(req MirrorPointCreateRequest, deps Deps, opts ...MachineOption) *Machine {
	mp := req.MirrorPoint
	mp.Sinks = append([]model.FlowEndpoint(nil), req.MirrorPoint.Sinks...)
	h := hooks{
		validate: func(ctx context.Context, m *Machine) error {
			if err := m.load(ctx); err != nil {
				return err
			}
			orig := m.sc.Original
			if orig.IsSubFlow() {
				return forbiddenSubFlow(orig)
			}
			meta := map[string]any{"flow_id": orig.FlowID, "mirror_point_id": mp.ID}
			path := pathOf(orig, req.Forward)
			if path == nil {
				return flowhs.NewError(flowhs.ErrValidation, "flow has no such path", meta)
			}
			if mp.MirrorSwitch != path.SrcSwitch && mp.MirrorSwitch != path.DstSwitch {
				return flowhs.NewError(flowhs.ErrValidation, "mirror switch must be a path endpoint", meta)
			}
			if _, ok := path.MirrorPointOn(mp.MirrorSwitch); ok {
				return flowhs.NewError(flowhs.ErrValidation, "path is already mirrored on "+string(mp.MirrorSwitch), meta)
			}
			for _, p := range orig.Paths() {
				for _, other := range p.MirrorPoints {
					if other.ID == mp.ID {
						return flowhs.NewError(flowhs.ErrValidation, "mirror point id is taken", meta)
					}
				}
			}
			m.sc.MirrorForward = req.Forward
			return nil
		},
		allocate: func(ctx context.Context, m *Machine) error {
			group, err := m.deps.Allocator.AllocateGroup(ctx, mp.MirrorSwitch)
			if err != nil {
				return flowhs.WrapError(flowhs.ErrResourceAllocation, "no mirror group on "+string(mp.MirrorSwitch), err, m.meta())
			}
			mp.MirrorGroup = group
			m.sc.MirrorPoint = mp
			target := m.sc.Original.Clone()
			path := pathOf(target, req.Forward)
			path.MirrorPoints = append(path.MirrorPoints, mp)
			target.Status = model.FlowStatusInProgress
			m.sc.Target = target
			return nil
		},
		release: func(ctx context.Context, m *Machine) error {
			if m.sc.MirrorPoint.MirrorGroup == 0 {
				return nil
			}
			return m.deps.Allocator.ReleaseGroup(ctx, mp.MirrorSwitch, m.sc.MirrorPoint.MirrorGroup)
		},
	}
	return newMachine(OpMirrorPointCreate, req.FlowID, req.FlowID, installTable(false), h, deps, opts...)
}

func NewMirrorPointDelete(req MirrorPointDeleteRequest, deps Deps, opts ...MachineOption) *Machine {
	h := hooks{
		validate: func(ctx context.Context, m *Machine) error {
			if err := m.load(ctx); err != nil {
				return err
			}
			orig := m.sc.Original
			if orig.IsSubFlow() {
				return forbiddenSubFlow(orig)
			}
			target := orig.Clone()
			for _, forward := range []bool{true, false} {
				path := pathOf(target, forward)
				if path == nil {
					continue
				}
				for i, mp := range path.MirrorPoints {
					if mp.ID != req.MirrorPointID {
						continue
					}
					path.MirrorPoints = append(path.MirrorPoints[:i], path.MirrorPoints[i+1:]...)
					m.sc.MirrorPoint = mp
					m.sc.MirrorForward = forward
					m.sc.Target = target
					return nil
				}
			}
			return flowhs.NewError(flowhs.ErrValidation, "mirror point "+req.MirrorPointID+" not found",
				map[string]any{"flow_id": orig.FlowID})
		},
	}
	m := newMachine(OpMirrorPointDelete, req.FlowID, req.FlowID, deleteTable(actDeleteMirror, actCommitMirrorDelete), h, deps, opts...)
	return m
}

// actDeleteMirror removes what Original has beyond the flow without the
// mirror point: the mirror rules and their group.
func actDeleteMirror(ctx context.Context, m *Machine) Event {
	existing, err := m.installSet(ctx, m.sc.Original)
	if err != nil {
		m.sc.fail(err)
		return EventError
	}
	remaining, err := m.installSet(ctx, m.sc.Target)
	if err != nil {
		m.sc.fail(err)
		return EventError
	}
	m.sc.Existing = existing
	m.sc.Removal = existing.Without(remaining.Keys())
	return m.dispatch(ctx, speaker.BuildBatch(speaker.KindDelete, m.sc.Removal))
}

func actCommitMirrorDelete(ctx context.Context, m *Machine) Event {
	if _, err := m.deps.Store.SaveIfVersion(ctx, m.sc.Target, m.sc.Version); err != nil {
		m.sc.fail(flowhs.WrapError(flowhs.ErrSagaConflict, "flow changed while the saga was running", err, m.meta()))
		return EventError
	}
	mp := m.sc.MirrorPoint
	if err := m.deps.Allocator.ReleaseGroup(ctx, mp.MirrorSwitch, mp.MirrorGroup); err != nil {
		m.logger.Error("release of mirror group %d failed: %v", mp.MirrorGroup, err)
	}
	return EventNext
}

// NewDelete builds the machine removing a flow from every switch of its
// paths and then from the store.
func NewDelete(req DeleteRequest, deps Deps, opts ...MachineOption) *Machine {
	h := hooks{
		validate: func(ctx context.Context, m *Machine) error {
			return m.load(ctx)
		},
	}
	return newMachine(OpDelete, req.FlowID, req.FlowID, deleteTable(actDeleteExisting, actCommitDelete), h, deps, opts...)
}

func actCommitDelete(ctx context.Context, m *Machine) Event {
	if err := m.deps.Store.Delete(ctx, m.sc.FlowID); err != nil {
		m.sc.fail(err)
		return EventError
	}
	if err := m.deps.Allocator.Release(ctx, resource.FromFlow(m.sc.Original)); err != nil {
		m.logger.Error("release of flow resources failed: %v", err)
	}
	return EventNext
}

// NewValidate builds the machine reading back every descriptor of a stored
// flow. Differences are reported, they do not fail the saga.
func NewValidate(req ValidateRequest, deps Deps, opts ...MachineOption) *Machine {
	h := hooks{
		validate: func(ctx context.Context, m *Machine) error {
			rec, err := m.deps.Store.Load(ctx, m.sc.FlowID)
			if err != nil {
				return err
			}
			if rec.Flow.IsSubFlow() && m.sc.YFlow == nil {
				y, err := m.deps.Store.GetYFlow(ctx, rec.Flow.YFlowID)
				if err != nil {
					return err
				}
				rules := yflowRules(y)
				m.sc.YFlow = &rules
			}
			m.sc.Original = rec.Flow
			m.sc.Version = rec.Version
			m.sc.Target = rec.Flow
			return nil
		},
	}
	return newMachine(OpValidate, req.FlowID, req.FlowID, validateTable(), h, deps, opts...)
}
