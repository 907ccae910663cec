package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/speaker"
)

func yflowRules(y *model.YFlow) rule.YFlowRules {
	return rule.YFlowRules{
		SharedEndpoint: y.SharedEndpoint,
		SharedMeterID:  y.SharedEndpointMeter,
		YPointSwitch:   y.YPoint,
		YPointMeterID:  y.YPointMeter,
	}
}

// YFlowCoordinator runs one y-flow operation. It owns the shared meters and
// drives one nested machine per sub-flow.
type YFlowCoordinator struct {
	core
	table Table[*YFlowCoordinator]

	validate func(ctx context.Context, c *YFlowCoordinator) error
	// afterRevert runs once the members started by REVERT_NEW settled.
	afterRevert Action[*YFlowCoordinator]

	original *model.YFlow
	target   *model.YFlow
	subFlows []*model.Flow
	// previous holds the stored definition of every updated sub-flow.
	previous map[string]*model.Flow

	members   []*Machine
	succeeded []string
	errs      []error
	pending   int

	starting   bool
	abandoning bool
}

var _ Saga = (*YFlowCoordinator)(nil)

func newCoordinator(op Operation, yFlowID string, table Table[*YFlowCoordinator], deps Deps, opts []MachineOption) *YFlowCoordinator {
	return &YFlowCoordinator{
		core:     newCore(op, yFlowID, yFlowID, deps, opts),
		table:    table,
		previous: map[string]*model.Flow{},
	}
}

// Target is the y-flow the coordinator converges to.
func (c *YFlowCoordinator) Target() *model.YFlow { return c.target }

// Members lists the machines started so far, revert machines included.
func (c *YFlowCoordinator) Members() []*Machine {
	return append([]*Machine(nil), c.members...)
}

func (c *YFlowCoordinator) Start(ctx context.Context) {
	if c.started {
		return
	}
	c.started = true
	c.sc.StartedAt = c.deps.Now()
	c.fire(ctx, EventNext)
}

func (c *YFlowCoordinator) fire(ctx context.Context, event Event) {
	fire(ctx, &c.core, c.table, c, c, event)
}

func (c *YFlowCoordinator) Owns(id uuid.UUID) bool {
	if c.ownsStep(id) {
		return true
	}
	for _, mem := range c.members {
		if mem.Owns(id) {
			return true
		}
	}
	return false
}

// HandleResponse routes resp to the shared meter step or to the member that
// sent the command.
func (c *YFlowCoordinator) HandleResponse(ctx context.Context, resp speaker.Response) bool {
	if ev, ok := c.stepResponse(ctx, resp); ok {
		c.fire(ctx, ev)
		return true
	}
	for _, mem := range c.members {
		if mem.HandleResponse(ctx, resp) {
			return true
		}
	}
	return false
}

func (c *YFlowCoordinator) HandleTimeout(ctx context.Context, id uuid.UUID) bool {
	if ev, ok := c.stepTimeout(ctx, id); ok {
		c.fire(ctx, ev)
		return true
	}
	for _, mem := range c.members {
		if mem.HandleTimeout(ctx, id) {
			return true
		}
	}
	return false
}

// Abandon stops every running member and the coordinator.
func (c *YFlowCoordinator) Abandon(ctx context.Context, reason string) {
	c.abandoning = true
	for _, mem := range c.members {
		mem.Abandon(ctx, reason)
	}
	c.abandon(ctx, c, reason)
}

func (c *YFlowCoordinator) memberOptions() []MachineOption {
	return []MachineOption{
		Nested(),
		WithListener(c.onMember),
		WithYFlowRules(yflowRules(c.target)),
	}
}

// runMembers starts one machine per flow and returns the follow-up event
// when none of them has to wait.
func (c *YFlowCoordinator) runMembers(ctx context.Context, flows []*model.Flow, build func(*model.Flow) *Machine) Event {
	c.errs, c.succeeded = nil, nil
	c.pending = len(flows)
	c.starting = true
	for _, f := range flows {
		mem := build(f)
		c.members = append(c.members, mem)
		mem.Start(ctx)
	}
	c.starting = false
	if c.pending == 0 {
		return c.membersDone(ctx)
	}
	return noEvent
}

func (c *YFlowCoordinator) onMember(ctx context.Context, s Saga) {
	c.pending--
	if err := s.Err(); err != nil {
		c.errs = append(c.errs, err)
	} else {
		c.succeeded = append(c.succeeded, s.FlowID())
	}
	if c.pending > 0 || c.starting || c.abandoning || c.state.Terminal() {
		return
	}
	c.fire(ctx, c.membersDone(ctx))
}

func (c *YFlowCoordinator) membersDone(ctx context.Context) Event {
	switch c.state {
	case StateSubFlowsRunning:
		if len(c.errs) > 0 {
			c.sc.fail(c.strategy.HandleErrors(c.errs))
			return EventError
		}
		return EventNext
	case StateRevertNew:
		if len(c.errs) > 0 {
			c.logger.Error("revert of %d sub-flows failed: %v", len(c.errs), errors.Join(c.errs...))
		}
		return c.afterRevert(ctx, c)
	}
	c.logger.Warn("members settled in unexpected state %s", c.state)
	return noEvent
}

// sharedMeters lists the meters of y on switches that support them.
func (c *YFlowCoordinator) sharedMeters(ctx context.Context, y *model.YFlow) (rule.RuleSet, error) {
	caps, err := c.deps.Capabilities.Lookup(ctx, y.SharedEndpoint.SwitchID, y.YPoint)
	if err != nil {
		return rule.RuleSet{}, err
	}
	var rs rule.RuleSet
	if sw := y.SharedEndpoint.SwitchID; y.SharedEndpointMeter != 0 && caps.Of(sw).Has(model.FeatureMeters) {
		rs.Meters = append(rs.Meters, rule.NewMeter(sw, y.SharedEndpointMeter, y.Bandwidth))
	}
	if y.YPointMeter != 0 && caps.Of(y.YPoint).Has(model.FeatureMeters) {
		rs.Meters = append(rs.Meters, rule.NewMeter(y.YPoint, y.YPointMeter, y.Bandwidth))
	}
	return rs, nil
}

// sharedDispatch compiles the dispatch rule of the shared endpoint from a
// member the switches held. Compilation leaves it out while another stored
// flow still enters on the same port and vlan.
func (c *YFlowCoordinator) sharedDispatch(ctx context.Context) rule.RuleSet {
	var sample *model.Flow
	for _, mem := range c.members {
		f := mem.sc.Original
		if f == nil {
			f = mem.sc.Target
		}
		if f != nil && f.ForwardPath != nil {
			sample = f
			break
		}
	}
	if sample == nil {
		return rule.RuleSet{}
	}
	rs, err := c.installSet(ctx, sample)
	if err != nil {
		c.logger.Warn("shared dispatch rule of %s not compiled: %v", sample.FlowID, err)
		return rule.RuleSet{}
	}
	var out rule.RuleSet
	for _, r := range rs.Filter(rule.RoleDispatch).Rules {
		if r.SwitchID == c.target.SharedEndpoint.SwitchID {
			out.Rules = append(out.Rules, r)
		}
	}
	return out
}

func (c *YFlowCoordinator) releaseMeters(ctx context.Context, y *model.YFlow) {
	if y.SharedEndpointMeter != 0 {
		if err := c.deps.Allocator.ReleaseMeter(ctx, y.SharedEndpoint.SwitchID, y.SharedEndpointMeter); err != nil {
			c.logger.Error("release of shared meter failed: %v", err)
		}
	}
	if y.YPointMeter != 0 {
		if err := c.deps.Allocator.ReleaseMeter(ctx, y.YPoint, y.YPointMeter); err != nil {
			c.logger.Error("release of y-point meter failed: %v", err)
		}
	}
}

func yNext(context.Context, *YFlowCoordinator) Event { return EventNext }

func yFailStep(_ context.Context, c *YFlowCoordinator) Event {
	c.sc.failStep()
	return noEvent
}

func yValidate(ctx context.Context, c *YFlowCoordinator) Event {
	if err := c.validate(ctx, c); err != nil {
		c.sc.fail(err)
		return EventError
	}
	rules := yflowRules(c.target)
	c.sc.YFlow = &rules
	return EventNext
}

func ySwitchOver(ctx context.Context, c *YFlowCoordinator) Event {
	c.target.Status = model.FlowStatusUp
	if err := c.deps.Store.SaveYFlow(ctx, c.target); err != nil {
		c.sc.fail(flowhs.WrapError(flowhs.ErrSagaConflict, "y-flow could not be saved", err, c.meta()))
		return EventError
	}
	return EventNext
}

// NewYFlowCreate builds the coordinator provisioning a y-flow: shared
// meters first, then every sub-flow in parallel.
func NewYFlowCreate(req YFlowCreateRequest, deps Deps, opts ...MachineOption) *YFlowCoordinator {
	target := req.YFlow.Clone()
	table := Table[*YFlowCoordinator]{}.
		On(StateInitialized, EventNext, StateValidate, yValidate).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateValidate, EventNext, StateAllocateResources, yAllocateMeters).
		On(StateAllocateResources, EventError, StateFinishedWithError, nil).
		On(StateAllocateResources, EventNext, StateInstallNew, yInstallMeters).
		On(StateInstallNew, EventResponseReceived, StateSubFlowsRunning, yCreateMembers).
		On(StateInstallNew, EventError, StateReleaseResources, yReleaseCreated).
		OnAny(StateInstallNew, failed, StateRevertNew, yRevertCreate).
		On(StateSubFlowsRunning, EventNext, StateSwitchOver, ySwitchOver).
		On(StateSubFlowsRunning, EventError, StateRevertNew, yRevertCreate).
		On(StateSwitchOver, EventNext, StateNotify, yNext).
		On(StateSwitchOver, EventError, StateRevertNew, yRevertCreate).
		OnAny(StateRevertNew, settled, StateReleaseResources, yReleaseCreated).
		On(StateRevertNew, EventError, StateReleaseResources, yReleaseCreated).
		On(StateReleaseResources, EventError, StateFinishedWithError, nil).
		On(StateNotify, EventNext, StateFinished, nil)

	c := newCoordinator(OpYFlowCreate, target.YFlowID, table, deps, opts)
	c.validate = func(ctx context.Context, c *YFlowCoordinator) error {
		if _, err := c.deps.Store.GetYFlow(ctx, target.YFlowID); err == nil {
			return flowhs.NewError(flowhs.ErrValidation, "y-flow "+target.YFlowID+" already exists", c.meta())
		} else if !flowhs.HasCode(err, flowhs.CodeFlowNotFound) {
			return err
		}
		target.Status = model.FlowStatusInProgress
		return nil
	}
	c.afterRevert = yRemoveShared

	target.SubFlows = nil
	target.SharedEndpointMeter, target.YPointMeter = 0, 0
	if target.YPoint == target.SharedEndpoint.SwitchID {
		target.YPoint = ""
	}
	for _, f := range req.SubFlows {
		sub := f.Clone()
		sub.YFlowID = target.YFlowID
		c.subFlows = append(c.subFlows, sub)
		target.SubFlows = append(target.SubFlows, sub.FlowID)
	}
	c.target = target
	return c
}

func yAllocateMeters(ctx context.Context, c *YFlowCoordinator) Event {
	y := c.target
	id, err := c.deps.Allocator.AllocateMeter(ctx, y.SharedEndpoint.SwitchID)
	if err != nil {
		c.sc.fail(flowhs.WrapError(flowhs.ErrResourceAllocation, "no shared endpoint meter", err, c.meta()))
		return EventError
	}
	y.SharedEndpointMeter = id
	if y.YPoint != "" {
		id, err := c.deps.Allocator.AllocateMeter(ctx, y.YPoint)
		if err != nil {
			c.releaseMeters(ctx, y)
			y.SharedEndpointMeter = 0
			c.sc.fail(flowhs.WrapError(flowhs.ErrResourceAllocation, "no y-point meter", err, c.meta()))
			return EventError
		}
		y.YPointMeter = id
	}
	rules := yflowRules(y)
	c.sc.YFlow = &rules
	return EventNext
}

func yInstallMeters(ctx context.Context, c *YFlowCoordinator) Event {
	rs, err := c.sharedMeters(ctx, c.target)
	if err != nil {
		c.sc.fail(err)
		return EventError
	}
	c.sc.Installed = rs
	return c.dispatch(ctx, speaker.BuildBatch(speaker.KindInstall, rs))
}

func yCreateMembers(ctx context.Context, c *YFlowCoordinator) Event {
	opts := c.memberOptions()
	return c.runMembers(ctx, c.subFlows, func(f *model.Flow) *Machine {
		return NewCreate(CreateRequest{Flow: f}, c.deps, opts...)
	})
}

// yRevertCreate deletes the sub-flows that were provisioned. The shared
// meters go once they settled.
func yRevertCreate(ctx context.Context, c *YFlowCoordinator) Event {
	c.sc.failStep()
	var flows []*model.Flow
	for _, id := range c.succeeded {
		flows = append(flows, &model.Flow{FlowID: id})
	}
	if len(flows) == 0 {
		return c.afterRevert(ctx, c)
	}
	opts := c.memberOptions()
	return c.runMembers(ctx, flows, func(f *model.Flow) *Machine {
		return NewDelete(DeleteRequest{FlowID: f.FlowID}, c.deps, opts...)
	})
}

// yRemoveShared deletes the shared meters and dispatch rule.
func yRemoveShared(ctx context.Context, c *YFlowCoordinator) Event {
	meters, err := c.sharedMeters(ctx, c.target)
	if err != nil {
		c.sc.fail(err)
		return EventError
	}
	c.sc.Removal = rule.Merge(meters, c.sharedDispatch(ctx))
	return c.dispatch(ctx, speaker.BuildBatch(speaker.KindDelete, c.sc.Removal))
}

func yReleaseCreated(ctx context.Context, c *YFlowCoordinator) Event {
	if err := c.sc.stepErr; err != nil {
		c.logger.Error("shared descriptors not removed: %v", err)
	}
	c.releaseMeters(ctx, c.target)
	return EventError
}

// NewYFlowUpdate builds the coordinator changing the shared bandwidth and
// updating the listed sub-flows. The shared meters are modified in place and
// never deleted.
func NewYFlowUpdate(req YFlowUpdateRequest, deps Deps, opts ...MachineOption) *YFlowCoordinator {
	table := Table[*YFlowCoordinator]{}.
		On(StateInitialized, EventNext, StateValidate, yValidate).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateValidate, EventNext, StateInstallNew, yModifyMeters).
		On(StateInstallNew, EventResponseReceived, StateSubFlowsRunning, yUpdateMembers).
		On(StateInstallNew, EventError, StateFinishedWithError, nil).
		OnAny(StateInstallNew, failed, StateRevertNew, yRevertUpdate).
		On(StateSubFlowsRunning, EventNext, StateSwitchOver, ySwitchOver).
		On(StateSubFlowsRunning, EventError, StateRevertNew, yRevertUpdate).
		On(StateSwitchOver, EventNext, StateNotify, yNext).
		On(StateSwitchOver, EventError, StateRevertNew, yRevertUpdate).
		OnAny(StateRevertNew, settled, StateFinishedWithError, yRestored).
		On(StateRevertNew, EventError, StateFinishedWithError, nil).
		On(StateNotify, EventNext, StateFinished, nil)

	c := newCoordinator(OpYFlowUpdate, req.YFlow.YFlowID, table, deps, opts)
	c.validate = func(ctx context.Context, c *YFlowCoordinator) error {
		orig, err := c.deps.Store.GetYFlow(ctx, req.YFlow.YFlowID)
		if err != nil {
			return err
		}
		if req.YFlow.SharedEndpoint.SwitchID != "" && req.YFlow.SharedEndpoint != orig.SharedEndpoint {
			return flowhs.NewError(flowhs.ErrValidation, "shared endpoint cannot change", c.meta())
		}
		members := map[string]bool{}
		for _, id := range orig.SubFlows {
			members[id] = true
		}
		for _, f := range req.SubFlows {
			if !members[f.FlowID] {
				return flowhs.NewError(flowhs.ErrValidation,
					fmt.Sprintf("flow %s is not a member of y-flow %s", f.FlowID, orig.YFlowID), c.meta())
			}
			prev, err := c.deps.Store.Get(ctx, f.FlowID)
			if err != nil {
				return err
			}
			c.previous[f.FlowID] = prev
			sub := f.Clone()
			sub.YFlowID = orig.YFlowID
			c.subFlows = append(c.subFlows, sub)
		}
		target := orig.Clone()
		target.Bandwidth = req.YFlow.Bandwidth
		target.Status = model.FlowStatusInProgress
		c.original, c.target = orig, target
		return nil
	}
	c.afterRevert = yRestoreMeters
	return c
}

func (c *YFlowCoordinator) bandwidthChanged() bool {
	return c.original != nil && c.original.Bandwidth != c.target.Bandwidth
}

func yModifyMeters(ctx context.Context, c *YFlowCoordinator) Event {
	if !c.bandwidthChanged() {
		return EventResponseReceived
	}
	rs, err := c.sharedMeters(ctx, c.target)
	if err != nil {
		c.sc.fail(err)
		return EventError
	}
	c.sc.Installed = rs
	return c.dispatch(ctx, speaker.BuildBatch(speaker.KindModify, rs))
}

func yUpdateMembers(ctx context.Context, c *YFlowCoordinator) Event {
	opts := c.memberOptions()
	return c.runMembers(ctx, c.subFlows, func(f *model.Flow) *Machine {
		return NewUpdate(UpdateRequest{Flow: f}, c.deps, opts...)
	})
}

// yRevertUpdate moves the updated sub-flows back to their stored
// definitions. Failed members already reverted themselves.
func yRevertUpdate(ctx context.Context, c *YFlowCoordinator) Event {
	c.sc.failStep()
	var flows []*model.Flow
	for _, id := range c.succeeded {
		if prev, ok := c.previous[id]; ok {
			flows = append(flows, prev)
		}
	}
	if len(flows) == 0 {
		return c.afterRevert(ctx, c)
	}
	opts := c.memberOptions()
	return c.runMembers(ctx, flows, func(f *model.Flow) *Machine {
		return NewUpdate(UpdateRequest{Flow: f}, c.deps, opts...)
	})
}

func yRestoreMeters(ctx context.Context, c *YFlowCoordinator) Event {
	if !c.bandwidthChanged() {
		return EventResponseReceived
	}
	rs, err := c.sharedMeters(ctx, c.original)
	if err != nil {
		c.sc.fail(err)
		return EventError
	}
	return c.dispatch(ctx, speaker.BuildBatch(speaker.KindModify, rs))
}

func yRestored(_ context.Context, c *YFlowCoordinator) Event {
	if res, ok := c.sc.Results[StateRevertNew]; ok && !res.Succeeded() {
		c.logger.Error("shared meter rate not restored: %v", res.Err())
	}
	return noEvent
}

// NewYFlowDelete builds the coordinator removing every sub-flow and then the
// shared descriptors. The shared meters stay while any member is stored.
func NewYFlowDelete(req YFlowDeleteRequest, deps Deps, opts ...MachineOption) *YFlowCoordinator {
	table := Table[*YFlowCoordinator]{}.
		On(StateInitialized, EventNext, StateValidate, yValidate).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateValidate, EventNext, StateSubFlowsRunning, yDeleteMembers).
		On(StateSubFlowsRunning, EventNext, StateDeleteExisting, yDeleteShared).
		On(StateSubFlowsRunning, EventError, StateFinishedWithError, nil).
		On(StateDeleteExisting, EventResponseReceived, StateReleaseResources, yReleaseDeleted).
		On(StateDeleteExisting, EventError, StateFinishedWithError, nil).
		OnAny(StateDeleteExisting, failed, StateFinishedWithError, yFailStep).
		On(StateReleaseResources, EventNext, StateNotify, yNext).
		On(StateReleaseResources, EventError, StateFinishedWithError, nil).
		On(StateNotify, EventNext, StateFinished, nil)

	c := newCoordinator(OpYFlowDelete, req.YFlowID, table, deps, opts)
	c.validate = func(ctx context.Context, c *YFlowCoordinator) error {
		y, err := c.deps.Store.GetYFlow(ctx, req.YFlowID)
		if err != nil {
			return err
		}
		for _, id := range y.SubFlows {
			f, err := c.deps.Store.Get(ctx, id)
			if flowhs.HasCode(err, flowhs.CodeFlowNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			c.subFlows = append(c.subFlows, f)
		}
		c.original, c.target = y, y.Clone()
		return nil
	}
	return c
}

func yDeleteMembers(ctx context.Context, c *YFlowCoordinator) Event {
	opts := c.memberOptions()
	return c.runMembers(ctx, c.subFlows, func(f *model.Flow) *Machine {
		return NewDelete(DeleteRequest{FlowID: f.FlowID}, c.deps, opts...)
	})
}

func yDeleteShared(ctx context.Context, c *YFlowCoordinator) Event {
	for _, id := range c.target.SubFlows {
		if _, err := c.deps.Store.Get(ctx, id); err == nil {
			c.sc.fail(flowhs.NewError(flowhs.ErrIllegalState, "sub-flow "+id+" is still stored", c.meta()))
			return EventError
		}
	}
	return yRemoveShared(ctx, c)
}

func yReleaseDeleted(ctx context.Context, c *YFlowCoordinator) Event {
	if err := c.deps.Store.DeleteYFlow(ctx, c.target.YFlowID); err != nil {
		c.sc.fail(err)
		return EventError
	}
	c.releaseMeters(ctx, c.target)
	return EventNext
}
