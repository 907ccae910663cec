package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/runner"
	"github.com/goliatone/go-flowhs/speaker"
)

func switchesOf(flow *model.Flow) []model.SwitchID {
	seen := map[model.SwitchID]bool{}
	var out []model.SwitchID
	add := func(sw model.SwitchID) {
		if sw != "" && !seen[sw] {
			seen[sw] = true
			out = append(out, sw)
		}
	}
	add(flow.Src.SwitchID)
	add(flow.Dst.SwitchID)
	for _, p := range flow.Paths() {
		for _, sw := range p.Switches() {
			add(sw)
		}
	}
	return out
}

func (c *core) capabilities(ctx context.Context, flow *model.Flow) (model.SwitchCapabilities, error) {
	return c.deps.Capabilities.Lookup(ctx, switchesOf(flow)...)
}

// checkEndpoints rejects double tagged endpoints on switches without
// multi-table support before anything is allocated.
func (c *core) checkEndpoints(ctx context.Context, flow *model.Flow) error {
	caps, err := c.capabilities(ctx, flow)
	if err != nil {
		return err
	}
	for _, ep := range []model.FlowEndpoint{flow.Src, flow.Dst} {
		if ep.IsQinQ() && !caps.Of(ep.SwitchID).Has(model.FeatureMultiTable) {
			return flowhs.NewError(flowhs.ErrValidation,
				"double tagged endpoint requires a multi-table switch",
				map[string]any{"flow_id": flow.FlowID, "endpoint": ep.String()})
		}
	}
	return nil
}

// installSet compiles what the switches hold for flow: every rule of the
// primary paths and the transit and egress rules of the protected paths.
func (c *core) installSet(ctx context.Context, flow *model.Flow, opts ...rule.Option) (rule.RuleSet, error) {
	caps, err := c.capabilities(ctx, flow)
	if err != nil {
		return rule.RuleSet{}, err
	}
	overlapping, err := c.deps.Store.OverlappingIngress(ctx, flow.FlowID, flow.Src, flow.Dst)
	if err != nil {
		return rule.RuleSet{}, err
	}
	base := []rule.Option{
		rule.WithOverlappingIngress(overlapping...),
		rule.WithLegacyCleanup(c.deps.Settings.LegacyCleanup),
	}
	if c.sc.YFlow != nil {
		base = append(base, rule.WithYFlow(*c.sc.YFlow))
	}
	base = append(base, opts...)

	primary, err := rule.CompileFlow(flow, flow.PrimaryPaths(), caps, base...)
	if err != nil {
		return rule.RuleSet{}, err
	}
	protected, err := rule.CompileFlow(flow, flow.ProtectedPaths(), caps, base...)
	if err != nil {
		return rule.RuleSet{}, err
	}
	return rule.Merge(primary, protected.Filter(rule.RoleTransit, rule.RoleEgress)), nil
}

// ingressRestore lists the ingress rules of rs. Callers drop the keys the new
// rule set reinstalls; the rest were overwritten by new rules matching the
// same packets.
func ingressRestore(rs rule.RuleSet) rule.RuleSet {
	restore := rs.Filter(rule.RoleIngress)
	restore.Meters, restore.Groups = nil, nil
	return restore
}

// revertBatch deletes revert and then reinstalls restore. A restored rule
// waits for every delete on its switch.
func revertBatch(revert, restore rule.RuleSet) (*speaker.Batch, error) {
	deletes := speaker.BuildBatch(speaker.KindDelete, revert).Commands()
	bySwitch := map[model.SwitchID][]uuid.UUID{}
	for _, c := range deletes {
		bySwitch[c.SwitchID] = append(bySwitch[c.SwitchID], c.ID)
	}
	commands := deletes
	for _, r := range restore.Rules {
		commands = append(commands, speaker.NewCommand(speaker.KindInstall, speaker.RulePayload(r), bySwitch[r.SwitchID]...))
	}
	return speaker.NewBatch(commands...)
}

// allocatePaths reserves resources for the target with bounded retries.
// Validation failures are not retried.
func (m *Machine) allocatePaths(ctx context.Context) error {
	target := m.sc.Target
	caps, err := m.capabilities(ctx, target)
	if err != nil {
		return err
	}
	h := runner.NewHandler(
		runner.WithMaxRetries(m.deps.Settings.AllocationRetries),
		runner.WithRetryStrategy(runner.OnlyIf{
			Strategy: m.deps.Settings.AllocationBackoff,
			Match: func(err error) bool {
				return flowhs.ErrorKindOf(err) != flowhs.KindValidation
			},
		}),
		runner.WithLogger(m.logger),
	)
	res, err := runner.RunValue(ctx, h, func(ctx context.Context) (*resource.Resources, error) {
		m.sc.AllocationAttempts++
		return m.deps.Allocator.Allocate(ctx, target, caps)
	})
	if err != nil {
		return flowhs.WrapError(flowhs.ErrResourceAllocation,
			fmt.Sprintf("no resources for flow %s after %d attempts", target.FlowID, m.sc.AllocationAttempts),
			err, m.meta())
	}
	m.sc.Resources = res
	res.ApplyTo(target)
	return nil
}

// releasable strips from res the mirror groups keep still uses.
func releasable(res *resource.Resources, keep *model.Flow) *resource.Resources {
	if res == nil || keep == nil {
		return res
	}
	held := map[string]bool{}
	for _, p := range keep.Paths() {
		for _, mp := range p.MirrorPoints {
			held[fmt.Sprintf("%s/%d", mp.MirrorSwitch, mp.MirrorGroup)] = true
		}
	}
	strip := func(p *model.FlowPath) *model.FlowPath {
		if p == nil {
			return nil
		}
		cp := p.Clone()
		cp.MirrorPoints = nil
		for _, mp := range p.MirrorPoints {
			if !held[fmt.Sprintf("%s/%d", mp.MirrorSwitch, mp.MirrorGroup)] {
				cp.MirrorPoints = append(cp.MirrorPoints, mp)
			}
		}
		return cp
	}
	out := *res
	out.Forward = strip(res.Forward)
	out.Reverse = strip(res.Reverse)
	out.ProtectedForward = strip(res.ProtectedForward)
	out.ProtectedReverse = strip(res.ProtectedReverse)
	return &out
}
