package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// Allocator reserves the network resources a flow needs. Every allocation
// has a matching release; releasing twice is harmless.
type Allocator interface {
	Allocate(ctx context.Context, flow *model.Flow, caps model.SwitchCapabilities) (*Resources, error)
	Release(ctx context.Context, res *Resources) error
	AllocateMeter(ctx context.Context, sw model.SwitchID) (model.MeterID, error)
	ReleaseMeter(ctx context.Context, sw model.SwitchID, id model.MeterID) error
	AllocateGroup(ctx context.Context, sw model.SwitchID) (model.GroupID, error)
	ReleaseGroup(ctx context.Context, sw model.SwitchID, id model.GroupID) error
	NewFlowID() string
}

type MeterRef struct {
	SwitchID model.SwitchID
	MeterID  model.MeterID
}

// Resources is what one allocation produced.
type Resources struct {
	FlowID           string
	Cookie           uint32
	ProtectedCookie  uint32
	Forward          *model.FlowPath
	Reverse          *model.FlowPath
	ProtectedForward *model.FlowPath
	ProtectedReverse *model.FlowPath
	Meters           []MeterRef
	Encapsulations   []model.EncapsulationID
}

// Paths lists every allocated path, primary first.
func (r *Resources) Paths() []*model.FlowPath {
	if r == nil {
		return nil
	}
	var out []*model.FlowPath
	for _, p := range []*model.FlowPath{r.Forward, r.Reverse, r.ProtectedForward, r.ProtectedReverse} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ApplyTo installs the allocated paths into flow.
func (r *Resources) ApplyTo(flow *model.Flow) {
	flow.ForwardPath = r.Forward.Clone()
	flow.ReversePath = r.Reverse.Clone()
	flow.ProtectedForwardPath = r.ProtectedForward.Clone()
	flow.ProtectedReversePath = r.ProtectedReverse.Clone()
}

// FromFlow describes the resources held by an existing flow so they can be
// released.
func FromFlow(flow *model.Flow) *Resources {
	if flow == nil {
		return nil
	}
	r := &Resources{
		FlowID:           flow.FlowID,
		Forward:          flow.ForwardPath.Clone(),
		Reverse:          flow.ReversePath.Clone(),
		ProtectedForward: flow.ProtectedForwardPath.Clone(),
		ProtectedReverse: flow.ProtectedReversePath.Clone(),
	}
	for _, p := range r.Paths() {
		switch {
		case p.Protected && r.ProtectedCookie == 0:
			r.ProtectedCookie = p.Cookie.EffectiveID()
		case !p.Protected && r.Cookie == 0:
			r.Cookie = p.Cookie.EffectiveID()
		}
		if p.MeterID != 0 {
			r.Meters = append(r.Meters, MeterRef{SwitchID: p.SrcSwitch, MeterID: p.MeterID})
		}
		if !p.Encapsulation.IsZero() {
			r.Encapsulations = append(r.Encapsulations, p.Encapsulation)
		}
	}
	return r
}

const (
	StepPaths          = "paths"
	StepProtectedPaths = "protected-paths"
	StepCookie         = "cookie"
	StepMeters         = "meters"
	StepEncapsulation  = "encapsulation"
)

const (
	minFlowMeterID = 32
	maxFlowMeterID = 2500
	minGroupID     = 2
	maxGroupID     = 65535
	maxCookieID    = 0x3FFFFFFF
)

// Fault makes Allocate fail at Step for FlowID (empty matches any flow).
// Times <= 0 means forever.
type Fault struct {
	FlowID string
	Step   string
	Times  int
	Err    error
}

type MemoryAllocator struct {
	mu     sync.Mutex
	routes PathComputer
	prefix string
	logger flowhs.Logger

	cookies *pool
	meters  *pool
	groups  *pool
	vlans   *pool
	vxlans  *pool
	faults  []*Fault
}

type Option func(*MemoryAllocator)

func WithVlanPool(min, max int) Option {
	return func(a *MemoryAllocator) {
		a.vlans = newPool("vlan", min, max)
	}
}

func WithVxlanPool(min, max int) Option {
	return func(a *MemoryAllocator) {
		a.vxlans = newPool("vxlan", min, max)
	}
}

func WithFlowIDPrefix(prefix string) Option {
	return func(a *MemoryAllocator) {
		a.prefix = prefix
	}
}

func WithLogger(l flowhs.Logger) Option {
	return func(a *MemoryAllocator) {
		a.logger = flowhs.NormalizeLogger(l)
	}
}

func NewMemoryAllocator(routes PathComputer, opts ...Option) *MemoryAllocator {
	a := &MemoryAllocator{
		routes:  routes,
		prefix:  "flow-",
		logger:  flowhs.NopLogger{},
		cookies: newPool("cookie", 1, maxCookieID),
		meters:  newPool("meter", minFlowMeterID, maxFlowMeterID),
		groups:  newPool("group", minGroupID, maxGroupID),
		vlans:   newPool("vlan", 101, 4095),
		vxlans:  newPool("vxlan", 4096, 16777214),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *MemoryAllocator) NewFlowID() string {
	return a.prefix + uuid.NewString()
}

func (a *MemoryAllocator) Inject(f Fault) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = append(a.faults, &f)
}

func (a *MemoryAllocator) fault(flowID, step string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.faults {
		if f.Step != step || (f.FlowID != "" && f.FlowID != flowID) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Times = -1
			}
		} else if f.Times < 0 {
			continue
		}
		if f.Err != nil {
			return f.Err
		}
		return fmt.Errorf("injected %s failure", step)
	}
	return nil
}

// Allocate reserves paths, a cookie, ingress meters and transit
// encapsulation for flow. Partial allocations are released before an
// error is returned.
func (a *MemoryAllocator) Allocate(ctx context.Context, flow *model.Flow, caps model.SwitchCapabilities) (*Resources, error) {
	res := &Resources{FlowID: flow.FlowID}
	oneSwitch := flow.Src.SwitchID == flow.Dst.SwitchID

	steps := []Step{
		{
			Name: StepPaths,
			Allocate: func(ctx context.Context) error {
				if err := a.fault(flow.FlowID, StepPaths); err != nil {
					return err
				}
				if oneSwitch {
					res.Forward = a.path(flow, nil, true, false, caps)
					res.Reverse = a.path(flow, nil, false, false, caps)
					return nil
				}
				route, err := a.routes.Route(ctx, flow.Src.SwitchID, flow.Dst.SwitchID, nil)
				if err != nil {
					return err
				}
				res.Forward = a.path(flow, route, true, false, caps)
				res.Reverse = a.path(flow, ReverseSegments(route), false, false, caps)
				return nil
			},
			Release: func(context.Context) error {
				res.Forward, res.Reverse = nil, nil
				return nil
			},
		},
	}
	if flow.AllocateProtected && !oneSwitch {
		steps = append(steps, Step{
			Name: StepProtectedPaths,
			Allocate: func(ctx context.Context) error {
				if err := a.fault(flow.FlowID, StepProtectedPaths); err != nil {
					return err
				}
				route, err := a.routes.Route(ctx, flow.Src.SwitchID, flow.Dst.SwitchID, res.Forward.Segments)
				if err != nil {
					return fmt.Errorf("no diverse protected path: %w", err)
				}
				res.ProtectedForward = a.path(flow, route, true, true, caps)
				res.ProtectedReverse = a.path(flow, ReverseSegments(route), false, true, caps)
				return nil
			},
			Release: func(context.Context) error {
				res.ProtectedForward, res.ProtectedReverse = nil, nil
				return nil
			},
		})
	}
	steps = append(steps,
		Step{
			Name: StepCookie,
			Allocate: func(context.Context) error {
				if err := a.fault(flow.FlowID, StepCookie); err != nil {
					return err
				}
				a.mu.Lock()
				defer a.mu.Unlock()
				id, err := a.cookies.take("")
				if err != nil {
					return err
				}
				res.Cookie = uint32(id)
				if res.ProtectedForward != nil {
					pid, err := a.cookies.take("")
					if err != nil {
						a.cookies.put("", id)
						res.Cookie = 0
						return err
					}
					res.ProtectedCookie = uint32(pid)
				}
				for _, p := range res.Paths() {
					cookie := res.Cookie
					if p.Protected {
						cookie = res.ProtectedCookie
					}
					p.Cookie = model.NewCookie(cookie, !isReversePath(res, p))
				}
				return nil
			},
			Release: func(context.Context) error {
				a.mu.Lock()
				defer a.mu.Unlock()
				for _, id := range []uint32{res.Cookie, res.ProtectedCookie} {
					if id != 0 {
						a.cookies.put("", int(id))
					}
				}
				res.Cookie, res.ProtectedCookie = 0, 0
				return nil
			},
		},
		Step{
			Name: StepMeters,
			Allocate: func(ctx context.Context) error {
				if err := a.fault(flow.FlowID, StepMeters); err != nil {
					return err
				}
				if flow.Bandwidth <= 0 {
					return nil
				}
				for _, p := range res.Paths() {
					id, err := a.AllocateMeter(ctx, p.SrcSwitch)
					if err != nil {
						return err
					}
					p.MeterID = id
					res.Meters = append(res.Meters, MeterRef{SwitchID: p.SrcSwitch, MeterID: id})
				}
				return nil
			},
			Release: func(ctx context.Context) error {
				for _, m := range res.Meters {
					_ = a.ReleaseMeter(ctx, m.SwitchID, m.MeterID)
				}
				res.Meters = nil
				return nil
			},
		},
		Step{
			Name: StepEncapsulation,
			Allocate: func(context.Context) error {
				if err := a.fault(flow.FlowID, StepEncapsulation); err != nil {
					return err
				}
				if oneSwitch {
					return nil
				}
				for _, p := range res.Paths() {
					encap, err := a.takeEncapsulation(flow.Encapsulation)
					if err != nil {
						return err
					}
					p.Encapsulation = encap
					res.Encapsulations = append(res.Encapsulations, encap)
				}
				return nil
			},
			Release: func(context.Context) error {
				a.releaseEncapsulations(res.Encapsulations)
				res.Encapsulations = nil
				return nil
			},
		},
	)

	if err := RunSteps(ctx, steps); err != nil {
		a.logger.Warn("resource allocation for %s failed: %v", flow.FlowID, err)
		return nil, err
	}
	a.logger.Debug("allocated cookie %d and %d paths for %s", res.Cookie, len(res.Paths()), flow.FlowID)
	return res, nil
}

func isReversePath(res *Resources, p *model.FlowPath) bool {
	return p == res.Reverse || p == res.ProtectedReverse
}

// path builds a path in the given direction. Mirror points of the matching
// existing path survive when their switch is still an endpoint.
func (a *MemoryAllocator) path(flow *model.Flow, route []model.PathSegment, forward, protected bool, caps model.SwitchCapabilities) *model.FlowPath {
	src, dst := flow.Src.SwitchID, flow.Dst.SwitchID
	role := "forward"
	if !forward {
		src, dst = dst, src
		role = "reverse"
	}
	if protected {
		role = "protected-" + role
	}
	p := &model.FlowPath{
		PathID:        fmt.Sprintf("%s--%s--%s", flow.FlowID, role, uuid.NewString()[:8]),
		SrcSwitch:     src,
		DstSwitch:     dst,
		Segments:      route,
		Protected:     protected,
		OneSwitch:     src == dst,
		SrcMultiTable: caps.Of(src).Has(model.FeatureMultiTable),
		DstMultiTable: caps.Of(dst).Has(model.FeatureMultiTable),
	}
	if protected {
		return p
	}
	existing := flow.ForwardPath
	if !forward {
		existing = flow.ReversePath
	}
	if existing != nil {
		for _, mp := range existing.MirrorPoints {
			if mp.MirrorSwitch == src || mp.MirrorSwitch == dst {
				mp.Sinks = append([]model.FlowEndpoint(nil), mp.Sinks...)
				p.MirrorPoints = append(p.MirrorPoints, mp)
			}
		}
	}
	return p
}

func (a *MemoryAllocator) takeEncapsulation(t model.EncapsulationType) (model.EncapsulationID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch t {
	case model.EncapsulationVXLAN:
		id, err := a.vxlans.take("")
		return model.EncapsulationID{Type: t, Value: uint32(id)}, err
	default:
		id, err := a.vlans.take("")
		return model.EncapsulationID{Type: t, Value: uint32(id)}, err
	}
}

func (a *MemoryAllocator) releaseEncapsulations(ids []model.EncapsulationID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range ids {
		if e.Type == model.EncapsulationVXLAN {
			a.vxlans.put("", int(e.Value))
		} else {
			a.vlans.put("", int(e.Value))
		}
	}
}

// Release frees everything res holds.
func (a *MemoryAllocator) Release(ctx context.Context, res *Resources) error {
	if res == nil {
		return nil
	}
	for _, m := range res.Meters {
		if err := a.ReleaseMeter(ctx, m.SwitchID, m.MeterID); err != nil {
			return err
		}
	}
	a.releaseEncapsulations(res.Encapsulations)
	a.mu.Lock()
	for _, id := range []uint32{res.Cookie, res.ProtectedCookie} {
		if id != 0 {
			a.cookies.put("", int(id))
		}
	}
	for _, p := range res.Paths() {
		for _, mp := range p.MirrorPoints {
			if mp.MirrorGroup != 0 {
				a.groups.put(string(mp.MirrorSwitch), int(mp.MirrorGroup))
			}
		}
	}
	a.mu.Unlock()
	a.logger.Debug("released resources of %s", res.FlowID)
	return nil
}

func (a *MemoryAllocator) AllocateMeter(_ context.Context, sw model.SwitchID) (model.MeterID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, err := a.meters.take(string(sw))
	return model.MeterID(id), err
}

func (a *MemoryAllocator) ReleaseMeter(_ context.Context, sw model.SwitchID, id model.MeterID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meters.put(string(sw), int(id))
	return nil
}

func (a *MemoryAllocator) AllocateGroup(_ context.Context, sw model.SwitchID) (model.GroupID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, err := a.groups.take(string(sw))
	return model.GroupID(id), err
}

func (a *MemoryAllocator) ReleaseGroup(_ context.Context, sw model.SwitchID, id model.GroupID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups.put(string(sw), int(id))
	return nil
}

// Usage reports how many ids of each kind are held, for tests and the CLI.
func (a *MemoryAllocator) Usage() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]int{
		"cookie": a.cookies.inUse(""),
		"vlan":   a.vlans.inUse(""),
		"vxlan":  a.vxlans.inUse(""),
	}
	meters, groups := 0, 0
	for scope := range a.meters.used {
		meters += a.meters.inUse(scope)
	}
	for scope := range a.groups.used {
		groups += a.groups.inUse(scope)
	}
	out["meter"] = meters
	out["group"] = groups
	return out
}
