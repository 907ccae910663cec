package speaker

import (
	"fmt"

	"github.com/google/uuid"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/rule"
)

// Batch is the immutable dependency graph of the commands of one saga step.
type Batch struct {
	commands   []Command
	index      map[uuid.UUID]int
	dependents map[uuid.UUID][]uuid.UUID
}

// NewBatch validates that every dependency is part of the batch and that the
// graph has no cycle.
func NewBatch(commands ...Command) (*Batch, error) {
	b := &Batch{
		commands:   append([]Command(nil), commands...),
		index:      make(map[uuid.UUID]int, len(commands)),
		dependents: make(map[uuid.UUID][]uuid.UUID),
	}
	for i, c := range b.commands {
		if _, dup := b.index[c.ID]; dup {
			return nil, flowhs.NewError(flowhs.ErrInvalidArgument,
				fmt.Sprintf("duplicate command id %s", c.ID), nil)
		}
		b.index[c.ID] = i
	}
	for _, c := range b.commands {
		for _, dep := range c.dependsOn {
			if _, ok := b.index[dep]; !ok {
				return nil, flowhs.NewError(flowhs.ErrInvalidArgument,
					fmt.Sprintf("command %s depends on %s outside the batch", c.ID, dep), nil)
			}
			b.dependents[dep] = append(b.dependents[dep], c.ID)
		}
	}
	if err := b.checkAcyclic(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Batch) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[uuid.UUID]int, len(b.commands))
	var visit func(id uuid.UUID) bool
	visit = func(id uuid.UUID) bool {
		switch state[id] {
		case visiting:
			return false
		case visited:
			return true
		}
		state[id] = visiting
		for _, dep := range b.commands[b.index[id]].dependsOn {
			if !visit(dep) {
				return false
			}
		}
		state[id] = visited
		return true
	}
	for _, c := range b.commands {
		if !visit(c.ID) {
			return flowhs.NewError(flowhs.ErrInvalidArgument, "command dependencies form a cycle",
				map[string]any{"command_id": c.ID.String()})
		}
	}
	return nil
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.commands)
}

// Commands returns the commands in build order.
func (b *Batch) Commands() []Command {
	if b == nil {
		return nil
	}
	return append([]Command(nil), b.commands...)
}

func (b *Batch) Get(id uuid.UUID) (Command, bool) {
	if b == nil {
		return Command{}, false
	}
	i, ok := b.index[id]
	if !ok {
		return Command{}, false
	}
	return b.commands[i], true
}

// Dependents lists the commands waiting on id.
func (b *Batch) Dependents(id uuid.UUID) []uuid.UUID {
	return append([]uuid.UUID(nil), b.dependents[id]...)
}

// Ready lists, in build order, the commands not in done whose dependencies
// are all in done.
func (b *Batch) Ready(done map[uuid.UUID]bool) []Command {
	if b == nil {
		return nil
	}
	var out []Command
	for _, c := range b.commands {
		if done[c.ID] {
			continue
		}
		ready := true
		for _, dep := range c.dependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, c)
		}
	}
	return out
}

// BuildBatch wraps every descriptor of rs in a command of the given kind.
//
// For install, modify, verify and dry-run batches a rule depends on the
// meter and group commands it references. Delete batches invert the edge so
// a meter or group goes only once no rule points at it. Install batches also
// delete rs.Cleanup rules, without dependencies.
func BuildBatch(kind Kind, rs rule.RuleSet) *Batch {
	var commands []Command
	meters := map[string]uuid.UUID{}
	groups := map[string]uuid.UUID{}

	if kind != KindDelete {
		for _, m := range rs.Meters {
			c := NewCommand(kind, MeterPayload(m))
			meters[m.Key()] = c.ID
			commands = append(commands, c)
		}
		for _, g := range rs.Groups {
			c := NewCommand(kind, GroupPayload(g))
			groups[g.Key()] = c.ID
			commands = append(commands, c)
		}
		for _, r := range rs.Rules {
			commands = append(commands, NewCommand(kind, RulePayload(r), references(r, meters, groups)...))
		}
		if kind == KindInstall {
			for _, r := range rs.Cleanup {
				commands = append(commands, NewCommand(KindDelete, RulePayload(r)))
			}
		}
		return mustBatch(commands)
	}

	referrers := map[string][]uuid.UUID{}
	for _, r := range rs.Rules {
		c := NewCommand(kind, RulePayload(r))
		commands = append(commands, c)
		if r.Instructions.Meter != 0 {
			key := rule.Meter{SwitchID: r.SwitchID, MeterID: r.Instructions.Meter}.Key()
			referrers[key] = append(referrers[key], c.ID)
		}
		for _, a := range r.Instructions.Apply {
			if a.Type == rule.ActionGroup {
				key := rule.Group{SwitchID: r.SwitchID, GroupID: a.Group}.Key()
				referrers[key] = append(referrers[key], c.ID)
			}
		}
	}
	for _, m := range rs.Meters {
		commands = append(commands, NewCommand(kind, MeterPayload(m), referrers[m.Key()]...))
	}
	for _, g := range rs.Groups {
		commands = append(commands, NewCommand(kind, GroupPayload(g), referrers[g.Key()]...))
	}
	return mustBatch(commands)
}

func references(r rule.Rule, meters, groups map[string]uuid.UUID) []uuid.UUID {
	var deps []uuid.UUID
	if r.Instructions.Meter != 0 {
		if id, ok := meters[rule.Meter{SwitchID: r.SwitchID, MeterID: r.Instructions.Meter}.Key()]; ok {
			deps = append(deps, id)
		}
	}
	for _, a := range r.Instructions.Apply {
		if a.Type != rule.ActionGroup {
			continue
		}
		if id, ok := groups[rule.Group{SwitchID: r.SwitchID, GroupID: a.Group}.Key()]; ok {
			deps = append(deps, id)
		}
	}
	return deps
}

// mustBatch is used where the graph is correct by construction.
func mustBatch(commands []Command) *Batch {
	b, err := NewBatch(commands...)
	if err != nil {
		panic(err)
	}
	return b
}

// MergeBatches joins independent batches into one.
func MergeBatches(batches ...*Batch) *Batch {
	var commands []Command
	for _, b := range batches {
		commands = append(commands, b.Commands()...)
	}
	return mustBatch(commands)
}
