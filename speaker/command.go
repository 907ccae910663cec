package speaker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/rule"
)

// Kind is the operation a command asks the speaker to perform.
type Kind string

const (
	KindInstall Kind = "INSTALL"
	KindModify  Kind = "MODIFY"
	KindDelete  Kind = "DELETE"
	KindVerify  Kind = "VERIFY"
	KindDryRun  Kind = "DRY_RUN"
)

// Mutates reports whether the kind changes switch state.
func (k Kind) Mutates() bool {
	return k == KindInstall || k == KindModify || k == KindDelete
}

type PayloadKind string

const (
	PayloadRule  PayloadKind = "rule"
	PayloadMeter PayloadKind = "meter"
	PayloadGroup PayloadKind = "group"
)

// Payload holds exactly one rule, meter or group descriptor.
type Payload struct {
	kind  PayloadKind
	rule  rule.Rule
	meter rule.Meter
	group rule.Group
}

func RulePayload(r rule.Rule) Payload     { return Payload{kind: PayloadRule, rule: r} }
func MeterPayload(m rule.Meter) Payload   { return Payload{kind: PayloadMeter, meter: m} }
func GroupPayload(g rule.Group) Payload   { return Payload{kind: PayloadGroup, group: g} }
func (p Payload) Kind() PayloadKind       { return p.kind }
func (p Payload) Rule() (rule.Rule, bool) { return p.rule, p.kind == PayloadRule }

func (p Payload) Meter() (rule.Meter, bool) { return p.meter, p.kind == PayloadMeter }
func (p Payload) Group() (rule.Group, bool) { return p.group, p.kind == PayloadGroup }

// Key identifies the descriptor on its switch.
func (p Payload) Key() string {
	switch p.kind {
	case PayloadRule:
		return p.rule.Key()
	case PayloadMeter:
		return p.meter.Key()
	case PayloadGroup:
		return p.group.Key()
	}
	return ""
}

func (p Payload) SwitchID() model.SwitchID {
	switch p.kind {
	case PayloadRule:
		return p.rule.SwitchID
	case PayloadMeter:
		return p.meter.SwitchID
	case PayloadGroup:
		return p.group.SwitchID
	}
	return ""
}

func (p Payload) String() string {
	switch p.kind {
	case PayloadRule:
		return p.rule.String()
	case PayloadMeter:
		return fmt.Sprintf("%s meter=%d rate=%d burst=%d", p.meter.SwitchID, p.meter.MeterID, p.meter.Rate, p.meter.Burst)
	case PayloadGroup:
		return fmt.Sprintf("%s group=%d buckets=%d", p.group.SwitchID, p.group.GroupID, len(p.group.Buckets))
	}
	return "<empty>"
}

// Command is one request to a speaker. Commands are values; the dependency
// list is copied in and out so a sent command never changes.
type Command struct {
	ID        uuid.UUID
	Kind      Kind
	SwitchID  model.SwitchID
	Payload   Payload
	dependsOn []uuid.UUID
}

func NewCommand(kind Kind, payload Payload, dependsOn ...uuid.UUID) Command {
	return Command{
		ID:        uuid.New(),
		Kind:      kind,
		SwitchID:  payload.SwitchID(),
		Payload:   payload,
		dependsOn: append([]uuid.UUID(nil), dependsOn...),
	}
}

func (c Command) DependsOn() []uuid.UUID {
	return append([]uuid.UUID(nil), c.dependsOn...)
}

// WithoutMeter returns the command with the meter-call removed from a rule
// payload. Used when the meter it depends on was skipped.
func (c Command) WithoutMeter() Command {
	if r, ok := c.Payload.Rule(); ok {
		c.Payload = RulePayload(r.WithoutMeter())
	}
	c.dependsOn = append([]uuid.UUID(nil), c.dependsOn...)
	return c
}

// MeterRef returns the meter called by a rule payload.
func (c Command) MeterRef() model.MeterID {
	if r, ok := c.Payload.Rule(); ok {
		return r.Instructions.Meter
	}
	return 0
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s [%s]", c.Kind, c.Payload, c.ID)
}
