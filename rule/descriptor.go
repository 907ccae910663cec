package rule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-flowhs/model"
)

// Table is a switch pipeline table.
type Table uint8

const (
	TableInput       Table = 0
	TablePreIngress  Table = 1
	TableIngress     Table = 2
	TablePostIngress Table = 3
	TableEgress      Table = 4
	TableTransit     Table = 5
)

func (t Table) String() string {
	switch t {
	case TableInput:
		return "INPUT"
	case TablePreIngress:
		return "PRE_INGRESS"
	case TableIngress:
		return "INGRESS"
	case TablePostIngress:
		return "POST_INGRESS"
	case TableEgress:
		return "EGRESS"
	case TableTransit:
		return "TRANSIT"
	}
	return fmt.Sprintf("TABLE_%d", uint8(t))
}

// Priorities. Offsets below the default keep dispatch and catch-all rules
// under any specific match; the y-flow tier never overlaps the regular one.
const (
	PriorityDefault       = 24576
	PriorityYFlow         = PriorityDefault + 5000
	PriorityUntaggedDelta = 1
	PriorityDispatchDelta = 10
	PriorityLoopOffset    = 100
	PriorityMirrorOffset  = 50
)

// PortInPort is the reserved output port sending a packet back where it came from.
const PortInPort uint32 = 0xFFFFFFF8

// Field is a match field.
type Field string

const (
	FieldInPort   Field = "IN_PORT"
	FieldVlanVID  Field = "VLAN_VID"
	FieldMetadata Field = "METADATA"
	FieldTunnelID Field = "TUNNEL_ID"
)

var fieldOrder = map[Field]int{FieldInPort: 0, FieldMetadata: 1, FieldVlanVID: 2, FieldTunnelID: 3}

// FieldMatch matches Value under Mask; a zero mask is an exact match.
type FieldMatch struct {
	Field Field  `yaml:"field" json:"field"`
	Value uint64 `yaml:"value" json:"value"`
	Mask  uint64 `yaml:"mask,omitempty" json:"mask,omitempty"`
}

// Match is a canonical set of field matches: sorted and one entry per field.
type Match []FieldMatch

// NewMatch builds a Match; later entries for the same field win.
func NewMatch(fields ...FieldMatch) Match {
	byField := make(map[Field]FieldMatch, len(fields))
	for _, f := range fields {
		byField[f.Field] = f
	}
	out := make(Match, 0, len(byField))
	for _, f := range byField {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := fieldOrder[out[i].Field], fieldOrder[out[j].Field]
		if oi != oj {
			return oi < oj
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func (m Match) Get(f Field) (FieldMatch, bool) {
	for _, fm := range m {
		if fm.Field == f {
			return fm, true
		}
	}
	return FieldMatch{}, false
}

func (m Match) String() string {
	parts := make([]string, 0, len(m))
	for _, fm := range m {
		if fm.Mask != 0 {
			parts = append(parts, fmt.Sprintf("%s=0x%x/0x%x", fm.Field, fm.Value, fm.Mask))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", fm.Field, fm.Value))
	}
	return strings.Join(parts, ",")
}

func InPort(port uint32) FieldMatch { return FieldMatch{Field: FieldInPort, Value: uint64(port)} }
func Vlan(vid int) FieldMatch       { return FieldMatch{Field: FieldVlanVID, Value: uint64(vid)} }

// Metadata carries the outer vlan between the dispatch and ingress tables.
type Metadata struct {
	Value uint64 `yaml:"value" json:"value"`
	Mask  uint64 `yaml:"mask" json:"mask"`
}

const (
	metadataOuterVlanMask uint64 = 0x0FFF
	metadataOuterVlanFlag uint64 = 1 << 12
)

func OuterVlanMetadata(vlan uint16) Metadata {
	return Metadata{
		Value: uint64(vlan)&metadataOuterVlanMask | metadataOuterVlanFlag,
		Mask:  metadataOuterVlanMask | metadataOuterVlanFlag,
	}
}

func (m Metadata) Match() FieldMatch {
	return FieldMatch{Field: FieldMetadata, Value: m.Value, Mask: m.Mask}
}

// ActionType enumerates apply-actions.
type ActionType string

const (
	ActionPopVlan   ActionType = "POP_VLAN"
	ActionPushVlan  ActionType = "PUSH_VLAN"
	ActionSetVlan   ActionType = "SET_VLAN"
	ActionPushVxlan ActionType = "PUSH_VXLAN"
	ActionPopVxlan  ActionType = "POP_VXLAN"
	ActionOutput    ActionType = "OUTPUT"
	ActionGroup     ActionType = "GROUP"
)

// VxlanVariant selects the vendor extension used to push or pop VXLAN.
type VxlanVariant string

const (
	VxlanNoviflow VxlanVariant = "NOVIFLOW"
	VxlanOvs      VxlanVariant = "OVS"
)

// Action is a value; only the fields relevant to Type are set.
type Action struct {
	Type    ActionType    `yaml:"type" json:"type"`
	Vlan    int           `yaml:"vlan,omitempty" json:"vlan,omitempty"`
	Vni     uint32        `yaml:"vni,omitempty" json:"vni,omitempty"`
	Variant VxlanVariant  `yaml:"variant,omitempty" json:"variant,omitempty"`
	Port    uint32        `yaml:"port,omitempty" json:"port,omitempty"`
	Group   model.GroupID `yaml:"group,omitempty" json:"group,omitempty"`
}

func PopVlan() Action                             { return Action{Type: ActionPopVlan} }
func PushVlan(vid int) Action                     { return Action{Type: ActionPushVlan, Vlan: vid} }
func SetVlan(vid int) Action                      { return Action{Type: ActionSetVlan, Vlan: vid} }
func PushVxlan(vni uint32, v VxlanVariant) Action { return Action{Type: ActionPushVxlan, Vni: vni, Variant: v} }
func PopVxlan(v VxlanVariant) Action              { return Action{Type: ActionPopVxlan, Variant: v} }
func Output(port uint32) Action                   { return Action{Type: ActionOutput, Port: port} }
func GroupAction(id model.GroupID) Action         { return Action{Type: ActionGroup, Group: id} }

func (a Action) String() string {
	switch a.Type {
	case ActionPushVlan, ActionSetVlan:
		return fmt.Sprintf("%s(%d)", a.Type, a.Vlan)
	case ActionPushVxlan:
		return fmt.Sprintf("%s(%d)", a.Type, a.Vni)
	case ActionOutput:
		if a.Port == PortInPort {
			return "OUTPUT(IN_PORT)"
		}
		return fmt.Sprintf("%s(%d)", a.Type, a.Port)
	case ActionGroup:
		return fmt.Sprintf("%s(%d)", a.Type, a.Group)
	}
	return string(a.Type)
}

// Instructions always render in the order meter-call, apply-actions,
// write-metadata, goto-table.
type Instructions struct {
	Meter         model.MeterID `yaml:"meter,omitempty" json:"meter,omitempty"`
	Apply         []Action      `yaml:"apply,omitempty" json:"apply,omitempty"`
	WriteMetadata *Metadata     `yaml:"write_metadata,omitempty" json:"write_metadata,omitempty"`
	GoToTable     *Table        `yaml:"goto_table,omitempty" json:"goto_table,omitempty"`
}

// OutputPort returns the first output port, or 0 when the rule has no direct output.
func (i Instructions) OutputPort() uint32 {
	for _, a := range i.Apply {
		if a.Type == ActionOutput {
			return a.Port
		}
	}
	return 0
}

func (i Instructions) String() string {
	var parts []string
	if i.Meter != 0 {
		parts = append(parts, fmt.Sprintf("meter:%d", i.Meter))
	}
	if len(i.Apply) > 0 {
		actions := make([]string, len(i.Apply))
		for n, a := range i.Apply {
			actions[n] = a.String()
		}
		parts = append(parts, "apply:["+strings.Join(actions, ",")+"]")
	}
	if i.WriteMetadata != nil {
		parts = append(parts, fmt.Sprintf("metadata:0x%x/0x%x", i.WriteMetadata.Value, i.WriteMetadata.Mask))
	}
	if i.GoToTable != nil {
		parts = append(parts, "goto:"+i.GoToTable.String())
	}
	return strings.Join(parts, " ")
}

type Flag string

const FlagResetCounters Flag = "RESET_COUNTERS"

// Role names the generator that produced a rule.
type Role string

const (
	RoleIngress  Role = "ingress"
	RoleDispatch Role = "dispatch"
	RoleTransit  Role = "transit"
	RoleEgress   Role = "egress"
	RoleLoop     Role = "loop"
	RoleMirror   Role = "mirror"
	RoleLegacy   Role = "legacy"
)

// Rule is the logical representation of one forwarding table entry.
type Rule struct {
	SwitchID     model.SwitchID `yaml:"switch" json:"switch"`
	Table        Table          `yaml:"table" json:"table"`
	Priority     int            `yaml:"priority" json:"priority"`
	Cookie       model.Cookie   `yaml:"cookie" json:"cookie"`
	Match        Match          `yaml:"match" json:"match"`
	Instructions Instructions   `yaml:"instructions" json:"instructions"`
	Flags        []Flag         `yaml:"flags,omitempty" json:"flags,omitempty"`
	Role         Role           `yaml:"role" json:"role"`
}

// Key identifies the rule on its switch.
func (r Rule) Key() string {
	return fmt.Sprintf("rule/%s/%d/%s", r.SwitchID, r.Table, r.Cookie)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s table=%s prio=%d cookie=%s match={%s} %s",
		r.SwitchID, r.Table, r.Priority, r.Cookie, r.Match, r.Instructions)
}

// WithoutMeter returns a copy of r without its meter-call.
func (r Rule) WithoutMeter() Rule {
	r.Instructions.Meter = 0
	return r
}

type MeterFlag string

const (
	MeterKbps  MeterFlag = "KBPS"
	MeterBurst MeterFlag = "BURST"
	MeterStats MeterFlag = "STATS"
)

// Meter rates are in kbps.
type Meter struct {
	SwitchID model.SwitchID `yaml:"switch" json:"switch"`
	MeterID  model.MeterID  `yaml:"meter_id" json:"meter_id"`
	Rate     int64          `yaml:"rate" json:"rate"`
	Burst    int64          `yaml:"burst" json:"burst"`
	Flags    []MeterFlag    `yaml:"flags" json:"flags"`
}

func (m Meter) Key() string { return fmt.Sprintf("meter/%s/%d", m.SwitchID, m.MeterID) }

const (
	MinBurst         int64   = 1024
	BurstCoefficient float64 = 1.05
)

// NewMeter derives the burst size from the rate.
func NewMeter(sw model.SwitchID, id model.MeterID, rate int64) Meter {
	burst := int64(float64(rate) * BurstCoefficient)
	if burst < MinBurst {
		burst = MinBurst
	}
	return Meter{
		SwitchID: sw,
		MeterID:  id,
		Rate:     rate,
		Burst:    burst,
		Flags:    []MeterFlag{MeterKbps, MeterBurst, MeterStats},
	}
}

// Bucket is one copy of a packet produced by a group.
type Bucket struct {
	Port    uint32   `yaml:"port" json:"port"`
	Vlan    int      `yaml:"vlan,omitempty" json:"vlan,omitempty"`
	Actions []Action `yaml:"actions" json:"actions"`
}

type Group struct {
	SwitchID model.SwitchID `yaml:"switch" json:"switch"`
	GroupID  model.GroupID  `yaml:"group_id" json:"group_id"`
	Buckets  []Bucket       `yaml:"buckets" json:"buckets"`
}

func (g Group) Key() string { return fmt.Sprintf("group/%s/%d", g.SwitchID, g.GroupID) }

// RuleSet is everything needed on the switches for one flow path.
// Cleanup holds legacy rules to be removed alongside the install.
type RuleSet struct {
	Rules   []Rule  `yaml:"rules" json:"rules"`
	Meters  []Meter `yaml:"meters,omitempty" json:"meters,omitempty"`
	Groups  []Group `yaml:"groups,omitempty" json:"groups,omitempty"`
	Cleanup []Rule  `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
}

func (rs RuleSet) Len() int { return len(rs.Rules) + len(rs.Meters) + len(rs.Groups) }

// Merge concatenates rule sets, dropping duplicates. Shared dispatch rules
// appear once per path entering on the same port and vlan.
func Merge(sets ...RuleSet) RuleSet {
	var out RuleSet
	seen := map[string]bool{}
	for _, rs := range sets {
		for _, r := range rs.Rules {
			if !seen[r.Key()] {
				seen[r.Key()] = true
				out.Rules = append(out.Rules, r)
			}
		}
		for _, r := range rs.Cleanup {
			if !seen["cleanup/"+r.Key()] {
				seen["cleanup/"+r.Key()] = true
				out.Cleanup = append(out.Cleanup, r)
			}
		}
		for _, m := range rs.Meters {
			if !seen[m.Key()] {
				seen[m.Key()] = true
				out.Meters = append(out.Meters, m)
			}
		}
		for _, g := range rs.Groups {
			if !seen[g.Key()] {
				seen[g.Key()] = true
				out.Groups = append(out.Groups, g)
			}
		}
	}
	return out
}

// Filter keeps the rules whose role is listed, plus the meters and groups they reference.
func (rs RuleSet) Filter(roles ...Role) RuleSet {
	keep := map[Role]bool{}
	for _, r := range roles {
		keep[r] = true
	}
	var out RuleSet
	meters := map[string]bool{}
	groups := map[string]bool{}
	for _, r := range rs.Rules {
		if !keep[r.Role] {
			continue
		}
		out.Rules = append(out.Rules, r)
		if r.Instructions.Meter != 0 {
			meters[Meter{SwitchID: r.SwitchID, MeterID: r.Instructions.Meter}.Key()] = true
		}
		for _, a := range r.Instructions.Apply {
			if a.Type == ActionGroup {
				groups[Group{SwitchID: r.SwitchID, GroupID: a.Group}.Key()] = true
			}
		}
	}
	for _, m := range rs.Meters {
		if meters[m.Key()] {
			out.Meters = append(out.Meters, m)
		}
	}
	for _, g := range rs.Groups {
		if groups[g.Key()] {
			out.Groups = append(out.Groups, g)
		}
	}
	return out
}

// Keys returns the descriptor keys of every rule, meter and group in rs.
func (rs RuleSet) Keys() map[string]bool {
	keys := make(map[string]bool, rs.Len())
	for _, r := range rs.Rules {
		keys[r.Key()] = true
	}
	for _, m := range rs.Meters {
		keys[m.Key()] = true
	}
	for _, g := range rs.Groups {
		keys[g.Key()] = true
	}
	return keys
}

// Without drops every descriptor whose key is in keys. Cleanup rules are kept.
func (rs RuleSet) Without(keys map[string]bool) RuleSet {
	out := RuleSet{Cleanup: rs.Cleanup}
	for _, r := range rs.Rules {
		if !keys[r.Key()] {
			out.Rules = append(out.Rules, r)
		}
	}
	for _, m := range rs.Meters {
		if !keys[m.Key()] {
			out.Meters = append(out.Meters, m)
		}
	}
	for _, g := range rs.Groups {
		if !keys[g.Key()] {
			out.Groups = append(out.Groups, g)
		}
	}
	return out
}
