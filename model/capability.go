package model

import (
	"sort"

	"github.com/scylladb/go-set/strset"
)

// Feature is a named switch capability.
type Feature string

const (
	FeatureMeters                    Feature = "METERS"
	FeatureGroups                    Feature = "GROUPS"
	FeatureNoviflowPushPopVxlan      Feature = "NOVIFLOW_PUSH_POP_VXLAN"
	FeatureKildaOvsPushPopMatchVxlan Feature = "KILDA_OVS_PUSH_POP_MATCH_VXLAN"
	FeatureResetCountsFlag           Feature = "RESET_COUNTS_FLAG"
	FeatureMultiTable                Feature = "MULTI_TABLE"
)

// Capabilities describes what a switch supports. Values are immutable once
// built; the feature set is never handed out directly.
type Capabilities struct {
	SwitchID   SwitchID
	TableCount int
	features   *strset.Set
}

func NewCapabilities(sw SwitchID, tableCount int, features ...Feature) Capabilities {
	set := strset.NewWithSize(len(features))
	for _, f := range features {
		set.Add(string(f))
	}
	return Capabilities{SwitchID: sw, TableCount: tableCount, features: set}
}

func (c Capabilities) Has(f Feature) bool {
	return c.features != nil && c.features.Has(string(f))
}

// Features returns a sorted copy of the feature names.
func (c Capabilities) Features() []Feature {
	if c.features == nil {
		return nil
	}
	names := c.features.List()
	sort.Strings(names)
	out := make([]Feature, len(names))
	for i, n := range names {
		out[i] = Feature(n)
	}
	return out
}

// SupportsVxlanPushPop reports whether either VXLAN push/pop variant is present.
func (c Capabilities) SupportsVxlanPushPop() bool {
	return c.Has(FeatureNoviflowPushPopVxlan) || c.Has(FeatureKildaOvsPushPopMatchVxlan)
}

// Missing lists the required features the switch lacks.
func (c Capabilities) Missing(required ...Feature) []Feature {
	want := strset.NewWithSize(len(required))
	for _, f := range required {
		want.Add(string(f))
	}
	have := strset.New()
	if c.features != nil {
		have = c.features.Copy()
	}
	diff := strset.Difference(want, have).List()
	sort.Strings(diff)
	out := make([]Feature, len(diff))
	for i, n := range diff {
		out[i] = Feature(n)
	}
	return out
}

func (c Capabilities) Equal(other Capabilities) bool {
	if c.SwitchID != other.SwitchID || c.TableCount != other.TableCount {
		return false
	}
	a, b := c.features, other.features
	if a == nil {
		a = strset.New()
	}
	if b == nil {
		b = strset.New()
	}
	return a.IsEqual(b)
}

// SwitchCapabilities indexes capabilities by switch.
type SwitchCapabilities map[SwitchID]Capabilities

// Of returns the capabilities of sw, or an empty set when unknown.
func (s SwitchCapabilities) Of(sw SwitchID) Capabilities {
	if c, ok := s[sw]; ok {
		return c
	}
	return NewCapabilities(sw, 0)
}
