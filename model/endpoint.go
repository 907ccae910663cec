package model

import (
	"fmt"

	flowhs "github.com/goliatone/go-flowhs"
)

// SwitchID is an opaque stable device identifier.
type SwitchID string

const maxVlanID = 4095

// FlowEndpoint is one side of a flow or a mirror sink. OuterVlan == 0 means untagged.
type FlowEndpoint struct {
	SwitchID              SwitchID `yaml:"switch" json:"switch"`
	Port                  uint32   `yaml:"port" json:"port"`
	OuterVlan             uint16   `yaml:"outer_vlan,omitempty" json:"outer_vlan,omitempty"`
	InnerVlan             uint16   `yaml:"inner_vlan,omitempty" json:"inner_vlan,omitempty"`
	TrackConnectedDevices bool     `yaml:"track_connected_devices,omitempty" json:"track_connected_devices,omitempty"`
}

func (e FlowEndpoint) IsTagged() bool { return e.OuterVlan != 0 }
func (e FlowEndpoint) IsQinQ() bool   { return e.OuterVlan != 0 && e.InnerVlan != 0 }

// VlanStack returns the endpoint tags ordered innermost first.
func (e FlowEndpoint) VlanStack() []int {
	stack := make([]int, 0, 2)
	if e.InnerVlan != 0 {
		stack = append(stack, int(e.InnerVlan))
	}
	if e.OuterVlan != 0 {
		stack = append(stack, int(e.OuterVlan))
	}
	return stack
}

// SamePortVlan reports whether both endpoints enter through the same port and outer tag.
func (e FlowEndpoint) SamePortVlan(other FlowEndpoint) bool {
	return e.SwitchID == other.SwitchID && e.Port == other.Port && e.OuterVlan == other.OuterVlan
}

func (e FlowEndpoint) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", e.SwitchID, e.Port, e.OuterVlan, e.InnerVlan)
}

func (e FlowEndpoint) Validate() error {
	meta := map[string]any{"endpoint": e.String()}
	if e.SwitchID == "" {
		return flowhs.NewError(flowhs.ErrValidation, "endpoint switch is required", meta)
	}
	if e.OuterVlan > maxVlanID || e.InnerVlan > maxVlanID {
		return flowhs.NewError(flowhs.ErrValidation, "vlan id out of range", meta)
	}
	if e.InnerVlan != 0 && e.OuterVlan == 0 {
		return flowhs.NewError(flowhs.ErrValidation, "inner vlan requires an outer vlan", meta)
	}
	return nil
}

// EncapsulationType is the transport tag used on transit hops.
type EncapsulationType string

const (
	EncapsulationVLAN  EncapsulationType = "VLAN"
	EncapsulationVXLAN EncapsulationType = "VXLAN"
)

func (t EncapsulationType) Valid() bool {
	return t == EncapsulationVLAN || t == EncapsulationVXLAN
}

// EncapsulationID identifies the transit tag value for one path.
type EncapsulationID struct {
	Type  EncapsulationType `yaml:"type" json:"type"`
	Value uint32            `yaml:"value" json:"value"`
}

func (e EncapsulationID) IsZero() bool { return e.Value == 0 }

func (e EncapsulationID) String() string { return fmt.Sprintf("%s(%d)", e.Type, e.Value) }
