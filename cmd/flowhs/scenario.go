package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/capability"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/saga"
)

// scenario is an offline network description: switches, candidate routes
// and the flows to provision over them.
type scenario struct {
	Switches map[model.SwitchID]switchSpec `yaml:"switches"`
	Routes   [][]model.PathSegment         `yaml:"routes"`
	Flows    []*model.Flow                 `yaml:"flows,omitempty"`
	YFlows   []saga.YFlowCreateRequest     `yaml:"y_flows,omitempty"`
}

type switchSpec struct {
	Tables   int             `yaml:"tables"`
	Features []model.Feature `yaml:"features,omitempty"`
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flowhs.WrapError(flowhs.ErrInvalidArgument, "cannot read scenario", err,
			map[string]any{"path": path})
	}
	return parseScenario(data)
}

func parseScenario(data []byte) (*scenario, error) {
	sc := &scenario{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil {
		return nil, flowhs.WrapError(flowhs.ErrValidation, "scenario is not valid yaml", err, nil)
	}
	return sc, sc.validate()
}

func (s *scenario) validate() error {
	if len(s.Flows) == 0 && len(s.YFlows) == 0 {
		return flowhs.NewError(flowhs.ErrValidation, "scenario has no flows", nil)
	}
	known := func(sw model.SwitchID) bool {
		_, ok := s.Switches[sw]
		return ok
	}
	for i, route := range s.Routes {
		if len(route) == 0 {
			return flowhs.NewError(flowhs.ErrValidation, fmt.Sprintf("route %d is empty", i), nil)
		}
		for _, seg := range route {
			if !known(seg.SrcSwitch) || !known(seg.DstSwitch) {
				return flowhs.NewError(flowhs.ErrValidation, "route references an unknown switch",
					map[string]any{"route": i, "src": seg.SrcSwitch, "dst": seg.DstSwitch})
			}
		}
	}
	for _, f := range s.allFlows() {
		if !known(f.Src.SwitchID) || !known(f.Dst.SwitchID) {
			return flowhs.NewError(flowhs.ErrValidation, "flow references an unknown switch",
				map[string]any{"flow_id": f.FlowID})
		}
	}
	return nil
}

// allFlows lists the plain flows followed by every y-flow member.
func (s *scenario) allFlows() []*model.Flow {
	out := append([]*model.Flow(nil), s.Flows...)
	for _, y := range s.YFlows {
		out = append(out, y.SubFlows...)
	}
	return out
}

func (s *scenario) capabilities() capability.Static {
	static := make(capability.Static, len(s.Switches))
	for sw, spec := range s.Switches {
		static[sw] = model.NewCapabilities(sw, spec.Tables, spec.Features...)
	}
	return static
}

func (s *scenario) routes() *resource.StaticRoutes {
	routes := resource.NewStaticRoutes()
	for _, r := range s.Routes {
		routes.Add(r...)
	}
	return routes
}
