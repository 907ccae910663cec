package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-flowhs/model"
)

// PathComputer finds a route between two switches that shares no link with avoid.
type PathComputer interface {
	Route(ctx context.Context, src, dst model.SwitchID, avoid []model.PathSegment) ([]model.PathSegment, error)
}

type routeKey struct {
	src, dst model.SwitchID
}

// StaticRoutes answers from a preconfigured list of candidate routes,
// tried in insertion order.
type StaticRoutes struct {
	mu     sync.RWMutex
	routes map[routeKey][][]model.PathSegment
}

func NewStaticRoutes() *StaticRoutes {
	return &StaticRoutes{routes: map[routeKey][][]model.PathSegment{}}
}

// Add registers a route; its endpoints are taken from the first and last
// segments. Segment SeqIDs are reassigned in the given order.
func (s *StaticRoutes) Add(segments ...model.PathSegment) *StaticRoutes {
	if len(segments) == 0 {
		return s
	}
	route := make([]model.PathSegment, len(segments))
	for i, seg := range segments {
		seg.SeqID = i
		route[i] = seg
	}
	key := routeKey{src: route[0].SrcSwitch, dst: route[len(route)-1].DstSwitch}
	s.mu.Lock()
	s.routes[key] = append(s.routes[key], route)
	s.mu.Unlock()
	return s
}

func (s *StaticRoutes) Route(_ context.Context, src, dst model.SwitchID, avoid []model.PathSegment) ([]model.PathSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.routes[routeKey{src: src, dst: dst}]
	reversed := false
	if len(candidates) == 0 {
		candidates = s.routes[routeKey{src: dst, dst: src}]
		reversed = true
	}
	for _, route := range candidates {
		if reversed {
			route = ReverseSegments(route)
		}
		if !sharesLink(route, avoid) {
			return append([]model.PathSegment(nil), route...), nil
		}
	}
	return nil, fmt.Errorf("no path from %s to %s", src, dst)
}

func sharesLink(route, avoid []model.PathSegment) bool {
	type port struct {
		sw   model.SwitchID
		port uint32
	}
	used := map[port]bool{}
	for _, seg := range avoid {
		used[port{seg.SrcSwitch, seg.SrcPort}] = true
		used[port{seg.DstSwitch, seg.DstPort}] = true
	}
	for _, seg := range route {
		if used[port{seg.SrcSwitch, seg.SrcPort}] || used[port{seg.DstSwitch, seg.DstPort}] {
			return true
		}
	}
	return false
}

// ReverseSegments returns the route walked backwards.
func ReverseSegments(route []model.PathSegment) []model.PathSegment {
	out := make([]model.PathSegment, len(route))
	for i, seg := range route {
		j := len(route) - 1 - i
		out[j] = model.PathSegment{
			SrcSwitch: seg.DstSwitch,
			SrcPort:   seg.DstPort,
			DstSwitch: seg.SrcSwitch,
			DstPort:   seg.SrcPort,
			SeqID:     j,
		}
	}
	return out
}
