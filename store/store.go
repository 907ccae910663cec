package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
)

// ErrVersionConflict indicates an optimistic-lock compare-and-set failure.
var ErrVersionConflict = errors.New("flow version conflict", errors.CategoryConflict).
	WithTextCode("FLOW_VERSION_CONFLICT")

// Record is a stored flow with its version.
type Record struct {
	Flow      *model.Flow
	Version   int
	UpdatedAt time.Time
}

// FlowRepository persists flows and y-flows. Every value handed in or out is
// a copy.
type FlowRepository interface {
	Get(ctx context.Context, flowID string) (*model.Flow, error)
	Load(ctx context.Context, flowID string) (*Record, error)
	Save(ctx context.Context, flow *model.Flow) error
	SaveIfVersion(ctx context.Context, flow *model.Flow, expectedVersion int) (int, error)
	Delete(ctx context.Context, flowID string) error
	List(ctx context.Context) ([]*model.Flow, error)
	OverlappingIngress(ctx context.Context, flowID string, endpoints ...model.FlowEndpoint) ([]model.FlowEndpoint, error)

	GetYFlow(ctx context.Context, yFlowID string) (*model.YFlow, error)
	SaveYFlow(ctx context.Context, yflow *model.YFlow) error
	DeleteYFlow(ctx context.Context, yFlowID string) error
}

// Memory is a thread-safe in-memory FlowRepository.
type Memory struct {
	mu     sync.RWMutex
	flows  map[string]*Record
	yflows map[string]*model.YFlow
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		flows:  make(map[string]*Record),
		yflows: make(map[string]*model.YFlow),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func notFound(kind, id string) error {
	return flowhs.NewError(flowhs.ErrFlowNotFound, kind+" "+id+" not found",
		map[string]any{"flow_id": id})
}

func (s *Memory) Get(ctx context.Context, flowID string) (*model.Flow, error) {
	rec, err := s.Load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return rec.Flow, nil
}

// Load returns a cloned record for the flow.
func (s *Memory) Load(_ context.Context, flowID string) (*Record, error) {
	flowID = strings.TrimSpace(flowID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.flows[flowID]
	if !ok || rec == nil {
		return nil, notFound("flow", flowID)
	}
	return &Record{Flow: rec.Flow.Clone(), Version: rec.Version, UpdatedAt: rec.UpdatedAt}, nil
}

// Save stores flow unconditionally.
func (s *Memory) Save(_ context.Context, flow *model.Flow) error {
	if flow == nil || strings.TrimSpace(flow.FlowID) == "" {
		return flowhs.NewError(flowhs.ErrInvalidArgument, "flow id required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 1
	if current, ok := s.flows[flow.FlowID]; ok {
		version = current.Version + 1
	}
	s.flows[flow.FlowID] = &Record{Flow: flow.Clone(), Version: version, UpdatedAt: s.now()}
	return nil
}

// SaveIfVersion performs compare-and-set persistence. Version 0 expects the
// flow to be absent.
func (s *Memory) SaveIfVersion(_ context.Context, flow *model.Flow, expectedVersion int) (int, error) {
	if flow == nil || strings.TrimSpace(flow.FlowID) == "" {
		return 0, flowhs.NewError(flowhs.ErrInvalidArgument, "flow id required", nil)
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.flows[flow.FlowID]
	version := 1
	switch {
	case !ok && expectedVersion != 0:
		return 0, ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return 0, ErrVersionConflict
	case ok:
		version = expectedVersion + 1
	}
	s.flows[flow.FlowID] = &Record{Flow: flow.Clone(), Version: version, UpdatedAt: s.now()}
	return version, nil
}

func (s *Memory) Delete(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flowID]; !ok {
		return notFound("flow", flowID)
	}
	delete(s.flows, flowID)
	return nil
}

// List returns every flow ordered by id.
func (s *Memory) List(_ context.Context) ([]*model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Flow, 0, len(s.flows))
	for _, rec := range s.flows {
		out = append(out, rec.Flow.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// OverlappingIngress returns the endpoints of flows other than flowID that
// share switch, port and outer vlan with any of endpoints.
func (s *Memory) OverlappingIngress(_ context.Context, flowID string, endpoints ...model.FlowEndpoint) ([]model.FlowEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FlowEndpoint
	for id, rec := range s.flows {
		if id == flowID {
			continue
		}
		for _, other := range []model.FlowEndpoint{rec.Flow.Src, rec.Flow.Dst} {
			for _, ep := range endpoints {
				if other.SamePortVlan(ep) {
					out = append(out, other)
					break
				}
			}
		}
	}
	return out, nil
}

func (s *Memory) GetYFlow(_ context.Context, yFlowID string) (*model.YFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	y, ok := s.yflows[yFlowID]
	if !ok {
		return nil, notFound("y-flow", yFlowID)
	}
	return y.Clone(), nil
}

func (s *Memory) SaveYFlow(_ context.Context, yflow *model.YFlow) error {
	if yflow == nil || strings.TrimSpace(yflow.YFlowID) == "" {
		return flowhs.NewError(flowhs.ErrInvalidArgument, "y-flow id required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yflows[yflow.YFlowID] = yflow.Clone()
	return nil
}

func (s *Memory) DeleteYFlow(_ context.Context, yFlowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.yflows[yFlowID]; !ok {
		return notFound("y-flow", yFlowID)
	}
	delete(s.yflows, yFlowID)
	return nil
}
