package notify

import (
	"context"
	"sync"
)

// HistoryLog keeps the most recent history records per flow.
type HistoryLog struct {
	mu      sync.Mutex
	limit   int
	records map[string][]HistoryRecord
}

func NewHistoryLog(limit int) *HistoryLog {
	if limit <= 0 {
		limit = 100
	}
	return &HistoryLog{limit: limit, records: map[string][]HistoryRecord{}}
}

// Attach subscribes the log to d.
func (h *HistoryLog) Attach(d *Dispatcher) Subscription {
	return d.Subscribe(TopicHistory, func(_ context.Context, payload any) {
		if rec, ok := payload.(HistoryRecord); ok {
			h.add(rec)
		}
	})
}

func (h *HistoryLog) add(rec HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.records[rec.FlowID], rec)
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.records[rec.FlowID] = list
}

// For returns the records of flowID, oldest first.
func (h *HistoryLog) For(flowID string) []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryRecord(nil), h.records[flowID]...)
}

// Responses collects northbound responses and lets callers wait for one.
type Responses struct {
	mu      sync.Mutex
	byKey   map[string]Response
	waiters map[string][]chan Response
}

func NewResponses() *Responses {
	return &Responses{byKey: map[string]Response{}, waiters: map[string][]chan Response{}}
}

func (r *Responses) Attach(d *Dispatcher) Subscription {
	return d.Subscribe(TopicNorthbound, func(_ context.Context, payload any) {
		if resp, ok := payload.(Response); ok {
			r.add(resp)
		}
	})
}

func (r *Responses) add(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[resp.Key] = resp
	for _, ch := range r.waiters[resp.Key] {
		ch <- resp
	}
	delete(r.waiters, resp.Key)
}

func (r *Responses) Get(key string) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.byKey[key]
	return resp, ok
}

// Wait blocks until a response for key arrives or ctx ends.
func (r *Responses) Wait(ctx context.Context, key string) (Response, error) {
	r.mu.Lock()
	if resp, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return resp, nil
	}
	ch := make(chan Response, 1)
	r.waiters[key] = append(r.waiters[key], ch)
	r.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
