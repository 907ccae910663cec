package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClockTimers runs one time.AfterFunc per command and calls fire when it
// expires.
type ClockTimers struct {
	mu     sync.Mutex
	fire   func(id uuid.UUID)
	timers map[uuid.UUID]*time.Timer
}

func NewClockTimers(fire func(id uuid.UUID)) *ClockTimers {
	return &ClockTimers{fire: fire, timers: make(map[uuid.UUID]*time.Timer)}
}

func (t *ClockTimers) Schedule(id uuid.UUID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current, ok := t.timers[id]
		if ok && current == timer {
			delete(t.timers, id)
		}
		t.mu.Unlock()
		if ok && current == timer && t.fire != nil {
			t.fire(id)
		}
	})
	t.timers[id] = timer
}

func (t *ClockTimers) Cancel(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Stop cancels every timer.
func (t *ClockTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *ClockTimers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// ManualTimers records deadlines without a clock; callers decide when a
// deadline expires. Used by simulations and tests.
type ManualTimers struct {
	mu        sync.Mutex
	scheduled map[uuid.UUID]time.Duration
	seq       map[uuid.UUID]int
	next      int
}

func NewManualTimers() *ManualTimers {
	return &ManualTimers{scheduled: map[uuid.UUID]time.Duration{}, seq: map[uuid.UUID]int{}}
}

func (t *ManualTimers) Schedule(id uuid.UUID, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduled[id] = d
	t.next++
	t.seq[id] = t.next
}

func (t *ManualTimers) Cancel(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scheduled, id)
	delete(t.seq, id)
}

// Armed lists the commands with a running deadline in scheduling order.
func (t *ManualTimers) Armed() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, 0, len(t.scheduled))
	for id := range t.scheduled {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return t.seq[out[i]] < t.seq[out[j]] })
	return out
}

func (t *ManualTimers) IsArmed(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.scheduled[id]
	return ok
}
