package speaker

import (
	"context"
	"sort"
	"sync"

	"github.com/goliatone/go-flowhs/model"
)

// Fault alters how MemoryAgent answers the commands it matches.
type Fault struct {
	Match func(Command) bool
	// Drop swallows the response so the caller times out.
	Drop      bool
	ErrorKind ErrorKind
	Reason    string
	// Times bounds how often the fault fires; zero or less means always.
	Times int

	fired int
}

func (f *Fault) exhausted() bool {
	return f.Times > 0 && f.fired >= f.Times
}

// MemoryAgent keeps switch tables in memory and answers commands the way a
// speaker does: install and delete are idempotent, verify reads back,
// dry-run never mutates.
type MemoryAgent struct {
	mu       sync.Mutex
	switches map[model.SwitchID]map[string]Payload
	faults   []*Fault
	received []Command
}

func NewMemoryAgent() *MemoryAgent {
	return &MemoryAgent{switches: make(map[model.SwitchID]map[string]Payload)}
}

// Inject registers a fault; the first matching live fault wins.
func (a *MemoryAgent) Inject(f *Fault) *MemoryAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = append(a.faults, f)
	return a
}

// ClearFaults removes every injected fault.
func (a *MemoryAgent) ClearFaults() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = nil
}

func (a *MemoryAgent) Handle(_ context.Context, cmd Command) (Response, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.received = append(a.received, cmd)

	for _, f := range a.faults {
		if f.exhausted() || (f.Match != nil && !f.Match(cmd)) {
			continue
		}
		f.fired++
		if f.Drop {
			return Response{}, false
		}
		return Failure(cmd, f.ErrorKind, f.Reason), true
	}

	table := a.switches[cmd.SwitchID]
	key := cmd.Payload.Key()
	switch cmd.Kind {
	case KindInstall, KindModify:
		if table == nil {
			table = make(map[string]Payload)
			a.switches[cmd.SwitchID] = table
		}
		table[key] = cmd.Payload
		return Success(cmd, nil), true
	case KindDelete:
		if _, ok := table[key]; !ok {
			return Failure(cmd, ErrorNotFound, key+" not found"), true
		}
		delete(table, key)
		return Success(cmd, nil), true
	case KindVerify:
		stored, ok := table[key]
		if !ok {
			return Success(cmd, nil), true
		}
		return Success(cmd, &stored), true
	case KindDryRun:
		schema := cmd.Payload
		return Success(cmd, &schema), true
	}
	return Failure(cmd, ErrorBadRequest, "unknown command kind "+string(cmd.Kind)), true
}

// Installed returns the descriptors stored on sw, sorted by key.
func (a *MemoryAgent) Installed(sw model.SwitchID) []Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	table := a.switches[sw]
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Payload, 0, len(keys))
	for _, k := range keys {
		out = append(out, table[k])
	}
	return out
}

// Has reports whether a descriptor with key is installed on sw.
func (a *MemoryAgent) Has(sw model.SwitchID, key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.switches[sw][key]
	return ok
}

// Total counts every installed descriptor.
func (a *MemoryAgent) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, table := range a.switches {
		n += len(table)
	}
	return n
}

// Received returns every command seen so far, faults included.
func (a *MemoryAgent) Received() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Command(nil), a.received...)
}

// Matching helpers for faults.

func OnSwitch(sw model.SwitchID) func(Command) bool {
	return func(c Command) bool { return c.SwitchID == sw }
}

func OnKind(kind Kind, payload PayloadKind) func(Command) bool {
	return func(c Command) bool {
		return c.Kind == kind && (payload == "" || c.Payload.Kind() == payload)
	}
}

func All(matchers ...func(Command) bool) func(Command) bool {
	return func(c Command) bool {
		for _, m := range matchers {
			if !m(c) {
				return false
			}
		}
		return true
	}
}
