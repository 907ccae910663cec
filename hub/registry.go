package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/scylladb/go-set/strset"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/saga"
)

type entry struct {
	saga    saga.Saga
	aliases *strset.Set
}

// Registry maps saga keys and their aliases to running sagas. A key or alias
// belongs to at most one saga at a time.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	// alias -> owning key
	aliases map[string]string

	active  bool
	onEmpty []func()
	emptied chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
		active:  true,
	}
}

// Register adds s under key. Aliases reserve further names, such as the
// sub-flows of a y-flow, for the lifetime of s.
func (r *Registry) Register(key string, aliases []string, s saga.Saga) error {
	if key == "" || s == nil {
		return flowhs.NewError(flowhs.ErrInvalidArgument, "saga key and saga are required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return flowhs.NewError(flowhs.ErrRegistryDraining, "registry does not accept new operations",
			map[string]any{"key": key})
	}

	names := strset.New(aliases...)
	names.Remove(key, "")
	if owner, ok := r.ownerLocked(key); ok {
		return conflict(key, owner)
	}
	var clash string
	names.Each(func(alias string) bool {
		if owner, ok := r.ownerLocked(alias); ok {
			clash = owner
			return false
		}
		return true
	})
	if clash != "" {
		return conflict(key, clash)
	}

	r.entries[key] = &entry{saga: s, aliases: names}
	names.Each(func(alias string) bool {
		r.aliases[alias] = key
		return true
	})
	return nil
}

func conflict(key, owner string) error {
	return flowhs.NewError(flowhs.ErrSagaConflict, "another operation is in progress",
		map[string]any{"key": key, "owner": owner})
}

func (r *Registry) ownerLocked(name string) (string, bool) {
	if _, ok := r.entries[name]; ok {
		return name, true
	}
	owner, ok := r.aliases[name]
	return owner, ok
}

// Lookup finds the saga owning name, a key or an alias.
func (r *Registry) Lookup(name string) (saga.Saga, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.ownerLocked(name)
	if !ok {
		return nil, false
	}
	return r.entries[owner].saga, true
}

// Owner resolves an alias to the key that reserved it.
func (r *Registry) Owner(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerLocked(name)
}

// Unregister removes key and its aliases. It reports whether key was present.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	e.aliases.Each(func(alias string) bool {
		if r.aliases[alias] == key {
			delete(r.aliases, alias)
		}
		return true
	})
	callbacks := r.becameEmptyLocked()
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys lists the registered keys in order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.entries)
}

func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Deactivate stops accepting new sagas. onEmpty, when given, is called once
// as soon as no saga is left, immediately if the registry is empty already.
func (r *Registry) Deactivate(onEmpty func()) {
	r.mu.Lock()
	r.active = false
	if r.emptied == nil {
		r.emptied = make(chan struct{})
	}
	if onEmpty != nil {
		r.onEmpty = append(r.onEmpty, onEmpty)
	}
	callbacks := r.becameEmptyLocked()
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Drain deactivates the registry and waits until every saga unregistered.
func (r *Registry) Drain(ctx context.Context) error {
	r.Deactivate(nil)

	r.mu.Lock()
	done := r.emptied
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return flowhs.WrapError(flowhs.ErrRegistryDraining, "registry drain interrupted", ctx.Err(),
			map[string]any{"remaining": r.Keys()})
	}
}

// Activate accepts new sagas again.
func (r *Registry) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.onEmpty = nil
	r.emptied = nil
}

// becameEmptyLocked hands out each pending became-empty callback once the
// deactivated registry holds no saga.
func (r *Registry) becameEmptyLocked() []func() {
	if r.active || len(r.entries) > 0 || r.emptied == nil {
		return nil
	}
	select {
	case <-r.emptied:
	default:
		close(r.emptied)
	}
	callbacks := r.onEmpty
	r.onEmpty = nil
	return callbacks
}

// snapshot lists every registered saga.
func (r *Registry) snapshot() []saga.Saga {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]saga.Saga, 0, len(r.entries))
	for _, k := range sortedKeys(r.entries) {
		out = append(out, r.entries[k].saga)
	}
	return out
}

func sortedKeys(m map[string]*entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
