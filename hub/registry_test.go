package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/saga"
	"github.com/goliatone/go-flowhs/speaker"
)

type stubSaga struct {
	key   string
	state saga.State
}

func (s *stubSaga) Key() string               { return s.key }
func (s *stubSaga) FlowID() string            { return s.key }
func (s *stubSaga) Operation() saga.Operation { return saga.OpCreate }
func (s *stubSaga) State() saga.State         { return s.state }
func (s *stubSaga) Err() error                { return nil }
func (s *stubSaga) Start(context.Context)     {}
func (s *stubSaga) Owns(uuid.UUID) bool       { return false }

func (s *stubSaga) HandleResponse(context.Context, speaker.Response) bool { return false }
func (s *stubSaga) HandleTimeout(context.Context, uuid.UUID) bool        { return false }
func (s *stubSaga) Abandon(context.Context, string) {
	s.state = saga.StateFinishedWithError
}

func stub(key string) *stubSaga {
	return &stubSaga{key: key, state: saga.StateInitialized}
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("y1", []string{"s1", "s2", "y1", ""}, stub("y1")))

	for _, tc := range []struct {
		name    string
		key     string
		aliases []string
	}{
		{name: "duplicate key", key: "y1"},
		{name: "key taken as alias", key: "s1"},
		{name: "alias taken as key", key: "y2", aliases: []string{"y1"}},
		{name: "alias taken as alias", key: "y2", aliases: []string{"s3", "s2"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.key, tc.aliases, stub(tc.key))
			require.Error(t, err)
			assert.True(t, flowhs.HasCode(err, flowhs.CodeSagaConflict))
		})
	}

	s, ok := r.Lookup("s2")
	require.True(t, ok)
	assert.Equal(t, "y1", s.Key())
	assert.Equal(t, []string{"y1"}, r.Keys())

	assert.True(t, r.Unregister("y1"))
	assert.False(t, r.Unregister("y1"))
	_, ok = r.Lookup("s1")
	assert.False(t, ok)
	require.NoError(t, r.Register("s1", nil, stub("s1")), "aliases are released with their key")
}

func TestRegistryRejectsIncompleteRegistration(t *testing.T) {
	r := NewRegistry()
	assert.True(t, flowhs.HasCode(r.Register("", nil, stub("x")), flowhs.CodeInvalidArgument))
	assert.True(t, flowhs.HasCode(r.Register("x", nil, nil), flowhs.CodeInvalidArgument))
}

func TestRegistryBecameEmptyOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("f1", nil, stub("f1")))
	require.NoError(t, r.Register("f2", nil, stub("f2")))

	calls := 0
	r.Deactivate(func() { calls++ })
	assert.Zero(t, calls)

	err := r.Register("f3", nil, stub("f3"))
	assert.True(t, flowhs.HasCode(err, flowhs.CodeRegistryDraining))
	assert.Equal(t, flowhs.KindConflict, flowhs.ErrorKindOf(err))

	r.Unregister("f1")
	assert.Zero(t, calls)
	r.Unregister("f2")
	assert.Equal(t, 1, calls)
	r.Deactivate(nil)
	assert.Equal(t, 1, calls)

	late := 0
	r.Deactivate(func() { late++ })
	assert.Equal(t, 1, late, "an empty registry signals right away")

	r.Activate()
	assert.True(t, r.Active())
	require.NoError(t, r.Register("f3", nil, stub("f3")))
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("f1", nil, stub("f1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Drain(ctx)
	require.Error(t, err)
	assert.True(t, flowhs.HasCode(err, flowhs.CodeRegistryDraining))

	done := make(chan error, 1)
	go func() { done <- r.Drain(context.Background()) }()
	r.Unregister("f1")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return")
	}
}

func TestKeyLockerSerializesPerKey(t *testing.T) {
	l := NewKeyLocker()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("f1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, l.Len())
}

func TestKeyLockerIndependentKeys(t *testing.T) {
	l := NewKeyLocker()
	unlockA := l.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("a held lock blocked another key")
	}
	assert.Equal(t, 1, l.Len())
}
