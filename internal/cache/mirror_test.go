package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/annel0/scene-engine/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBackend Backend для тестов
type memoryBackend struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]struct{}
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{kv: map[string][]byte{}, sets: map[string]map[string]struct{}{}}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *memoryBackend) AddMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[set] == nil {
		m.sets[set] = map[string]struct{}{}
	}
	m.sets[set][member] = struct{}{}
	return nil
}

func (m *memoryBackend) RemoveMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[set], member)
	return nil
}

func (m *memoryBackend) Members(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryBackend) Close() error { return nil }

func apply(t *testing.T, hm *HeaderMirror, eventType string, ce eventbus.ContentEvent) {
	t.Helper()
	env, err := eventbus.NewContentEnvelope(eventType, ce)
	require.NoError(t, err)
	require.NoError(t, hm.Apply(context.Background(), env))
}

func TestHeaderMirror_AddSaveMoveErase(t *testing.T) {
	ctx := context.Background()
	hm := NewHeaderMirror(newMemoryBackend(), "test", nil)

	apply(t, hm, eventbus.ElementAdded, eventbus.ContentEvent{ID: 7, Kind: "Mesh", FullName: `P#a\m`})
	apply(t, hm, eventbus.ElementSaved, eventbus.ContentEvent{ID: 7, Kind: "Mesh", FullName: `P#a\m`, Package: "P", Offset: 64, Size: 120})

	entry, err := hm.Lookup(ctx, `P#a\m`)
	require.NoError(t, err)
	assert.Equal(t, Entry{ID: 7, Kind: "Mesh", FullName: `P#a\m`, Package: "P", Offset: 64, Size: 120}, entry)

	apply(t, hm, eventbus.ElementMoved, eventbus.ContentEvent{ID: 7, FullName: `Q#m`, OldName: `P#a\m`})

	_, err = hm.Lookup(ctx, `P#a\m`)
	assert.True(t, IsCacheMiss(err))
	entry, err = hm.Lookup(ctx, `Q#m`)
	require.NoError(t, err)
	assert.Equal(t, "Q", entry.Package)
	assert.Equal(t, "Mesh", entry.Kind)

	ids, err := hm.Package(ctx, "P")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = hm.Package(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	apply(t, hm, eventbus.ElementErased, eventbus.ContentEvent{ID: 7, Package: "Q"})
	_, err = hm.Get(ctx, 7)
	assert.True(t, IsCacheMiss(err))
	_, err = hm.Lookup(ctx, `Q#m`)
	assert.True(t, IsCacheMiss(err))
}

func TestHeaderMirror_PackageErased(t *testing.T) {
	ctx := context.Background()
	hm := NewHeaderMirror(newMemoryBackend(), "", nil)

	apply(t, hm, eventbus.ElementAdded, eventbus.ContentEvent{ID: 1, Kind: "Mesh", FullName: "P#a"})
	apply(t, hm, eventbus.ElementAdded, eventbus.ContentEvent{ID: 2, Kind: "Texture", FullName: "P#b"})
	apply(t, hm, eventbus.ElementAdded, eventbus.ContentEvent{ID: 3, Kind: "Mesh", FullName: "R#c"})

	apply(t, hm, eventbus.PackageErased, eventbus.ContentEvent{Package: "P"})

	for _, id := range []int64{1, 2} {
		_, err := hm.Get(ctx, id)
		assert.True(t, IsCacheMiss(err), "элемент %d", id)
	}
	entry, err := hm.Lookup(ctx, "R#c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.ID)
}

func TestHeaderMirror_RejectsEmptyName(t *testing.T) {
	hm := NewHeaderMirror(newMemoryBackend(), "", nil)
	env, err := eventbus.NewContentEnvelope(eventbus.ElementAdded, eventbus.ContentEvent{ID: 5})
	require.NoError(t, err)
	assert.ErrorIs(t, hm.Apply(context.Background(), env), ErrInvalidKey)
}

func TestHeaderMirror_FollowsBus(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()

	hm := NewHeaderMirror(newMemoryBackend(), "", nil)
	sub, err := hm.Start(bus)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env, err := eventbus.NewContentEnvelope(eventbus.ElementAdded, eventbus.ContentEvent{ID: 9, Kind: "Material", FullName: "P#mat"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), env))

	assert.Eventually(t, func() bool {
		_, err := hm.Lookup(context.Background(), "P#mat")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
