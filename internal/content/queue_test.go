package content

import (
	"sync"
	"testing"
	"time"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueue_FIFOAndDedup(t *testing.T) {
	q := newRequestQueue()

	assert.True(t, q.push(Request{Type: SaveElement, ID: 1}))
	assert.True(t, q.push(Request{Type: SaveDatabase}))
	assert.False(t, q.push(Request{Type: SaveDatabase}), "SaveDatabase сразу за SaveDatabase отбрасывается")
	assert.False(t, q.push(Request{Type: SaveElement, ID: 1}), "такой же запрос уже в очереди")
	assert.True(t, q.push(Request{Type: SaveElement, ID: 2}))
	assert.True(t, q.push(Request{Type: SaveDatabase}), "SaveDatabase не в хвосте очереди")
	assert.True(t, q.push(Request{Type: ErasePackage, Package: "P"}))
	assert.True(t, q.push(Request{Type: ErasePackage, Package: "Q"}))

	want := []Request{
		{Type: SaveElement, ID: 1},
		{Type: SaveDatabase},
		{Type: SaveElement, ID: 2},
		{Type: SaveDatabase},
		{Type: ErasePackage, Package: "P"},
		{Type: ErasePackage, Package: "Q"},
	}
	assert.Equal(t, want, q.snapshot())

	for _, w := range want {
		r, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, w, r)
		q.done()
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestRequestQueue_PendingIncludesInflight(t *testing.T) {
	q := newRequestQueue()
	q.push(Request{Type: SaveElement, ID: 5})
	q.push(Request{Type: LoadElement, ID: 6})

	_, ok := q.pop()
	require.True(t, ok)

	assert.True(t, q.hasPending(5), "выполняемый запрос считается ожидающим")
	assert.True(t, q.hasPending(6))
	assert.False(t, q.hasPending(7))
	assert.Equal(t, map[element.ID]struct{}{5: {}, 6: {}}, q.pendingIDs())
	assert.Equal(t, 1, q.pending())

	q.done()
	assert.False(t, q.hasPending(5))
}

func TestRequestQueue_WaitIdle(t *testing.T) {
	q := newRequestQueue()
	q.push(Request{Type: SaveElement, ID: 1})

	var wg sync.WaitGroup
	released := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.waitIdle()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("waitIdle вернулся при непустой очереди")
	case <-time.After(20 * time.Millisecond):
	}

	<-q.notify
	_, ok := q.pop()
	require.True(t, ok)
	q.done()

	wg.Wait()
	assert.Equal(t, 0, q.pending())
}

func TestRequestType_String(t *testing.T) {
	assert.Equal(t, "SaveElement", SaveElement.String())
	assert.Equal(t, "ErasePackage", ErasePackage.String())
	assert.Equal(t, "Unknown", RequestType(42).String())
}
