package localengine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSelector captures every placement decision for assertions.
type recordingSelector struct {
	mu       sync.Mutex
	assigned map[uint64][]uint64
	pick     func(ordinal uint64, free []uint64) (uint64, bool)
}

func newRecordingSelector() *recordingSelector {
	return &recordingSelector{assigned: make(map[uint64][]uint64)}
}

func (s *recordingSelector) Select(ordinal uint64, free []uint64) (uint64, bool) {
	if s.pick != nil {
		return s.pick(ordinal, free)
	}
	if len(free) == 0 {
		return 0, false
	}
	return free[len(free)-1], true
}

func (s *recordingSelector) OnChunksAssigned(ordinal uint64, chunks []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[ordinal] = append(s.assigned[ordinal], chunks...)
}

// TestChunkAllocatorAssign tests free-chunk tracking across assign and
// release, without a selector.
func TestChunkAllocatorAssign(t *testing.T) {
	a := newChunkAllocator(openTestDB(t), nil)
	a.setTotal(2)

	first, second := uuid.New(), uuid.New()

	chunk, err := a.assign(first, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), chunk)

	chunk, err = a.assign(second, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), chunk)

	_, err = a.assign(uuid.New(), 2)
	assert.Error(t, err, "data area exhausted")

	require.NoError(t, a.release(first))
	chunk, err = a.assign(uuid.New(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), chunk, "released chunk is reusable")
}

// TestChunkAllocatorUnformatted tests the guard against assigning before
// a format sized the data area.
func TestChunkAllocatorUnformatted(t *testing.T) {
	a := newChunkAllocator(openTestDB(t), nil)
	_, err := a.assign(uuid.New(), 0)
	assert.Error(t, err)
}

// TestChunkAllocatorSelector tests that the selector drives placement and
// hears about every assignment.
func TestChunkAllocatorSelector(t *testing.T) {
	sel := newRecordingSelector()
	a := newChunkAllocator(openTestDB(t), sel)
	a.setTotal(4)

	chunk, err := a.assign(uuid.New(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), chunk, "selector picked the last free chunk")
	assert.Equal(t, []uint64{3}, sel.assigned[7])

	sel.pick = func(uint64, []uint64) (uint64, bool) { return 0, false }
	_, err = a.assign(uuid.New(), 8)
	assert.Error(t, err, "selector rejected all free chunks")
}

// TestChunkAllocatorReleaseMultiple tests that releasing an owner holding
// several chunks frees all of them without touching other owners.
func TestChunkAllocatorReleaseMultiple(t *testing.T) {
	a := newChunkAllocator(openTestDB(t), nil)
	a.setTotal(4)

	owner, other := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		chunk, err := a.assign(owner, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), chunk)
	}
	kept, err := a.assign(other, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), kept)

	require.NoError(t, a.release(owner))

	// Every freed chunk is assignable again; other's chunk stays taken.
	for i := 0; i < 3; i++ {
		chunk, err := a.assign(uuid.New(), 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), chunk)
	}
	_, err = a.assign(uuid.New(), 2)
	assert.Error(t, err, "data area exhausted")
}

// TestChunkAllocatorReplay tests that persisted assignments are renotified
// under the owners' ordinals after a restart.
func TestChunkAllocatorReplay(t *testing.T) {
	db := openTestDB(t)
	sel := newRecordingSelector()
	a := newChunkAllocator(db, sel)
	a.setTotal(4)

	owner := uuid.New()
	_, err := a.assign(owner, 2)
	require.NoError(t, err)

	// Fresh allocator and selector over the same database.
	sel2 := newRecordingSelector()
	a2 := newChunkAllocator(db, sel2)
	a2.setTotal(4)
	require.NoError(t, a2.replayAssignments(map[uuid.UUID]uint64{owner: 2}))
	assert.Equal(t, []uint64{3}, sel2.assigned[2])
}
