package localengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quarrystor/quarry/pkg/engine"
)

var bucketDataChunks = []byte("data_chunks")

// chunkAllocator hands out replicated-data chunks to devices. Assignments
// are persisted so they survive restarts, and the pluggable selector is
// consulted for every placement decision.
type chunkAllocator struct {
	db       *bolt.DB
	selector engine.ChunkSelector

	mu    sync.Mutex
	total uint64
}

func newChunkAllocator(db *bolt.DB, selector engine.ChunkSelector) *chunkAllocator {
	return &chunkAllocator{db: db, selector: selector}
}

func chunkKey(idx uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], idx)
	return k[:]
}

// assign picks one free chunk for the owner and persists the assignment.
func (a *chunkAllocator) assign(owner uuid.UUID, ordinal uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total == 0 {
		return 0, fmt.Errorf("data area has no chunks")
	}

	taken := make(map[uint64]bool)
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataChunks).ForEach(func(k, _ []byte) error {
			taken[binary.BigEndian.Uint64(k)] = true
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	free := make([]uint64, 0, a.total)
	for i := uint64(0); i < a.total; i++ {
		if !taken[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return 0, fmt.Errorf("data area exhausted (%d chunks)", a.total)
	}

	chunk := free[0]
	if a.selector != nil {
		picked, ok := a.selector.Select(ordinal, free)
		if !ok {
			return 0, fmt.Errorf("chunk selector rejected all %d free chunks", len(free))
		}
		chunk = picked
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataChunks).Put(chunkKey(chunk), owner[:])
	})
	if err != nil {
		return 0, err
	}

	if a.selector != nil {
		a.selector.OnChunksAssigned(ordinal, []uint64{chunk})
	}
	return chunk, nil
}

// release frees every chunk held by the owner.
func (a *chunkAllocator) release(owner uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.db.Update(func(tx *bolt.Tx) error {
		// Deleting through the cursor keeps its position valid; deleting
		// through the bucket mid-iteration can skip keys.
		c := tx.Bucket(bucketDataChunks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Equal(v, owner[:]) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// replayAssignments renotifies the selector of persisted assignments so
// its in-memory view survives restarts. Ordinals are read back from the
// device registry.
func (a *chunkAllocator) replayAssignments(ordinals map[uuid.UUID]uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.selector == nil {
		return nil
	}

	byOwner := make(map[uuid.UUID][]uint64)
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataChunks).ForEach(func(k, v []byte) error {
			owner, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("bad chunk assignment owner: %w", err)
			}
			byOwner[owner] = append(byOwner[owner], binary.BigEndian.Uint64(k))
			return nil
		})
	})
	if err != nil {
		return err
	}

	for owner, chunks := range byOwner {
		a.selector.OnChunksAssigned(ordinals[owner], chunks)
	}
	return nil
}

func (a *chunkAllocator) setTotal(total uint64) {
	a.mu.Lock()
	a.total = total
	a.mu.Unlock()
}
