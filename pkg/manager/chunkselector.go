package manager

import (
	"sync"

	"github.com/quarrystor/quarry/pkg/log"
)

// volumeChunkSelector is the custom chunk-placement policy for the
// replicated-data area. It keeps per-owner assignments so chunks for one
// volume cluster together, and spreads owners across the free set.
type volumeChunkSelector struct {
	mu       sync.Mutex
	assigned map[uint64][]uint64
}

func newVolumeChunkSelector() *volumeChunkSelector {
	return &volumeChunkSelector{assigned: make(map[uint64][]uint64)}
}

func (s *volumeChunkSelector) Select(ownerOrdinal uint64, free []uint64) (uint64, bool) {
	if len(free) == 0 {
		return 0, false
	}
	// Offset each owner into the free set so co-created volumes do not all
	// land on the same chunks.
	return free[ownerOrdinal%uint64(len(free))], true
}

func (s *volumeChunkSelector) OnChunksAssigned(ownerOrdinal uint64, chunks []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[ownerOrdinal] = append(s.assigned[ownerOrdinal], chunks...)
	logger := log.WithComponent("chunk-selector")
	logger.Debug().
		Uint64("owner", ownerOrdinal).
		Int("chunks", len(chunks)).
		Msg("chunks assigned")
}

// assignedTo returns the chunks recorded for one owner.
func (s *volumeChunkSelector) assignedTo(ownerOrdinal uint64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.assigned[ownerOrdinal]))
	copy(out, s.assigned[ownerOrdinal])
	return out
}
