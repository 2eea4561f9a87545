package manager

import (
	"sync"

	"github.com/quarrystor/quarry/pkg/types"
	"github.com/quarrystor/quarry/pkg/volume"
)

// directory is the concurrently-readable mapping from volume ID to volume.
// Lookups, stat queries and the GC scan take the read lock; insertion and
// the GC finalize phase take the write lock. The locks never nest and are
// never held across a suspension point.
type directory struct {
	mu   sync.RWMutex
	vols map[types.VolumeID]*volume.Volume
}

func newDirectory() *directory {
	return &directory{vols: make(map[types.VolumeID]*volume.Volume)}
}

func (d *directory) insert(v *volume.Volume) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vols[v.ID()] = v
}

func (d *directory) get(id types.VolumeID) (*volume.Volume, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vols[id]
	return v, ok
}

// acquire hands out a scoped guard under the read lock so the reference
// count is raised before any GC finalize pass can observe the volume.
func (d *directory) acquire(id types.VolumeID) (*volume.Guard, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vols[id]
	if !ok {
		return nil, false
	}
	return v.Acquire(), true
}

// eraseIf removes the volume under the write lock only if pred still holds,
// closing the race with a lookup that acquired a reference after the GC
// scan snapshot.
func (d *directory) eraseIf(id types.VolumeID, pred func(*volume.Volume) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vols[id]
	if !ok || !pred(v) {
		return false
	}
	delete(d.vols, id)
	return true
}

func (d *directory) ids() []types.VolumeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]types.VolumeID, 0, len(d.vols))
	for id := range d.vols {
		ids = append(ids, id)
	}
	return ids
}

// snapshot returns the volumes matching pred, collected under the read
// lock.
func (d *directory) snapshot(pred func(*volume.Volume) bool) []*volume.Volume {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*volume.Volume
	for _, v := range d.vols {
		if pred == nil || pred(v) {
			out = append(out, v)
		}
	}
	return out
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.vols)
}
