package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/log"
	"github.com/quarrystor/quarry/pkg/superblock"
	"github.com/quarrystor/quarry/pkg/types"
)

const (
	stateOnline int32 = iota
	stateDestroying
)

// Volume is one logical disk: its superblock, its replicated-device handle
// and its index-table handle, plus the small state machine that keeps
// destruction crash-resumable.
type Volume struct {
	logger zerolog.Logger
	eng    engine.Engine

	info types.VolumeInfo
	sb   *superblock.Handle[*Superblock]

	// mu guards dev and table during destroy; reads from the request path
	// go through the accessors.
	mu    sync.Mutex
	dev   engine.ReplDev
	table engine.IndexTable

	state       atomic.Int32
	outstanding atomic.Int64
	reclaimed   atomic.Bool

	// destroyFailpoint aborts the destroy sequence right after the
	// replicated device has been removed. Test hook for crash-resume
	// validation; nil in production.
	destroyFailpoint func() bool
}

// Create builds a brand-new volume: persist the superblock, create the
// solo replicated device, create and register a fresh index table, then
// mark the volume online. On failure nothing persisted is left claimed as
// valid.
func Create(ctx context.Context, eng engine.Engine, info types.VolumeInfo, numStreams uint32) (*Volume, error) {
	rec := newSuperblock(info, numStreams)
	info.Name = rec.NameString() // may have been truncated
	info.State = types.VolumeStateOnline

	v := &Volume{
		logger: log.WithVolumeID(info.ID.String()),
		eng:    eng,
		info:   info,
		sb:     superblock.New[*Superblock](eng.Meta(), MetaKind),
	}

	if err := v.sb.Create(rec); err != nil {
		return nil, err
	}

	// Solo device: members left empty on purpose.
	v.logger.Info().Str("name", info.Name).Msg("creating replicated device")
	dev, err := eng.Repl().CreateDev(ctx, info.ID, nil)
	if err != nil {
		v.abortCreate(ctx)
		return nil, fmt.Errorf("create replicated device for volume %s: %w", info.ID, err)
	}
	v.dev = dev

	policy := eng.Index().NodePolicy()
	policy.LeafNodes = engine.NodeTypePrefix
	policy.InteriorNodes = engine.NodeTypeFixed

	tableID := uuid.New()
	v.logger.Info().Str("index_table_id", tableID.String()).Msg("creating index table")
	table, err := eng.Index().CreateTable(ctx, tableID, info.ID, policy)
	if err != nil {
		v.abortCreate(ctx)
		return nil, fmt.Errorf("create index table for volume %s: %w", info.ID, err)
	}
	v.table = table

	v.state.Store(stateOnline)
	if err := v.sb.Write(); err != nil {
		v.abortCreate(ctx)
		return nil, err
	}
	return v, nil
}

// abortCreate unwinds a half-created volume so a failed create registers
// nothing.
func (v *Volume) abortCreate(ctx context.Context) {
	if v.table != nil {
		if err := v.eng.Index().RemoveTable(ctx, v.table.ID()); err != nil {
			v.logger.Warn().Err(err).Msg("failed to remove index table while aborting create")
		} else if err := v.table.Destroy(ctx); err != nil {
			v.logger.Warn().Err(err).Msg("failed to destroy index table while aborting create")
		}
		v.table = nil
	}
	if v.dev != nil {
		if err := v.eng.Repl().RemoveDev(ctx, v.info.ID); err != nil {
			v.logger.Warn().Err(err).Msg("failed to remove replicated device while aborting create")
		}
		v.dev = nil
	}
	if err := v.sb.Destroy(); err != nil {
		v.logger.Warn().Err(err).Msg("failed to destroy superblock while aborting create")
	}
}

// Recover reconstructs a volume from a replayed superblock buffer. No
// state transition happens here: the persisted intent is rediscovered, not
// recomputed. A missing replicated device means the volume was mid-destroy
// when the process crashed and is a soft condition.
func Recover(eng engine.Engine, buf []byte, cookie engine.Cookie) (*Volume, error) {
	rec := &Superblock{}
	sb := superblock.New[*Superblock](eng.Meta(), MetaKind)
	if err := sb.Load(rec, buf, cookie); err != nil {
		return nil, err
	}

	v := &Volume{
		logger: log.WithVolumeID(rec.ID.String()),
		eng:    eng,
		sb:     sb,
		info: types.VolumeInfo{
			ID:        rec.ID,
			Name:      rec.NameString(),
			SizeBytes: rec.SizeBytes,
			PageSize:  rec.PageSize,
			State:     types.VolumeStateOnline,
		},
	}
	if rec.destroying() {
		v.state.Store(stateDestroying)
		v.info.State = types.VolumeStateDestroying
	}

	dev, err := eng.Repl().GetDev(rec.ID)
	if err != nil {
		if !errors.Is(err, engine.ErrDevNotFound) {
			v.logger.Warn().Err(err).Msg("replicated device lookup failed during recovery")
		}
		v.logger.Info().Msg("no replicated device found; volume was being destroyed at crash time")
	} else {
		v.dev = dev
	}

	// The index table, if it still exists, reattaches asynchronously via
	// the index service's recovery callback.
	v.logger.Info().
		Str("name", v.info.Name).
		Str("state", string(v.info.State)).
		Msg("volume recovered from superblock")
	return v, nil
}

// AttachIndexTable reattaches a recovered index table whose recorded
// parent is this volume.
func (v *Volume) AttachIndexTable(table engine.IndexTable) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.table = table
}

// SetDestroyFailpoint installs the test-only fault-injection hook. When it
// returns true the destroy sequence aborts after device removal.
func (v *Volume) SetDestroyFailpoint(fp func() bool) { v.destroyFailpoint = fp }

// Destroy runs (or resumes) the teardown sequence. The ordering is the
// sole correctness mechanism and must not change: persist the destroying
// intent, remove the replicated device, remove and destroy the index
// table, destroy the superblock. Safe to call again after a partial run.
func (v *Volume) Destroy(ctx context.Context) error {
	if v.reclaimed.Load() {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Persist intent before any engine-level teardown. The in-memory state
	// follows the write, never precedes it: if the write fails the volume
	// stays online and a retry runs the sequence from the top.
	if !v.sb.Rec.destroying() {
		v.sb.Rec.setDestroying()
		if err := v.sb.Write(); err != nil {
			v.sb.Rec.clearDestroying()
			return err
		}
		v.logger.Info().Msg("volume marked destroying")
	}
	v.state.Store(stateDestroying)

	if v.dev != nil {
		v.logger.Info().Msg("removing replicated device")
		if err := v.eng.Repl().RemoveDev(ctx, v.info.ID); err != nil {
			return fmt.Errorf("remove replicated device for volume %s: %w", v.info.ID, err)
		}
		v.dev = nil
	}

	if v.destroyFailpoint != nil && v.destroyFailpoint() {
		v.logger.Info().Msg("destroy aborted at failpoint, will resume on next boot")
		return nil
	}

	if v.table != nil {
		v.logger.Info().Str("index_table_id", v.table.ID().String()).Msg("destroying index table")
		if err := v.eng.Index().RemoveTable(ctx, v.table.ID()); err != nil {
			return fmt.Errorf("remove index table for volume %s: %w", v.info.ID, err)
		}
		if err := v.table.Destroy(ctx); err != nil {
			return fmt.Errorf("destroy index table for volume %s: %w", v.info.ID, err)
		}
		v.table = nil
	}

	if v.sb.Exists() {
		if err := v.sb.Destroy(); err != nil {
			return err
		}
	}
	v.reclaimed.Store(true)
	v.logger.Info().Msg("volume destroyed")
	return nil
}

// ID returns the volume identifier.
func (v *Volume) ID() types.VolumeID { return v.info.ID }

// Info returns the caller-visible description with the current state.
func (v *Volume) Info() types.VolumeInfo {
	info := v.info
	info.State = v.State()
	return info
}

// State returns the current lifecycle state.
func (v *Volume) State() types.VolumeState {
	if v.state.Load() == stateDestroying {
		return types.VolumeStateDestroying
	}
	return types.VolumeStateOnline
}

// Destroying reports whether the volume has entered its terminal state.
func (v *Volume) Destroying() bool { return v.state.Load() == stateDestroying }

// Reclaimed reports whether on-disk teardown completed and the volume is
// eligible for removal from the directory.
func (v *Volume) Reclaimed() bool { return v.reclaimed.Load() }

// Outstanding returns the number of in-flight requests holding the volume.
func (v *Volume) Outstanding() int64 { return v.outstanding.Load() }

// CanReclaim reports whether the GC sweep may finalize this volume:
// destroying with no outstanding references beyond the directory's own.
func (v *Volume) CanReclaim() bool {
	return v.Destroying() && v.outstanding.Load() == 0
}

// Dev returns the replicated-device handle, or nil once destroyed.
func (v *Volume) Dev() engine.ReplDev {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dev
}

// IndexTable returns the index-table handle, or nil before recovery
// reattachment or after destroy.
func (v *Volume) IndexTable() engine.IndexTable {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.table
}

// Stats reports the volume's provisioned and used bytes.
func (v *Volume) Stats() types.VolumeStats {
	stats := types.VolumeStats{
		ID:              v.info.ID,
		TotalBytes:      v.info.SizeBytes,
		OutstandingReqs: v.outstanding.Load(),
	}
	if dev := v.Dev(); dev != nil {
		stats.UsedBytes = dev.UsedBytes()
	}
	return stats
}

// Guard is a scoped reference to a volume held by one in-flight request.
// Releasing it decrements the outstanding-request counter; Release is
// idempotent.
type Guard struct {
	v        *Volume
	released atomic.Bool
}

// Acquire takes a temporary reference for an in-flight request.
func (v *Volume) Acquire() *Guard {
	v.outstanding.Add(1)
	return &Guard{v: v}
}

// Volume returns the guarded volume.
func (g *Guard) Volume() *Volume { return g.v }

// Release drops the reference.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.v.outstanding.Add(-1)
	}
}
