package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/events"
	"github.com/quarrystor/quarry/pkg/metrics"
	"github.com/quarrystor/quarry/pkg/superblock"
	"github.com/quarrystor/quarry/pkg/types"
	"github.com/quarrystor/quarry/pkg/volume"
)

const (
	// dataChunkSize and dataBlockSize are fixed constants passed through
	// unchanged to the engine for the replicated-data area.
	dataChunkSize uint64 = 2 << 30
	dataBlockSize uint32 = 4096
	logChunkSize  uint64 = 32 << 20
)

// ErrNoServiceID is fatal: on a first boot the application must hand out a
// fresh identifier, and on a restart the superblock must carry one.
var ErrNoServiceID = errors.New("no service identifier available")

// Start runs the two-phase boot protocol: classify devices, start the
// engine (registering the service superblock handler first), then either
// format a fresh system or adopt the recovered state. Volume recovery is
// entered only through the engine's recovery-complete signal.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = time.Now()

	devs, hasCapacity, hasFast, err := classifyDevices(m.eng, m.app.Devices())
	if err != nil {
		return err
	}
	m.hasCapacityTier = hasCapacity
	m.hasFastTier = hasFast
	m.chunkSel = newVolumeChunkSelector()
	m.sb = superblock.New[*serviceSuperblock](m.eng.Meta(), ServiceMetaKind)

	// The index-table recovery callback must be in place before any replay.
	m.eng.Index().OnTableRecovered(m.onIndexTableRecovered)

	m.logger.Info().
		Int("devices", len(devs)).
		Bool("has_capacity_tier", hasCapacity).
		Bool("has_fast_tier", hasFast).
		Msg("starting storage engine")

	firstTime, err := m.eng.Start(ctx, engine.StartParams{
		Devices:            devs,
		MemoryBytes:        m.app.MemoryBytes(),
		DataSelector:       m.chunkSel,
		RegisterMeta:       m.registerMetaHandlers,
		OnRecoveryComplete: m.onRecoveryComplete,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if firstTime {
		serviceID, err := m.app.DiscoverServiceID(nil)
		if err != nil {
			return fmt.Errorf("discover service id: %w", err)
		}
		if serviceID == (uuid.UUID{}) {
			return ErrNoServiceID
		}
		m.logger.Info().Str("service_id", serviceID.String()).Msg("first boot, formatting")

		if err := m.eng.Format(ctx, m.formatPlan()); err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if err := m.sb.Create(newServiceSuperblock(serviceID)); err != nil {
			return err
		}
	} else {
		if err := m.takeBootErr(); err != nil {
			return err
		}
		if !m.sb.Exists() {
			return fmt.Errorf("%w: restart without a recovered service superblock", ErrInvalidServiceSuperblock)
		}
		if m.sb.Rec.ServiceID == (uuid.UUID{}) {
			return ErrNoServiceID
		}
		// Tell the application which service it recovered as.
		if _, err := m.app.DiscoverServiceID(&m.sb.Rec.ServiceID); err != nil {
			return fmt.Errorf("notify recovered service id: %w", err)
		}
		m.logger.Info().
			Str("service_id", m.sb.Rec.ServiceID.String()).
			Uint64("boot_count", m.sb.Rec.BootCount).
			Msg("restarted on existing system")

		// Persist the boot-counter increment and the cleared shutdown flag
		// outside the replay callback.
		if err := m.sb.Write(); err != nil {
			return err
		}
	}

	if err := m.takeBootErr(); err != nil {
		return err
	}

	metrics.BootCount.Set(float64(m.sb.Rec.BootCount))
	m.updateCapacityMetrics()
	m.startReaper()
	return nil
}

// formatPlan builds the tiered first-time formatting plan. With both tiers
// present the metadata, log and index areas land on flash and replicated
// data on the capacity tier; with a single tier everything shares it with
// smaller shares.
func (m *Manager) formatPlan() engine.FormatPlan {
	if m.hasCapacityTier && m.hasFastTier {
		return engine.FormatPlan{
			engine.AreaMeta:  {Tier: engine.TierFast, SizePct: 9.0},
			engine.AreaLog:   {Tier: engine.TierFast, SizePct: 45.0, ChunkSize: logChunkSize},
			engine.AreaIndex: {Tier: engine.TierFast, SizePct: 45.0},
			engine.AreaReplication: {
				Tier:      engine.TierCapacity,
				SizePct:   95.0,
				ChunkSize: dataChunkSize,
				BlockSize: dataBlockSize,
				Selector:  m.chunkSel,
			},
		}
	}

	tier := engine.TierCapacity
	if m.hasFastTier {
		tier = engine.TierFast
	}
	m.logger.Debug().Str("tier", tier.String()).Msg("single-tier format plan")
	return engine.FormatPlan{
		engine.AreaMeta:  {Tier: tier, SizePct: 5.0},
		engine.AreaLog:   {Tier: tier, SizePct: 10.0, ChunkSize: logChunkSize},
		engine.AreaIndex: {Tier: tier, SizePct: 5.0},
		engine.AreaReplication: {
			Tier:      tier,
			SizePct:   75.0,
			ChunkSize: dataChunkSize,
			BlockSize: dataBlockSize,
			Selector:  m.chunkSel,
		},
	}
}

// registerMetaHandlers runs inside engine start, before replay.
func (m *Manager) registerMetaHandlers(meta engine.MetaService) {
	meta.RegisterHandler(ServiceMetaKind, m.onServiceSuperblock)
}

// onServiceSuperblock replays the service superblock: validate, clear the
// graceful-shutdown flag, bump the boot counter. The write is deferred to
// Start to avoid mutating the store from inside the replay dispatch.
func (m *Manager) onServiceSuperblock(buf []byte, cookie engine.Cookie) {
	rec := &serviceSuperblock{}
	if err := m.sb.Load(rec, buf, cookie); err != nil {
		m.setBootErr(err)
		return
	}

	if rec.testFlag(flagGracefulShutdown) {
		rec.clearFlag(flagGracefulShutdown)
		m.logger.Info().Msg("previous run shut down gracefully")
	} else {
		m.logger.Warn().Msg("previous run crashed; recovery will resume interrupted work")
	}
	rec.BootCount++
}

// onRecoveryComplete is the engine's one-shot signal that all internal
// recovery finished; only now may volume superblocks be replayed.
func (m *Manager) onRecoveryComplete() {
	meta := m.eng.Meta()
	meta.RegisterHandler(volume.MetaKind, m.onVolumeSuperblock, m.eng.Repl().MetaKind())
	if err := meta.Replay(volume.MetaKind); err != nil {
		m.setBootErr(fmt.Errorf("replay volume superblocks: %w", err))
		return
	}
	m.recoveryDone.Store(true)
	m.logger.Info().Int("volumes", m.dir.len()).Msg("volume recovery complete")
}

// onVolumeSuperblock replays one persisted volume superblock.
func (m *Manager) onVolumeSuperblock(buf []byte, cookie engine.Cookie) {
	v, err := volume.Recover(m.eng, buf, cookie)
	if err != nil {
		m.setBootErr(err)
		return
	}
	m.dir.insert(v)
	metrics.VolumesTotal.WithLabelValues(string(v.State())).Inc()
	m.publish(events.EventVolumeRecovered, v.ID(), v.Info().Name)
}

// onIndexTableRecovered reattaches a replayed index table to its owning
// volume, matched by the table's recorded parent identifier.
func (m *Manager) onIndexTableRecovered(table engine.IndexTable) {
	parent := types.VolumeID(table.ParentID())
	v, ok := m.dir.get(parent)
	if !ok {
		m.logger.Warn().
			Str("index_table_id", table.ID().String()).
			Str("parent_id", parent.String()).
			Msg("recovered index table has no owning volume")
		return
	}
	v.AttachIndexTable(table)
}
