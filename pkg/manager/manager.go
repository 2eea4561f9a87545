package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/events"
	"github.com/quarrystor/quarry/pkg/log"
	"github.com/quarrystor/quarry/pkg/metrics"
	"github.com/quarrystor/quarry/pkg/superblock"
	"github.com/quarrystor/quarry/pkg/types"
	"github.com/quarrystor/quarry/pkg/volume"
)

var (
	// ErrVolumeNotFound is returned by lookups for unknown volume IDs.
	ErrVolumeNotFound = errors.New("volume not found")
	// ErrShutdownStarted rejects volume-affecting requests once the drain
	// protocol has begun.
	ErrShutdownStarted = errors.New("shutdown already started")
	// ErrTooManyVolumes rejects creates beyond the configured cap.
	ErrTooManyVolumes = errors.New("volume limit reached")
)

// Application is the identity-bootstrap and resource contract the embedding
// process supplies.
type Application interface {
	// Devices returns the declared device list with tier hints.
	Devices() []types.DeviceSpec
	// MemoryBytes is the engine memory budget.
	MemoryBytes() uint64
	// DiscoverServiceID is called with nil on a first-time boot and must
	// return a fresh service identifier; on restarts it is called with the
	// recovered identifier so the application learns which service it is.
	DiscoverServiceID(existing *uuid.UUID) (uuid.UUID, error)
}

// Config tunes the manager's background timers and limits.
type Config struct {
	GCInterval            time.Duration
	ShutdownCheckInterval time.Duration
	MaxVolumes            int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GCInterval:            60 * time.Second,
		ShutdownCheckInterval: 5 * time.Second,
		MaxVolumes:            2048,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.GCInterval <= 0 {
		c.GCInterval = def.GCInterval
	}
	if c.ShutdownCheckInterval <= 0 {
		c.ShutdownCheckInterval = def.ShutdownCheckInterval
	}
	if c.MaxVolumes <= 0 {
		c.MaxVolumes = def.MaxVolumes
	}
}

// Manager is the volume-management control plane: it owns the service
// superblock, the volume directory, boot recovery, garbage collection of
// destroying volumes, and the shutdown drain protocol.
type Manager struct {
	logger zerolog.Logger
	cfg    Config
	eng    engine.Engine
	app    Application
	broker *events.Broker

	sb       *superblock.Handle[*serviceSuperblock]
	dir      *directory
	chunkSel *volumeChunkSelector

	hasCapacityTier bool
	hasFastTier     bool

	outstandingReqs atomic.Int64
	shutdownStarted atomic.Bool
	crashSimulated  atomic.Bool
	recoveryDone    atomic.Bool
	bootErr         atomic.Pointer[error]

	startedAt time.Time

	drainCh     chan struct{}
	drainOnce   sync.Once
	checkerOnce sync.Once
	stopOnce    sync.Once
	stopErr     error

	gcStop      chan struct{}
	checkerStop chan struct{}
	wg          sync.WaitGroup
}

// New wires a manager onto an engine handle and an application. No I/O
// happens until Start.
func New(eng engine.Engine, app Application, broker *events.Broker, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		logger:      log.WithComponent("manager"),
		cfg:         cfg,
		eng:         eng,
		app:         app,
		broker:      broker,
		dir:         newDirectory(),
		drainCh:     make(chan struct{}),
		gcStop:      make(chan struct{}),
		checkerStop: make(chan struct{}),
	}
}

// ServiceID returns the service's stable identifier. Zero before Start.
func (m *Manager) ServiceID() uuid.UUID {
	if m.sb == nil || m.sb.Rec == nil {
		return uuid.UUID{}
	}
	return m.sb.Rec.ServiceID
}

// beginRequest gates a volume-affecting request on the drain protocol and
// counts it in the service-wide outstanding-request counter.
func (m *Manager) beginRequest() (func(), error) {
	if m.shutdownStarted.Load() {
		return nil, ErrShutdownStarted
	}
	m.outstandingReqs.Add(1)
	metrics.OutstandingRequests.Inc()
	return func() {
		m.outstandingReqs.Add(-1)
		metrics.OutstandingRequests.Dec()
	}, nil
}

// CreateVolume creates a volume and registers it in the directory. The
// returned ID is valid immediately: a lookup after a successful create
// observes the volume online.
func (m *Manager) CreateVolume(ctx context.Context, name string, sizeBytes uint64, pageSize uint32) (types.VolumeID, error) {
	done, err := m.beginRequest()
	if err != nil {
		return types.VolumeID{}, err
	}
	defer done()

	if m.dir.len() >= m.cfg.MaxVolumes {
		return types.VolumeID{}, ErrTooManyVolumes
	}

	info := types.VolumeInfo{
		ID:        uuid.New(),
		Name:      name,
		SizeBytes: sizeBytes,
		PageSize:  pageSize,
	}

	// Streams only apply to volumes whose data lands on the capacity tier.
	var numStreams uint32
	if m.hasCapacityTier && !m.hasFastTier {
		numStreams = defaultHDDStreams
	}

	m.logger.Info().
		Str("volume_id", info.ID.String()).
		Str("name", name).
		Uint64("size_bytes", sizeBytes).
		Msg("creating volume")

	v, err := volume.Create(ctx, m.eng, info, numStreams)
	if err != nil {
		metrics.VolumeCreateFailures.Inc()
		return types.VolumeID{}, err
	}

	m.dir.insert(v)
	metrics.VolumesTotal.WithLabelValues(string(types.VolumeStateOnline)).Inc()
	m.publish(events.EventVolumeCreated, v.ID(), v.Info().Name)
	return v.ID(), nil
}

// defaultHDDStreams is the stream count stamped into superblocks of
// capacity-tier volumes.
const defaultHDDStreams = 8

// RemoveVolume marks the volume destroying, persists the intent, and runs
// the teardown sequence. Removal from the directory is asynchronous: the
// GC sweep finalizes it once no request holds a reference.
func (m *Manager) RemoveVolume(ctx context.Context, id types.VolumeID) error {
	done, err := m.beginRequest()
	if err != nil {
		return err
	}
	defer done()

	v, ok := m.dir.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}

	already := v.Destroying()
	if err := v.Destroy(ctx); err != nil {
		return err
	}
	if !already {
		metrics.VolumesTotal.WithLabelValues(string(types.VolumeStateOnline)).Dec()
		metrics.VolumesTotal.WithLabelValues(string(types.VolumeStateDestroying)).Inc()
		m.publish(events.EventVolumeDestroying, id, v.Info().Name)
	}
	return nil
}

// LookupVolume returns the volume's descriptor. A destroying volume is
// still visible until the GC sweep reclaims it.
func (m *Manager) LookupVolume(id types.VolumeID) (types.VolumeInfo, error) {
	v, ok := m.dir.get(id)
	if !ok {
		return types.VolumeInfo{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}
	return v.Info(), nil
}

// OpenVolume hands out a scoped guard for an in-flight request against the
// volume. The guard's release decrements the outstanding-reference count
// the GC sweep polls.
func (m *Manager) OpenVolume(id types.VolumeID) (*volume.Guard, error) {
	g, ok := m.dir.acquire(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}
	return g, nil
}

// ListVolumeIDs returns the IDs of every volume in the directory.
func (m *Manager) ListVolumeIDs() []types.VolumeID {
	return m.dir.ids()
}

// ListVolumes returns descriptors for every volume in the directory.
func (m *Manager) ListVolumes() []types.VolumeInfo {
	vols := m.dir.snapshot(nil)
	infos := make([]types.VolumeInfo, 0, len(vols))
	for _, v := range vols {
		infos = append(infos, v.Info())
	}
	return infos
}

// VolumeStats reports per-volume usage.
func (m *Manager) VolumeStats(id types.VolumeID) (types.VolumeStats, error) {
	v, ok := m.dir.get(id)
	if !ok {
		return types.VolumeStats{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}
	return v.Stats(), nil
}

// Stats reports service-wide capacity and volume counts.
func (m *Manager) Stats() types.ServiceStats {
	cap := m.eng.CapacityStats()
	stats := types.ServiceStats{
		ServiceID:     m.ServiceID(),
		TotalCapacity: cap.TotalCapacity,
		UsedCapacity:  cap.UsedCapacity,
		VolumeCount:   m.dir.len(),
		StartedAt:     m.startedAt,
	}
	if m.sb != nil && m.sb.Rec != nil {
		stats.BootCount = m.sb.Rec.BootCount
	}
	return stats
}

// RecoveryDone reports whether both boot phases have completed.
func (m *Manager) RecoveryDone() bool { return m.recoveryDone.Load() }

// OutstandingRequests returns the service-wide in-flight request count.
func (m *Manager) OutstandingRequests() int64 { return m.outstandingReqs.Load() }

// SetCrashSimulation switches the drain predicate into the test mode where
// destroying-and-unreclaimed volumes do not block shutdown.
func (m *Manager) SetCrashSimulation(on bool) { m.crashSimulated.Store(on) }

func (m *Manager) publish(typ events.EventType, id types.VolumeID, name string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type: typ,
		Metadata: map[string]string{
			"volume_id":   id.String(),
			"volume_name": name,
		},
	})
}

func (m *Manager) setBootErr(err error) {
	if err == nil {
		return
	}
	m.bootErr.CompareAndSwap(nil, &err)
}

func (m *Manager) takeBootErr() error {
	if p := m.bootErr.Load(); p != nil {
		return *p
	}
	return nil
}
