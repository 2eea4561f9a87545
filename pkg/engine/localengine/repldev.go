package localengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/log"
)

const (
	replMetaKind = "local_repl_dev"

	raftApplyTimeout  = 10 * time.Second
	raftLeaderTimeout = 10 * time.Second
	snapshotRetain    = 2
)

var bucketReplDevs = []byte("repl_devs")

// replService manages solo raft-backed replicated devices. Each device
// gets its own raft group with a single voter so writes run through the
// same consensus path a multi-member deployment would use.
type replService struct {
	db      *bolt.DB
	dataDir string
	alloc   *chunkAllocator
	logger  zerolog.Logger

	mu   sync.Mutex
	devs map[uuid.UUID]*replDev
}

func newReplService(db *bolt.DB, dataDir string, alloc *chunkAllocator) *replService {
	return &replService{
		db:      db,
		dataDir: dataDir,
		alloc:   alloc,
		logger:  log.WithComponent("repl"),
		devs:    make(map[uuid.UUID]*replDev),
	}
}

func (s *replService) MetaKind() string { return replMetaKind }

func (s *replService) devDir(id uuid.UUID) string {
	return filepath.Join(s.dataDir, "repl", id.String())
}

// CreateDev registers a new device and bootstraps its raft group.
func (s *replService) CreateDev(ctx context.Context, id uuid.UUID, members []uuid.UUID) (engine.ReplDev, error) {
	if len(members) > 0 {
		return nil, fmt.Errorf("replica peers are not supported by the local engine")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devs[id]; ok {
		return nil, fmt.Errorf("repl dev %s already exists", id)
	}

	// Next ordinal is one past the highest registered. Ordinals are never
	// reused so the placement policy sees a stable owner identity.
	var ordinal uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplDevs)
		if err := b.ForEach(func(_, v []byte) error {
			if len(v) == 8 && binary.LittleEndian.Uint64(v)+1 > ordinal {
				ordinal = binary.LittleEndian.Uint64(v) + 1
			}
			return nil
		}); err != nil {
			return err
		}
		var rec [8]byte
		binary.LittleEndian.PutUint64(rec[:], ordinal)
		return b.Put(id[:], rec[:])
	})
	if err != nil {
		return nil, fmt.Errorf("register repl dev: %w", err)
	}

	deregister := func() {
		s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketReplDevs).Delete(id[:])
		})
	}

	if _, err := s.alloc.assign(id, ordinal); err != nil {
		deregister()
		return nil, fmt.Errorf("assign data chunk: %w", err)
	}

	dev, err := s.openDev(ctx, id, true)
	if err != nil {
		s.alloc.release(id)
		deregister()
		return nil, err
	}
	dev.ordinal = ordinal

	s.devs[id] = dev
	s.logger.Info().Str("volume_id", id.String()).Msg("Created replicated device")
	return dev, nil
}

// GetDev returns a previously created device.
func (s *replService) GetDev(id uuid.UUID) (engine.ReplDev, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devs[id]
	if !ok {
		return nil, engine.ErrDevNotFound
	}
	return dev, nil
}

// RemoveDev tears down the device's raft group and deletes its on-disk
// state. The removal is durable before this returns.
func (s *replService) RemoveDev(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devs[id]
	if !ok {
		return engine.ErrDevNotFound
	}

	if err := dev.shutdown(); err != nil {
		return fmt.Errorf("shut down repl dev %s: %w", id, err)
	}
	if err := os.RemoveAll(s.devDir(id)); err != nil {
		return fmt.Errorf("remove repl dev %s state: %w", id, err)
	}
	if err := s.alloc.release(id); err != nil {
		return fmt.Errorf("release data chunks of %s: %w", id, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplDevs).Delete(id[:])
	})
	if err != nil {
		return fmt.Errorf("deregister repl dev %s: %w", id, err)
	}

	delete(s.devs, id)
	s.logger.Info().Str("volume_id", id.String()).Msg("Removed replicated device")
	return nil
}

// recoverDevs reopens the raft group of every registered device. Devices
// whose on-disk state is missing were mid-removal at crash time; they are
// deregistered rather than reopened so a destroy in progress can resume
// past the device step.
func (s *replService) recoverDevs(ctx context.Context) error {
	ordinals := make(map[uuid.UUID]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplDevs).ForEach(func(k, v []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return fmt.Errorf("bad repl dev key: %w", err)
			}
			if len(v) != 8 {
				return fmt.Errorf("bad repl dev record for %s", id)
			}
			ordinals[id] = binary.LittleEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ordinal := range ordinals {
		if _, err := os.Stat(filepath.Join(s.devDir(id), "raft-log.db")); err != nil {
			s.logger.Warn().Str("volume_id", id.String()).Msg("Repl dev has no raft state, deregistering")
			s.alloc.release(id)
			s.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(bucketReplDevs).Delete(id[:])
			})
			os.RemoveAll(s.devDir(id))
			delete(ordinals, id)
			continue
		}

		dev, err := s.openDev(ctx, id, false)
		if err != nil {
			return fmt.Errorf("recover repl dev %s: %w", id, err)
		}
		dev.ordinal = ordinal
		s.devs[id] = dev
		s.logger.Info().Str("volume_id", id.String()).Msg("Recovered replicated device")
	}

	return s.alloc.replayAssignments(ordinals)
}

func (s *replService) openDev(ctx context.Context, id uuid.UUID, bootstrap bool) (*replDev, error) {
	dir := s.devDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create repl dev directory: %w", err)
	}

	fsm, err := newDeviceFSM(filepath.Join(dir, "data.blk"))
	if err != nil {
		return nil, err
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(id.String())
	config.LogOutput = os.Stderr

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
	if err != nil {
		fsm.close()
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		fsm.close()
		return nil, fmt.Errorf("create stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(dir, snapshotRetain, os.Stderr)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		fsm.close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	_, transport := raft.NewInmemTransport(raft.ServerAddress(id.String()))

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		fsm.close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			r.Shutdown()
			return nil, fmt.Errorf("bootstrap raft: %w", err)
		}
	}

	dev := &replDev{
		id:          id,
		raft:        r,
		fsm:         fsm,
		logStore:    logStore,
		stableStore: stableStore,
	}

	if err := dev.waitLeader(ctx); err != nil {
		dev.shutdown()
		return nil, err
	}
	return dev, nil
}

// replDev is a solo raft-backed block device.
type replDev struct {
	id          uuid.UUID
	ordinal     uint64
	raft        *raft.Raft
	fsm         *deviceFSM
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

func (d *replDev) ID() uuid.UUID { return d.id }

// WriteAt replicates the write through raft and applies it once committed.
func (d *replDev) WriteAt(ctx context.Context, off uint64, data []byte) error {
	data = encodeWriteCmd(writeCmd{Offset: off, Data: data})
	future := d.raft.Apply(data, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replicate write: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// ReadAt reads committed data from the local replica.
func (d *replDev) ReadAt(off uint64, length int) ([]byte, error) {
	return d.fsm.readAt(off, length)
}

// UsedBytes reports the bytes occupied by the replica's data file.
func (d *replDev) UsedBytes() uint64 {
	return d.fsm.size()
}

func (d *replDev) waitLeader(ctx context.Context) error {
	deadline := time.After(raftLeaderTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.raft.State() == raft.Leader {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("repl dev %s: timed out waiting for raft leadership", d.id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *replDev) shutdown() error {
	if err := d.raft.Shutdown().Error(); err != nil {
		return err
	}
	d.logStore.Close()
	d.stableStore.Close()
	return d.fsm.close()
}

// shutdownAll stops every open device without deleting state.
func (s *replService) shutdownAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, dev := range s.devs {
		if err := dev.shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shut down repl dev %s: %w", id, err)
		}
		delete(s.devs, id)
	}
	return firstErr
}

// CapacityStats reports replica data usage across all open devices.
func (s *replService) CapacityStats() engine.CapStats {
	return engine.CapStats{UsedCapacity: s.usedBytes()}
}

// usedBytes sums replica data across all open devices.
func (s *replService) usedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for _, dev := range s.devs {
		total += dev.UsedBytes()
	}
	return total
}
