package localengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/log"
)

const (
	metaDBFile = "quarry.db"

	defaultChunkSize = uint64(2 << 30)
	defaultBlockSize = uint32(4096)

	// defaultDeviceBytes stands in for devices whose size cannot be probed,
	// such as freshly created backing files.
	defaultDeviceBytes = uint64(64 << 30)
)

var (
	bucketEngineState = []byte("engine_state")

	keyFormatted     = []byte("formatted")
	keyTotalCapacity = []byte("total_capacity")
	keyDataChunks    = []byte("data_chunks_total")
)

// Engine is a single-node reference implementation of engine.Engine. All
// metadata lives in one bolt database under the data directory; each
// replicated device runs a solo raft group beside it.
type Engine struct {
	dataDir string
	logger  zerolog.Logger

	db    *bolt.DB
	meta  *metaService
	index *indexService
	repl  *replService
	alloc *chunkAllocator

	mu        sync.Mutex
	devices   []engine.Device
	totalCap  uint64
	formatted bool
}

// New creates an engine rooted at dataDir. Nothing is opened until Start.
func New(dataDir string) *Engine {
	return &Engine{
		dataDir: dataDir,
		logger:  log.WithComponent("localengine"),
	}
}

// Start opens the metadata database, replays persisted state and reports
// whether this is a first-time format.
func (e *Engine) Start(ctx context.Context, params engine.StartParams) (bool, error) {
	if len(params.Devices) == 0 {
		return false, fmt.Errorf("no devices")
	}
	if err := os.MkdirAll(e.dataDir, 0700); err != nil {
		return false, fmt.Errorf("create data directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(e.dataDir, metaDBFile), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return false, fmt.Errorf("open metadata database: %w", err)
	}

	firstTime := true
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketEngineState, bucketMetaBlocks, bucketIndexCatalog,
			bucketReplDevs, bucketDataChunks,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		firstTime = tx.Bucket(bucketEngineState).Get(keyFormatted) == nil
		return nil
	})
	if err != nil {
		db.Close()
		return false, err
	}

	e.db = db
	e.devices = params.Devices
	e.meta = newMetaService(db)
	e.index = newIndexService(db)
	e.alloc = newChunkAllocator(db, params.DataSelector)
	e.repl = newReplService(db, e.dataDir, e.alloc)

	if params.RegisterMeta != nil {
		params.RegisterMeta(e.meta)
	}

	if firstTime {
		e.logger.Info().Str("data_dir", e.dataDir).Msg("No existing state, awaiting format")
		if params.OnRecoveryComplete != nil {
			params.OnRecoveryComplete()
		}
		return true, nil
	}

	if err := e.loadState(); err != nil {
		db.Close()
		return false, err
	}
	if err := e.meta.replayRegistered(); err != nil {
		db.Close()
		return false, fmt.Errorf("replay metadata blocks: %w", err)
	}
	if err := e.repl.recoverDevs(ctx); err != nil {
		db.Close()
		return false, fmt.Errorf("recover replicated devices: %w", err)
	}
	if params.OnRecoveryComplete != nil {
		params.OnRecoveryComplete()
	}
	if err := e.index.recoverTables(); err != nil {
		db.Close()
		return false, fmt.Errorf("recover index tables: %w", err)
	}

	e.logger.Info().
		Str("data_dir", e.dataDir).
		Int("devices", len(params.Devices)).
		Msg("Engine recovered")
	return false, nil
}

func (e *Engine) loadState() error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEngineState)
		e.formatted = true
		if v := b.Get(keyTotalCapacity); len(v) == 8 {
			e.totalCap = binary.LittleEndian.Uint64(v)
		}
		if v := b.Get(keyDataChunks); len(v) == 8 {
			e.alloc.setTotal(binary.LittleEndian.Uint64(v))
		}
		return nil
	})
}

// Format carves the storage areas out on a first boot.
func (e *Engine) Format(ctx context.Context, plan engine.FormatPlan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return fmt.Errorf("engine not started")
	}
	if e.formatted {
		return fmt.Errorf("engine already formatted")
	}

	tierBytes := map[engine.Tier]uint64{}
	var total uint64
	for _, dev := range e.devices {
		size := deviceBytes(dev.Path)
		tierBytes[dev.Tier] += size
		total += size
	}

	data, ok := plan[engine.AreaReplication]
	if !ok {
		return fmt.Errorf("format plan has no replicated-data area")
	}
	chunkSize := data.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	dataBytes := uint64(math.Floor(float64(tierBytes[data.Tier]) * data.SizePct / 100))
	dataChunks := dataBytes / chunkSize
	if dataChunks == 0 {
		return fmt.Errorf("replicated-data area too small for chunk size %d", chunkSize)
	}
	if data.Selector != nil {
		e.alloc.selector = data.Selector
	}

	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEngineState)
		// bbolt keeps a reference to a Put value until the transaction
		// commits, so each key needs its own buffer.
		var capBuf, chunkBuf [8]byte
		binary.LittleEndian.PutUint64(capBuf[:], total)
		if err := b.Put(keyTotalCapacity, capBuf[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(chunkBuf[:], dataChunks)
		if err := b.Put(keyDataChunks, chunkBuf[:]); err != nil {
			return err
		}
		return b.Put(keyFormatted, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("persist format: %w", err)
	}

	e.totalCap = total
	e.formatted = true
	e.alloc.setTotal(dataChunks)

	for area, params := range plan {
		e.logger.Info().
			Str("area", area.String()).
			Str("tier", params.Tier.String()).
			Float64("size_pct", params.SizePct).
			Msg("Formatted storage area")
	}
	return nil
}

func (e *Engine) Meta() engine.MetaService   { return e.meta }
func (e *Engine) Repl() engine.ReplService   { return e.repl }
func (e *Engine) Index() engine.IndexService { return e.index }

// CapacityStats reports capacity from the format-time device census and
// usage from the live replicas plus the metadata database.
func (e *Engine) CapacityStats() engine.CapStats {
	e.mu.Lock()
	total := e.totalCap
	e.mu.Unlock()

	var used uint64
	if e.repl != nil {
		used = e.repl.usedBytes()
	}
	if e.db != nil {
		if st, err := os.Stat(e.db.Path()); err == nil {
			used += uint64(st.Size())
		}
	}
	return engine.CapStats{TotalCapacity: total, UsedCapacity: used}
}

// Stop shuts the replicated devices and the metadata database down.
func (e *Engine) Stop(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	if err := e.repl.shutdownAll(); err != nil {
		return err
	}
	err := e.db.Close()
	e.db = nil
	e.logger.Info().Msg("Engine stopped")
	return err
}

// deviceBytes sizes a backing device. Regular files report their length;
// anything unstattable or zero-length falls back to a fixed default.
func deviceBytes(path string) uint64 {
	st, err := os.Stat(path)
	if err != nil || st.Size() <= 0 {
		return defaultDeviceBytes
	}
	return uint64(st.Size())
}
