package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/quarrystor/quarry/pkg/types"
)

var (
	// ErrDevNotFound is returned by ReplService.GetDev when no replicated
	// device exists for the requested volume. During recovery this is a soft
	// condition: the volume was mid-destroy when the process crashed.
	ErrDevNotFound = errors.New("replicated device not found")

	// ErrTableNotFound is returned by IndexService lookups.
	ErrTableNotFound = errors.New("index table not found")

	// ErrBlockNotFound is returned by MetaService operations on an unknown
	// cookie.
	ErrBlockNotFound = errors.New("metadata block not found")

	// ErrBadChecksum is returned when a metadata block fails CRC
	// verification on replay.
	ErrBadChecksum = errors.New("metadata block checksum mismatch")
)

// Tier is the engine-level device class a storage area is placed on.
type Tier int

const (
	// TierCapacity is the rotational, capacity-oriented tier.
	TierCapacity Tier = iota
	// TierFast is the flash tier.
	TierFast
)

func (t Tier) String() string {
	if t == TierFast {
		return "fast"
	}
	return "capacity"
}

// Device is a classified device handed to the engine at start.
type Device struct {
	Path string
	Tier Tier
}

// Area names a formatted storage area.
type Area int

const (
	AreaMeta Area = iota
	AreaLog
	AreaIndex
	AreaReplication
)

func (a Area) String() string {
	switch a {
	case AreaMeta:
		return "meta"
	case AreaLog:
		return "log"
	case AreaIndex:
		return "index"
	case AreaReplication:
		return "replication"
	default:
		return "unknown"
	}
}

// FormatParams describes how one storage area is carved out of the usable
// capacity during first-time formatting.
type FormatParams struct {
	Tier      Tier
	SizePct   float64
	ChunkSize uint64 // 0 means engine default
	BlockSize uint32 // 0 means engine default
	// Selector, when non-nil, overrides the engine's chunk placement for
	// this area.
	Selector ChunkSelector
}

// FormatPlan maps each storage area to its formatting parameters.
type FormatPlan map[Area]FormatParams

// ChunkSelector is a pluggable chunk-placement policy consulted by the
// engine when it allocates chunks for an area formatted with a custom
// selector.
type ChunkSelector interface {
	// Select picks one chunk for the given owner ordinal out of the free
	// candidates. Returns false if no candidate is acceptable.
	Select(ownerOrdinal uint64, free []uint64) (uint64, bool)
	// OnChunksAssigned notifies the policy which chunks ended up assigned
	// to the owner, so it can persist or index the assignment.
	OnChunksAssigned(ownerOrdinal uint64, chunks []uint64)
}

// CapStats is total/used capacity as reported by the engine.
type CapStats struct {
	TotalCapacity uint64
	UsedCapacity  uint64
}

// StartParams configures engine startup.
type StartParams struct {
	Devices     []Device
	MemoryBytes uint64

	// DataSelector is the chunk-placement policy for the replicated-data
	// area. It is consulted on every device creation, including after
	// restarts.
	DataSelector ChunkSelector

	// RegisterMeta is invoked before the engine replays persisted metadata
	// blocks; the embedding service registers its recovery handlers here.
	RegisterMeta func(MetaService)

	// OnRecoveryComplete fires exactly once after all engine-internal
	// recovery has finished. Volume-level recovery must not begin earlier.
	OnRecoveryComplete func()
}

// Engine is the boundary to the underlying replicated, indexed storage
// engine. Quarry owns volume lifecycles; the engine owns devices, data
// placement, replication and the B-tree index implementation.
type Engine interface {
	// Start brings the engine up on the given devices and replays persisted
	// state. It reports whether this is a first-time format: callers must
	// then invoke Format before using any other service.
	Start(ctx context.Context, params StartParams) (firstTime bool, err error)

	// Format carves storage areas on a first-time boot.
	Format(ctx context.Context, plan FormatPlan) error

	Meta() MetaService
	Repl() ReplService
	Index() IndexService

	// ProbeDeviceTier detects the actual tier of a raw device path.
	ProbeDeviceTier(path string) types.DeviceTier

	CapacityStats() CapStats

	// Stop flushes and shuts the engine down.
	Stop(ctx context.Context) error
}

// Cookie is an opaque handle to a stored metadata block.
type Cookie string

// RecoverFunc is invoked once per persisted metadata block of a registered
// kind during replay. The buffer has already passed CRC verification.
type RecoverFunc func(buf []byte, cookie Cookie)

// MetaService is the generic named-metadata-block store: versioned blobs
// keyed by a logical kind name, CRC-protected, replayed through registered
// handlers on recovery.
type MetaService interface {
	// RegisterHandler registers the recovery handler for one block kind,
	// optionally scoped below the named owning subsystems.
	RegisterHandler(kind string, cb RecoverFunc, subtypeOf ...string)

	// Replay dispatches every persisted block of the given kind to its
	// registered handler. Used for kinds registered after engine start.
	Replay(kind string) error

	Create(kind string, buf []byte) (Cookie, error)
	Update(cookie Cookie, buf []byte) error
	Remove(cookie Cookie) error
}

// ReplDev is a durable, possibly replicated, read/write address space
// backing a single volume.
type ReplDev interface {
	ID() uuid.UUID
	// WriteAt appends a write of data at the given logical offset through
	// the replication layer.
	WriteAt(ctx context.Context, off uint64, data []byte) error
	ReadAt(off uint64, length int) ([]byte, error)
	UsedBytes() uint64
}

// ReplService creates and tracks replicated devices keyed by volume ID.
type ReplService interface {
	// CreateDev creates a device for the volume. An empty member list means
	// a single-writer (solo) device with no replica peers.
	CreateDev(ctx context.Context, id uuid.UUID, members []uuid.UUID) (ReplDev, error)
	GetDev(id uuid.UUID) (ReplDev, error)
	// RemoveDev tears the device down and reclaims its storage. The call is
	// synchronous: when it returns the device no longer exists.
	RemoveDev(ctx context.Context, id uuid.UUID) error
	// MetaKind is the metadata-block kind name under which the service
	// persists per-device state; volume superblock handlers register scoped
	// below it so devices recover first.
	MetaKind() string
	CapacityStats() CapStats
}

// NodeType selects a B-tree node encoding.
type NodeType int

const (
	NodeTypeFixed NodeType = iota
	NodeTypePrefix
)

// NodePolicy is the node-size and node-type policy an index table is built
// with. The engine supplies its preferred policy via IndexService.
type NodePolicy struct {
	NodeSize      int
	LeafNodes     NodeType
	InteriorNodes NodeType
}

// IndexTable is an ordered key-value structure mapping a volume's logical
// addressing scheme to physical locations.
type IndexTable interface {
	ID() uuid.UUID
	// ParentID is the owning volume's ID, recorded at creation and used to
	// reattach the table to its volume during recovery.
	ParentID() uuid.UUID
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// Destroy removes the table's on-disk structure.
	Destroy(ctx context.Context) error
}

// IndexService creates and tracks index tables.
type IndexService interface {
	// NodePolicy returns the engine's preferred node policy.
	NodePolicy() NodePolicy
	CreateTable(ctx context.Context, id, parent uuid.UUID, policy NodePolicy) (IndexTable, error)
	// RemoveTable unregisters a table from the service without destroying
	// its on-disk structure.
	RemoveTable(ctx context.Context, id uuid.UUID) error
	// OnTableRecovered registers the callback invoked once per persisted
	// table replayed during recovery. Must be set before Start returns
	// recovered tables, i.e. inside StartParams.RegisterMeta or earlier.
	OnTableRecovered(cb func(IndexTable))
}
