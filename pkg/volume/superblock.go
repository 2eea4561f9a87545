package volume

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quarrystor/quarry/pkg/types"
)

// MetaKind is the metadata-block kind name volume superblocks are stored
// under.
const MetaKind = "quarry_volume"

const (
	sbMagic   uint64 = 0xC01FADEB
	sbVersion uint32 = 3

	// NameSize is the fixed width of the on-disk name field. Longer names
	// are truncated silently.
	NameSize = 100

	sbSize = 8 + 4 + 4 + 4 + 4 + 8 + 16 + NameSize
)

const (
	// flagDestroying persists the volume's terminal intent so a crash
	// mid-destroy resumes destruction instead of reviving the volume.
	flagDestroying uint32 = 1 << 0
)

// ErrInvalidSuperblock indicates a magic/version mismatch or a short
// buffer on load.
var ErrInvalidSuperblock = errors.New("invalid volume superblock")

// Superblock is the volume's fixed-layout on-disk record. Read-only after
// creation except for the flags word.
type Superblock struct {
	Magic      uint64
	Version    uint32
	Flags      uint32
	NumStreams uint32 // capacity-tier volumes only
	PageSize   uint32
	SizeBytes  uint64
	ID         uuid.UUID
	Name       [NameSize]byte
}

func newSuperblock(info types.VolumeInfo, numStreams uint32) *Superblock {
	sb := &Superblock{
		Magic:      sbMagic,
		Version:    sbVersion,
		NumStreams: numStreams,
		PageSize:   info.PageSize,
		SizeBytes:  info.SizeBytes,
		ID:         info.ID,
	}
	sb.setName(info.Name)
	return sb
}

// setName copies name into the fixed field, truncating if needed. The
// field is always NUL-terminated regardless of input length.
func (sb *Superblock) setName(name string) {
	n := copy(sb.Name[:NameSize-1], name)
	for i := n; i < NameSize; i++ {
		sb.Name[i] = 0
	}
}

// NameString returns the stored name up to its NUL terminator.
func (sb *Superblock) NameString() string {
	for i, b := range sb.Name {
		if b == 0 {
			return string(sb.Name[:i])
		}
	}
	return string(sb.Name[:NameSize-1])
}

func (sb *Superblock) destroying() bool { return sb.Flags&flagDestroying != 0 }

func (sb *Superblock) setDestroying() { sb.Flags |= flagDestroying }

func (sb *Superblock) clearDestroying() { sb.Flags &^= flagDestroying }

// MarshalBinary encodes the record in its fixed little-endian layout.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, sbSize)
	binary.LittleEndian.PutUint64(buf[0:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[8:], sb.Version)
	binary.LittleEndian.PutUint32(buf[12:], sb.Flags)
	binary.LittleEndian.PutUint32(buf[16:], sb.NumStreams)
	binary.LittleEndian.PutUint32(buf[20:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[24:], sb.SizeBytes)
	copy(buf[32:48], sb.ID[:])
	copy(buf[48:], sb.Name[:])
	return buf, nil
}

// UnmarshalBinary decodes and validates a recovered record.
func (sb *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < sbSize {
		return fmt.Errorf("%w: short buffer (%d bytes)", ErrInvalidSuperblock, len(buf))
	}
	sb.Magic = binary.LittleEndian.Uint64(buf[0:])
	sb.Version = binary.LittleEndian.Uint32(buf[8:])
	if sb.Magic != sbMagic || sb.Version != sbVersion {
		return fmt.Errorf("%w: magic=%#x version=%d", ErrInvalidSuperblock, sb.Magic, sb.Version)
	}
	sb.Flags = binary.LittleEndian.Uint32(buf[12:])
	sb.NumStreams = binary.LittleEndian.Uint32(buf[16:])
	sb.PageSize = binary.LittleEndian.Uint32(buf[20:])
	sb.SizeBytes = binary.LittleEndian.Uint64(buf[24:])
	copy(sb.ID[:], buf[32:48])
	copy(sb.Name[:], buf[48:48+NameSize])
	return nil
}
