package manager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ServiceMetaKind is the metadata-block kind name the service superblock is
// stored under.
const ServiceMetaKind = "quarry_service"

const (
	svcMagic   uint64 = 0xCEEDDEEB
	svcVersion uint32 = 1

	svcSBSize = 8 + 4 + 4 + 8 + 16
)

const (
	// flagGracefulShutdown is set just before a clean stop and cleared on
	// every load. Absent on load means the previous run crashed.
	flagGracefulShutdown uint32 = 1 << 0
	flagRestricted       uint32 = 1 << 1
)

// ErrInvalidServiceSuperblock indicates a magic/version mismatch on load.
// The boot is fatal: no safe recovery is possible.
var ErrInvalidServiceSuperblock = errors.New("invalid service superblock")

// serviceSuperblock is the service-level on-disk record: identity, boot
// counter and shutdown bookkeeping.
type serviceSuperblock struct {
	Magic     uint64
	Version   uint32
	Flags     uint32
	BootCount uint64
	ServiceID uuid.UUID
}

func newServiceSuperblock(serviceID uuid.UUID) *serviceSuperblock {
	return &serviceSuperblock{
		Magic:     svcMagic,
		Version:   svcVersion,
		ServiceID: serviceID,
	}
}

func (sb *serviceSuperblock) setFlag(bit uint32)       { sb.Flags |= bit }
func (sb *serviceSuperblock) clearFlag(bit uint32)     { sb.Flags &^= bit }
func (sb *serviceSuperblock) testFlag(bit uint32) bool { return sb.Flags&bit != 0 }

func (sb *serviceSuperblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, svcSBSize)
	binary.LittleEndian.PutUint64(buf[0:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[8:], sb.Version)
	binary.LittleEndian.PutUint32(buf[12:], sb.Flags)
	binary.LittleEndian.PutUint64(buf[16:], sb.BootCount)
	copy(buf[24:40], sb.ServiceID[:])
	return buf, nil
}

func (sb *serviceSuperblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < svcSBSize {
		return fmt.Errorf("%w: short buffer (%d bytes)", ErrInvalidServiceSuperblock, len(buf))
	}
	sb.Magic = binary.LittleEndian.Uint64(buf[0:])
	sb.Version = binary.LittleEndian.Uint32(buf[8:])
	if sb.Magic != svcMagic || sb.Version != svcVersion {
		return fmt.Errorf("%w: magic=%#x version=%d", ErrInvalidServiceSuperblock, sb.Magic, sb.Version)
	}
	sb.Flags = binary.LittleEndian.Uint32(buf[12:])
	sb.BootCount = binary.LittleEndian.Uint64(buf[16:])
	copy(sb.ServiceID[:], buf[24:40])
	return nil
}
