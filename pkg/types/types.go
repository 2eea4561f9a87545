package types

import (
	"time"

	"github.com/google/uuid"
)

// VolumeID identifies a logical volume.
type VolumeID = uuid.UUID

// DeviceTier is the caller-declared class of a raw device.
type DeviceTier string

const (
	TierHDD         DeviceTier = "hdd"
	TierNVMe        DeviceTier = "nvme"
	TierAutoDetect  DeviceTier = "auto"
	TierUnsupported DeviceTier = "unsupported"
)

// DeviceSpec describes one raw device handed to the service at boot.
type DeviceSpec struct {
	Path string     `json:"path"`
	Tier DeviceTier `json:"tier"`
}

// VolumeState is the lifecycle state of a volume.
type VolumeState string

const (
	// VolumeStateOnline means the volume is serving requests.
	VolumeStateOnline VolumeState = "online"
	// VolumeStateDestroying is terminal: cleanup is in progress or pending.
	// There is no transition back to online.
	VolumeStateDestroying VolumeState = "destroying"
)

// VolumeInfo is the caller-visible description of a volume.
type VolumeInfo struct {
	ID        VolumeID    `json:"id"`
	Name      string      `json:"name"`
	SizeBytes uint64      `json:"size_bytes"`
	PageSize  uint32      `json:"page_size"`
	State     VolumeState `json:"state"`
}

// VolumeStats reports per-volume usage.
type VolumeStats struct {
	ID              VolumeID `json:"id"`
	TotalBytes      uint64   `json:"total_bytes"`
	UsedBytes       uint64   `json:"used_bytes"`
	OutstandingReqs int64    `json:"outstanding_reqs"`
}

// ServiceStats reports service-wide capacity and volume counts.
type ServiceStats struct {
	ServiceID     uuid.UUID `json:"service_id"`
	BootCount     uint64    `json:"boot_count"`
	TotalCapacity uint64    `json:"total_capacity"`
	UsedCapacity  uint64    `json:"used_capacity"`
	VolumeCount   int       `json:"volume_count"`
	StartedAt     time.Time `json:"started_at"`
}
