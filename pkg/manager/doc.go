// Package manager implements the Quarry control plane: the service
// superblock and two-phase boot recovery, the volume directory, the
// garbage-collection reaper for destroying volumes, and the shutdown
// drain protocol.
package manager
