// Package volume implements the logical-volume entity: its on-disk
// superblock, the Online/Destroying state machine, and the crash-resumable
// create/recover/destroy sequences against the storage engine.
package volume
