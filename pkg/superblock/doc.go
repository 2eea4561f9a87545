// Package superblock provides a generic typed wrapper for persisting
// fixed-layout metadata records through the engine's metadata store:
// create, load-from-recovered-bytes, write, destroy.
package superblock
