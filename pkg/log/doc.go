// Package log provides structured logging for Quarry built on zerolog.
// Components obtain child loggers through WithComponent and WithVolumeID
// so every line carries enough context to trace a volume operation.
package log
