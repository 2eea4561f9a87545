// Package localengine is a single-node storage engine backing the volume
// control plane. Metadata blocks, the index-table catalog and chunk
// assignments share one bolt database; every replicated device runs its
// own solo raft group so writes follow the consensus path end to end.
package localengine
