// Package types contains shared data structures used across Quarry
// components: device descriptors, volume lifecycle states, and stats
// reported by the admin API.
package types
