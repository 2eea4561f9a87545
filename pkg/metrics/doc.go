// Package metrics defines the Prometheus collectors exported by Quarry
// and the HTTP handler that serves them.
package metrics
