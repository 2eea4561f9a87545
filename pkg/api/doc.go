// Package api exposes the admin HTTP interface: volume lifecycle, service
// status, health probes and the Prometheus metrics endpoint.
package api
