// Package client is the Go client for the quarry admin API, used by the
// CLI and by tests.
package client
