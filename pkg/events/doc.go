// Package events provides a buffered publish/subscribe broker for volume
// lifecycle and service shutdown events.
package events
