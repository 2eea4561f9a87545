package superblock

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/quarrystor/quarry/pkg/engine"
)

var (
	// ErrNotCreated is returned when Write or Destroy is called on a handle
	// that was never created or loaded.
	ErrNotCreated = errors.New("superblock not created")
)

// Record is a fixed-layout metadata record persisted through the engine's
// metadata store.
type Record interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Handle persists one typed record under a well-known metadata kind. Both
// the service and each volume own one.
type Handle[T Record] struct {
	meta   engine.MetaService
	kind   string
	cookie engine.Cookie

	// Rec is the in-memory record. Valid after Create or Load.
	Rec T
}

// New returns an empty handle bound to the metadata store under kind.
func New[T Record](meta engine.MetaService, kind string) *Handle[T] {
	return &Handle[T]{meta: meta, kind: kind}
}

// Create persists rec as a new metadata block and retains it in memory.
func (h *Handle[T]) Create(rec T) error {
	buf, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s superblock: %w", h.kind, err)
	}
	cookie, err := h.meta.Create(h.kind, buf)
	if err != nil {
		return fmt.Errorf("create %s superblock: %w", h.kind, err)
	}
	h.Rec = rec
	h.cookie = cookie
	return nil
}

// Load reconstructs the record from a recovered buffer. The buffer has
// already passed the metadata store's CRC verification.
func (h *Handle[T]) Load(rec T, buf []byte, cookie engine.Cookie) error {
	if err := rec.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("unmarshal %s superblock: %w", h.kind, err)
	}
	h.Rec = rec
	h.cookie = cookie
	return nil
}

// Write persists the current in-memory record over the existing block.
func (h *Handle[T]) Write() error {
	if h.cookie == "" {
		return ErrNotCreated
	}
	buf, err := h.Rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s superblock: %w", h.kind, err)
	}
	if err := h.meta.Update(h.cookie, buf); err != nil {
		return fmt.Errorf("write %s superblock: %w", h.kind, err)
	}
	return nil
}

// Destroy removes the block from the metadata store. The in-memory record
// stays readable; the handle can no longer be written.
func (h *Handle[T]) Destroy() error {
	if h.cookie == "" {
		return ErrNotCreated
	}
	if err := h.meta.Remove(h.cookie); err != nil {
		return fmt.Errorf("destroy %s superblock: %w", h.kind, err)
	}
	h.cookie = ""
	return nil
}

// Exists reports whether the handle is backed by a persisted block.
func (h *Handle[T]) Exists() bool { return h.cookie != "" }
