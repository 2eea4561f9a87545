package localengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quarrystor/quarry/pkg/engine"
)

var bucketMetaBlocks = []byte("meta_blocks")

// metaService implements the generic named-metadata-block store on a bolt
// bucket. Every block is stored as a CRC32 header followed by the payload;
// replay verifies the checksum before dispatching to the registered
// handler.
type metaService struct {
	db *bolt.DB

	mu       sync.RWMutex
	handlers map[string]engine.RecoverFunc
	order    []string // registration order drives replay order
}

func newMetaService(db *bolt.DB) *metaService {
	return &metaService{
		db:       db,
		handlers: make(map[string]engine.RecoverFunc),
	}
}

func (m *metaService) RegisterHandler(kind string, cb engine.RecoverFunc, subtypeOf ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[kind]; !dup {
		m.order = append(m.order, kind)
	}
	m.handlers[kind] = cb
}

// cookieFor builds the stored key for a block kind.
func cookieFor(kind string) engine.Cookie {
	return engine.Cookie(kind + "/" + uuid.NewString())
}

func kindPrefix(kind string) []byte { return []byte(kind + "/") }

func seal(buf []byte) []byte {
	out := make([]byte, 4+len(buf))
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(buf))
	copy(out[4:], buf)
	return out
}

func unseal(stored []byte) ([]byte, error) {
	if len(stored) < 4 {
		return nil, engine.ErrBadChecksum
	}
	payload := stored[4:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(stored) {
		return nil, engine.ErrBadChecksum
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (m *metaService) Create(kind string, buf []byte) (engine.Cookie, error) {
	cookie := cookieFor(kind)
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetaBlocks).Put([]byte(cookie), seal(buf))
	})
	if err != nil {
		return "", fmt.Errorf("create meta block %s: %w", kind, err)
	}
	return cookie, nil
}

func (m *metaService) Update(cookie engine.Cookie, buf []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetaBlocks)
		if b.Get([]byte(cookie)) == nil {
			return fmt.Errorf("%w: %s", engine.ErrBlockNotFound, cookie)
		}
		return b.Put([]byte(cookie), seal(buf))
	})
}

func (m *metaService) Remove(cookie engine.Cookie) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetaBlocks)
		if b.Get([]byte(cookie)) == nil {
			return fmt.Errorf("%w: %s", engine.ErrBlockNotFound, cookie)
		}
		return b.Delete([]byte(cookie))
	})
}

// Replay dispatches every persisted block of kind to its handler.
func (m *metaService) Replay(kind string) error {
	m.mu.RLock()
	cb := m.handlers[kind]
	m.mu.RUnlock()
	if cb == nil {
		return fmt.Errorf("no handler registered for meta kind %q", kind)
	}

	type block struct {
		cookie engine.Cookie
		buf    []byte
	}
	var blocks []block

	prefix := kindPrefix(kind)
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetaBlocks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			buf, err := unseal(v)
			if err != nil {
				return fmt.Errorf("meta block %s: %w", k, err)
			}
			blocks = append(blocks, block{cookie: engine.Cookie(k), buf: buf})
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Dispatch outside the transaction so handlers can write back.
	for _, blk := range blocks {
		cb(blk.buf, blk.cookie)
	}
	return nil
}

// replayRegistered replays every kind with a registered handler, in
// registration order.
func (m *metaService) replayRegistered() error {
	m.mu.RLock()
	kinds := append([]string(nil), m.order...)
	m.mu.RUnlock()
	for _, kind := range kinds {
		if err := m.Replay(kind); err != nil {
			return err
		}
	}
	return nil
}
