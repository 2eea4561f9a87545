package localengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/quarrystor/quarry/pkg/engine"
)

var bucketIndexCatalog = []byte("index_catalog")

const indexCatalogRecSize = 16 + 4 + 1 + 1

// indexService keeps one bolt bucket per table plus a catalog bucket
// recording each table's parent and node policy, replayed at boot.
type indexService struct {
	db *bolt.DB

	mu     sync.RWMutex
	tables map[uuid.UUID]*indexTable
	onRec  func(engine.IndexTable)
}

func newIndexService(db *bolt.DB) *indexService {
	return &indexService{
		db:     db,
		tables: make(map[uuid.UUID]*indexTable),
	}
}

func (s *indexService) NodePolicy() engine.NodePolicy {
	return engine.NodePolicy{
		NodeSize:      8192,
		LeafNodes:     engine.NodeTypeFixed,
		InteriorNodes: engine.NodeTypeFixed,
	}
}

func (s *indexService) OnTableRecovered(cb func(engine.IndexTable)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRec = cb
}

func tableBucketName(id uuid.UUID) []byte {
	return []byte("index/" + id.String())
}

func marshalCatalogRec(parent uuid.UUID, policy engine.NodePolicy) []byte {
	buf := make([]byte, indexCatalogRecSize)
	copy(buf[0:16], parent[:])
	binary.LittleEndian.PutUint32(buf[16:], uint32(policy.NodeSize))
	buf[20] = byte(policy.LeafNodes)
	buf[21] = byte(policy.InteriorNodes)
	return buf
}

func unmarshalCatalogRec(buf []byte) (parent uuid.UUID, policy engine.NodePolicy, err error) {
	if len(buf) < indexCatalogRecSize {
		return parent, policy, fmt.Errorf("short index catalog record (%d bytes)", len(buf))
	}
	copy(parent[:], buf[0:16])
	policy.NodeSize = int(binary.LittleEndian.Uint32(buf[16:]))
	policy.LeafNodes = engine.NodeType(buf[20])
	policy.InteriorNodes = engine.NodeType(buf[21])
	return parent, policy, nil
}

func (s *indexService) CreateTable(ctx context.Context, id, parent uuid.UUID, policy engine.NodePolicy) (engine.IndexTable, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tableBucketName(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndexCatalog).Put(id[:], marshalCatalogRec(parent, policy))
	})
	if err != nil {
		return nil, fmt.Errorf("create index table %s: %w", id, err)
	}

	t := &indexTable{db: s.db, id: id, parent: parent, policy: policy}
	s.mu.Lock()
	s.tables[id] = t
	s.mu.Unlock()
	return t, nil
}

func (s *indexService) RemoveTable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrTableNotFound, id)
	}
	delete(s.tables, id)
	return nil
}

// recoverTables replays the catalog and hands every surviving table to the
// registered recovery callback.
func (s *indexService) recoverTables() error {
	type rec struct {
		id     uuid.UUID
		parent uuid.UUID
		policy engine.NodePolicy
	}
	var recs []rec

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexCatalog).ForEach(func(k, v []byte) error {
			var r rec
			if len(k) != 16 {
				return fmt.Errorf("bad index catalog key %q", k)
			}
			copy(r.id[:], k)
			var err error
			r.parent, r.policy, err = unmarshalCatalogRec(v)
			if err != nil {
				return err
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.mu.RLock()
	cb := s.onRec
	s.mu.RUnlock()

	for _, r := range recs {
		t := &indexTable{db: s.db, id: r.id, parent: r.parent, policy: r.policy}
		s.mu.Lock()
		s.tables[r.id] = t
		s.mu.Unlock()
		if cb != nil {
			cb(t)
		}
	}
	return nil
}

// indexTable is a bolt-bucket-backed ordered key-value table.
type indexTable struct {
	db     *bolt.DB
	id     uuid.UUID
	parent uuid.UUID
	policy engine.NodePolicy
}

func (t *indexTable) ID() uuid.UUID       { return t.id }
func (t *indexTable) ParentID() uuid.UUID { return t.parent }

func (t *indexTable) Put(key, value []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucketName(t.id))
		if b == nil {
			return fmt.Errorf("%w: %s", engine.ErrTableNotFound, t.id)
		}
		return b.Put(key, value)
	})
}

func (t *indexTable) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucketName(t.id))
		if b == nil {
			return fmt.Errorf("%w: %s", engine.ErrTableNotFound, t.id)
		}
		v := b.Get(key)
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

func (t *indexTable) Delete(key []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucketName(t.id))
		if b == nil {
			return fmt.Errorf("%w: %s", engine.ErrTableNotFound, t.id)
		}
		return b.Delete(key)
	})
}

// Destroy removes the table's bucket and catalog entry.
func (t *indexTable) Destroy(ctx context.Context) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(tableBucketName(t.id)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(bucketIndexCatalog).Delete(t.id[:])
	})
}
