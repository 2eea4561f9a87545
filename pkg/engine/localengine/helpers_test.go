package localengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// openTestDB opens a throwaway metadata database with all engine buckets
// created.
func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketEngineState, bucketMetaBlocks, bucketIndexCatalog,
			bucketReplDevs, bucketDataChunks,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return db
}
