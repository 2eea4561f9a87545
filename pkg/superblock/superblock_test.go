package superblock

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/engine/enginetest"
)

// testRec is a minimal fixed-layout record.
type testRec struct {
	Value uint64
}

func (r *testRec) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Value)
	return buf, nil
}

func (r *testRec) UnmarshalBinary(buf []byte) error {
	r.Value = binary.LittleEndian.Uint64(buf)
	return nil
}

func testMeta(t *testing.T) engine.MetaService {
	t.Helper()
	eng := enginetest.NewFake()
	_, err := eng.Start(context.Background(), engine.StartParams{
		Devices: []engine.Device{{Path: "/dev/fake", Tier: engine.TierFast}},
	})
	require.NoError(t, err)
	return eng.Meta()
}

// TestHandleLifecycle tests create, write, replay-load and destroy.
func TestHandleLifecycle(t *testing.T) {
	meta := testMeta(t)

	h := New[*testRec](meta, "test_kind")
	assert.False(t, h.Exists())
	assert.ErrorIs(t, h.Write(), ErrNotCreated)
	assert.ErrorIs(t, h.Destroy(), ErrNotCreated)

	require.NoError(t, h.Create(&testRec{Value: 7}))
	assert.True(t, h.Exists())

	h.Rec.Value = 42
	require.NoError(t, h.Write())

	// A fresh handle loads the updated record through replay.
	h2 := New[*testRec](meta, "test_kind")
	meta.RegisterHandler("test_kind", func(buf []byte, cookie engine.Cookie) {
		require.NoError(t, h2.Load(&testRec{}, buf, cookie))
	})
	require.NoError(t, meta.Replay("test_kind"))
	require.True(t, h2.Exists())
	assert.Equal(t, uint64(42), h2.Rec.Value)

	require.NoError(t, h2.Destroy())
	assert.False(t, h2.Exists())
	assert.ErrorIs(t, h2.Write(), ErrNotCreated)

	// Nothing left to replay.
	count := 0
	meta.RegisterHandler("test_kind", func(buf []byte, cookie engine.Cookie) { count++ })
	require.NoError(t, meta.Replay("test_kind"))
	assert.Zero(t, count)
}
