package volume

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/engine/enginetest"
	"github.com/quarrystor/quarry/pkg/types"
)

func startedFake(t *testing.T) *enginetest.Fake {
	t.Helper()
	eng := enginetest.NewFake()
	firstTime, err := eng.Start(context.Background(), engine.StartParams{
		Devices: []engine.Device{{Path: "/dev/fake", Tier: engine.TierFast}},
	})
	require.NoError(t, err)
	require.True(t, firstTime)
	require.NoError(t, eng.Format(context.Background(), engine.FormatPlan{
		engine.AreaReplication: {Tier: engine.TierFast, SizePct: 75},
	}))
	return eng
}

func newTestInfo(name string) types.VolumeInfo {
	return types.VolumeInfo{
		ID:        uuid.New(),
		Name:      name,
		SizeBytes: 1 << 30,
		PageSize:  4096,
	}
}

// TestCreateVolume tests the happy path: superblock, device and index
// table all exist and the volume is online.
func TestCreateVolume(t *testing.T) {
	eng := startedFake(t)

	v, err := Create(context.Background(), eng, newTestInfo("data"), 0)
	require.NoError(t, err)

	assert.Equal(t, types.VolumeStateOnline, v.State())
	assert.NotNil(t, v.Dev())
	assert.NotNil(t, v.IndexTable())
	assert.False(t, v.Reclaimed())

	_, err = eng.Repl().GetDev(v.ID())
	assert.NoError(t, err)
}

// TestCreateVolumeAborts tests that a failed device creation leaves no
// persisted superblock behind.
func TestCreateVolumeAborts(t *testing.T) {
	eng := startedFake(t)
	eng.FailNextCreate()

	info := newTestInfo("doomed")
	_, err := Create(context.Background(), eng, info, 0)
	require.Error(t, err)

	// Nothing should replay for the aborted volume.
	var recovered int
	eng.Meta().RegisterHandler(MetaKind, func(buf []byte, cookie engine.Cookie) {
		recovered++
	})
	require.NoError(t, eng.Meta().Replay(MetaKind))
	assert.Zero(t, recovered)
}

// TestCreateVolumeAbortsOnFinalWrite tests that a failure persisting the
// final superblock unwinds the device, index table and superblock.
func TestCreateVolumeAbortsOnFinalWrite(t *testing.T) {
	eng := startedFake(t)
	ctx := context.Background()

	eng.FailNextUpdate()
	info := newTestInfo("halfway")
	_, err := Create(ctx, eng, info, 0)
	require.Error(t, err)

	_, err = eng.Repl().GetDev(info.ID)
	assert.ErrorIs(t, err, engine.ErrDevNotFound)

	var recovered int
	eng.Meta().RegisterHandler(MetaKind, func(buf []byte, cookie engine.Cookie) {
		recovered++
	})
	require.NoError(t, eng.Meta().Replay(MetaKind))
	assert.Zero(t, recovered, "no superblock survives a failed create")

	// No orphaned index table comes back on the next boot either.
	var tables int
	eng.Index().OnTableRecovered(func(engine.IndexTable) { tables++ })
	_, err = eng.Start(ctx, engine.StartParams{})
	require.NoError(t, err)
	assert.Zero(t, tables)
}

// TestDestroyVolume tests the full teardown order and terminal state.
func TestDestroyVolume(t *testing.T) {
	eng := startedFake(t)
	ctx := context.Background()

	v, err := Create(ctx, eng, newTestInfo("gone"), 0)
	require.NoError(t, err)
	tableID := v.IndexTable().ID()

	require.NoError(t, v.Destroy(ctx))

	assert.True(t, v.Destroying())
	assert.True(t, v.Reclaimed())
	assert.True(t, v.CanReclaim())
	assert.Nil(t, v.Dev())
	assert.Nil(t, v.IndexTable())

	_, err = eng.Repl().GetDev(v.ID())
	assert.ErrorIs(t, err, engine.ErrDevNotFound)
	err = eng.Index().RemoveTable(ctx, tableID)
	assert.ErrorIs(t, err, engine.ErrTableNotFound)

	// Destroy is idempotent once reclaimed.
	assert.NoError(t, v.Destroy(ctx))
}

// TestDestroyResumesAfterFailpoint tests that a destroy interrupted after
// device removal resumes to completion on the next call.
func TestDestroyResumesAfterFailpoint(t *testing.T) {
	eng := startedFake(t)
	ctx := context.Background()

	v, err := Create(ctx, eng, newTestInfo("crashy"), 0)
	require.NoError(t, err)

	armed := true
	v.SetDestroyFailpoint(func() bool {
		fire := armed
		armed = false
		return fire
	})

	require.NoError(t, v.Destroy(ctx))
	assert.True(t, v.Destroying())
	assert.False(t, v.Reclaimed(), "failpoint must stop before reclamation")
	_, err = eng.Repl().GetDev(v.ID())
	assert.ErrorIs(t, err, engine.ErrDevNotFound)

	// Second run resumes past the missing device.
	require.NoError(t, v.Destroy(ctx))
	assert.True(t, v.Reclaimed())
}

// TestDestroyIntentPersistFailure tests that a failed intent write leaves
// the volume fully online, and that the retry persists the intent before
// removing the device so a crash cannot revive a half-torn-down volume.
func TestDestroyIntentPersistFailure(t *testing.T) {
	eng := startedFake(t)
	ctx := context.Background()

	v, err := Create(ctx, eng, newTestInfo("sticky"), 0)
	require.NoError(t, err)

	eng.FailNextUpdate()
	require.Error(t, v.Destroy(ctx))

	// Nothing was torn down and nothing persisted: the device is intact
	// and a replayed superblock still carries no destroying intent.
	assert.Equal(t, types.VolumeStateOnline, v.State())
	_, err = eng.Repl().GetDev(v.ID())
	require.NoError(t, err)

	var recovered *Volume
	eng.Meta().RegisterHandler(MetaKind, func(buf []byte, cookie engine.Cookie) {
		var rerr error
		recovered, rerr = Recover(eng, buf, cookie)
		require.NoError(t, rerr)
	})
	require.NoError(t, eng.Meta().Replay(MetaKind))
	require.NotNil(t, recovered)
	assert.Equal(t, types.VolumeStateOnline, recovered.State())

	// Retry, interrupted right after device removal: the intent must have
	// hit disk first, so recovery resumes the destroy instead of bringing
	// the volume back online without a device.
	armed := true
	v.SetDestroyFailpoint(func() bool {
		fire := armed
		armed = false
		return fire
	})
	require.NoError(t, v.Destroy(ctx))

	recovered = nil
	require.NoError(t, eng.Meta().Replay(MetaKind))
	require.NotNil(t, recovered)
	assert.Equal(t, types.VolumeStateDestroying, recovered.State())
	assert.Nil(t, recovered.Dev())
}

// TestRecoverVolume tests reconstruction from a replayed superblock for
// both an online volume and one that lost its device mid-destroy.
func TestRecoverVolume(t *testing.T) {
	eng := startedFake(t)
	ctx := context.Background()

	v, err := Create(ctx, eng, newTestInfo("persist"), 4)
	require.NoError(t, err)

	var recovered *Volume
	eng.Meta().RegisterHandler(MetaKind, func(buf []byte, cookie engine.Cookie) {
		var rerr error
		recovered, rerr = Recover(eng, buf, cookie)
		require.NoError(t, rerr)
	})
	require.NoError(t, eng.Meta().Replay(MetaKind))

	require.NotNil(t, recovered)
	assert.Equal(t, v.ID(), recovered.ID())
	assert.Equal(t, "persist", recovered.Info().Name)
	assert.Equal(t, types.VolumeStateOnline, recovered.State())
	assert.NotNil(t, recovered.Dev())

	// Mark destroying and drop the device, then recover again: the volume
	// must come back destroying and deviceless, ready to resume teardown.
	v.sb.Rec.setDestroying()
	require.NoError(t, v.sb.Write())
	require.NoError(t, eng.Repl().RemoveDev(ctx, v.ID()))

	recovered = nil
	require.NoError(t, eng.Meta().Replay(MetaKind))
	require.NotNil(t, recovered)
	assert.Equal(t, types.VolumeStateDestroying, recovered.State())
	assert.Nil(t, recovered.Dev())
}

// TestGuardRelease tests outstanding-request accounting and idempotent
// release.
func TestGuardRelease(t *testing.T) {
	eng := startedFake(t)

	v, err := Create(context.Background(), eng, newTestInfo("busy"), 0)
	require.NoError(t, err)

	g1 := v.Acquire()
	g2 := v.Acquire()
	assert.Equal(t, int64(2), v.Outstanding())
	assert.Same(t, v, g1.Volume())

	g1.Release()
	g1.Release() // no double decrement
	assert.Equal(t, int64(1), v.Outstanding())

	g2.Release()
	assert.Equal(t, int64(0), v.Outstanding())
}
