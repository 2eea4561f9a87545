package volume

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/types"
)

// TestSuperblockRoundTrip tests that a marshaled superblock decodes to the
// same record.
func TestSuperblockRoundTrip(t *testing.T) {
	info := types.VolumeInfo{
		ID:        uuid.New(),
		Name:      "vol-a",
		SizeBytes: 10 << 30,
		PageSize:  4096,
	}
	sb := newSuperblock(info, 8)
	sb.setDestroying()

	buf, err := sb.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, sbSize)

	var got Superblock
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, *sb, got)
	assert.Equal(t, "vol-a", got.NameString())
	assert.True(t, got.destroying())
	assert.Equal(t, uint32(8), got.NumStreams)
}

// TestSuperblockNameTruncation tests that over-long names are truncated
// and stay NUL-terminated.
func TestSuperblockNameTruncation(t *testing.T) {
	long := strings.Repeat("x", NameSize*2)
	sb := newSuperblock(types.VolumeInfo{ID: uuid.New(), Name: long}, 0)

	assert.Len(t, sb.NameString(), NameSize-1)
	assert.Equal(t, byte(0), sb.Name[NameSize-1])

	buf, err := sb.MarshalBinary()
	require.NoError(t, err)
	var got Superblock
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, strings.Repeat("x", NameSize-1), got.NameString())
}

// TestSuperblockValidation tests magic/version and short-buffer rejection.
func TestSuperblockValidation(t *testing.T) {
	sb := newSuperblock(types.VolumeInfo{ID: uuid.New(), Name: "v"}, 0)
	buf, err := sb.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "short buffer",
			mutate: func(b []byte) []byte { return b[:sbSize-1] },
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] ^= 0xFF
				return b
			},
		},
		{
			name: "bad version",
			mutate: func(b []byte) []byte {
				b[8] = 99
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := tt.mutate(append([]byte(nil), buf...))
			var got Superblock
			err := got.UnmarshalBinary(bad)
			assert.ErrorIs(t, err, ErrInvalidSuperblock)
		})
	}
}
