package localengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/types"
)

func withSysBlock(t *testing.T, fixtures map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, rotational := range fixtures {
		queue := filepath.Join(dir, name, "queue")
		require.NoError(t, os.MkdirAll(queue, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(queue, "rotational"), []byte(rotational), 0644))
	}
	old := sysBlockDir
	sysBlockDir = dir
	t.Cleanup(func() { sysBlockDir = old })
}

// TestProbeDeviceTierFiles tests the non-block-device cases: regular
// files probe as flash, everything else is unsupported.
func TestProbeDeviceTierFiles(t *testing.T) {
	e := New(t.TempDir())

	file := filepath.Join(t.TempDir(), "backing.img")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	assert.Equal(t, types.TierNVMe, e.ProbeDeviceTier(file))

	assert.Equal(t, types.TierUnsupported, e.ProbeDeviceTier(filepath.Join(t.TempDir(), "missing")))
	assert.Equal(t, types.TierUnsupported, e.ProbeDeviceTier(t.TempDir()))
}

// TestProbeDeviceTierRotational tests the sysfs rotational-flag lookup
// against a real device node.
func TestProbeDeviceTierRotational(t *testing.T) {
	st, err := os.Stat("/dev/null")
	if err != nil || st.Mode()&os.ModeDevice == 0 {
		t.Skip("no device node available")
	}
	e := New(t.TempDir())

	withSysBlock(t, map[string]string{"null": "1\n"})
	assert.Equal(t, types.TierHDD, e.ProbeDeviceTier("/dev/null"))

	withSysBlock(t, map[string]string{"null": "0\n"})
	assert.Equal(t, types.TierNVMe, e.ProbeDeviceTier("/dev/null"))

	withSysBlock(t, nil)
	assert.Equal(t, types.TierUnsupported, e.ProbeDeviceTier("/dev/null"))
}
