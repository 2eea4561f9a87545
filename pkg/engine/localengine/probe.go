package localengine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/quarrystor/quarry/pkg/types"
)

// sysBlockDir is overridable in tests.
var sysBlockDir = "/sys/block"

// ProbeDeviceTier detects what kind of device backs the given path. Block
// devices are classified by the kernel's rotational flag; regular files
// are treated as flash since they carry no seek penalty of their own.
func (e *Engine) ProbeDeviceTier(path string) types.DeviceTier {
	st, err := os.Stat(path)
	if err != nil {
		return types.TierUnsupported
	}

	if st.Mode().IsRegular() {
		return types.TierNVMe
	}
	if st.Mode()&os.ModeDevice == 0 {
		return types.TierUnsupported
	}

	name := filepath.Base(path)
	data, err := os.ReadFile(filepath.Join(sysBlockDir, name, "queue", "rotational"))
	if err != nil {
		// Partitions live under the parent device's sysfs entry.
		parent := strings.TrimRight(name, "0123456789")
		data, err = os.ReadFile(filepath.Join(sysBlockDir, parent, "queue", "rotational"))
		if err != nil {
			return types.TierUnsupported
		}
	}

	if strings.TrimSpace(string(data)) == "1" {
		return types.TierHDD
	}
	return types.TierNVMe
}
