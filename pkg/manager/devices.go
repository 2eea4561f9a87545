package manager

import (
	"errors"
	"path/filepath"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/log"
	"github.com/quarrystor/quarry/pkg/types"
)

// ErrNoUsableDevices is fatal: the service cannot format or recover
// without at least one supported device.
var ErrNoUsableDevices = errors.New("no supported devices found")

// classifyDevices resolves each declared device to a tier and builds the
// deduplicated, canonicalized device list handed to the engine. A declared
// non-auto tier wins over the probe, with a warning on disagreement.
// Unsupported devices are skipped, not fatal. The classification is a pure
// function of its input list: running it twice yields the same result.
func classifyDevices(eng engine.Engine, specs []types.DeviceSpec) (devs []engine.Device, hasCapacity, hasFast bool, err error) {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		logger := log.WithDevice(spec.Path)

		probed := eng.ProbeDeviceTier(spec.Path)
		logger.Debug().Str("probed", string(probed)).Msg("device tier probed")

		resolved := spec.Tier
		if spec.Tier == types.TierAutoDetect {
			resolved = probed
		} else if probed != spec.Tier {
			logger.Warn().
				Str("declared", string(spec.Tier)).
				Str("probed", string(probed)).
				Msg("device tier mismatch, using declared tier")
		}

		if resolved != types.TierHDD && resolved != types.TierNVMe {
			logger.Warn().Msg("device tier unsupported, skipping")
			continue
		}

		path := canonicalPath(spec.Path)
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}

		tier := engine.TierFast
		if resolved == types.TierHDD {
			tier = engine.TierCapacity
			hasCapacity = true
		} else {
			hasFast = true
		}
		devs = append(devs, engine.Device{Path: path, Tier: tier})
	}

	if len(devs) == 0 {
		return nil, false, false, ErrNoUsableDevices
	}
	return devs, hasCapacity, hasFast, nil
}

func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
