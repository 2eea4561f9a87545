package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/engine"
	"github.com/quarrystor/quarry/pkg/engine/enginetest"
	"github.com/quarrystor/quarry/pkg/types"
)

// TestClassifyDevices tests tier resolution: declared tiers win over the
// probe, auto defers to it, unsupported devices are skipped and duplicate
// paths collapse.
func TestClassifyDevices(t *testing.T) {
	tests := []struct {
		name        string
		specs       []types.DeviceSpec
		tiers       map[string]types.DeviceTier
		wantDevs    []engine.Device
		wantHDD     bool
		wantFast    bool
		expectedErr error
	}{
		{
			name: "declared tiers",
			specs: []types.DeviceSpec{
				{Path: "/dev/nvme0n1", Tier: types.TierNVMe},
				{Path: "/dev/sdb", Tier: types.TierHDD},
			},
			tiers: map[string]types.DeviceTier{"/dev/sdb": types.TierHDD},
			wantDevs: []engine.Device{
				{Path: "/dev/nvme0n1", Tier: engine.TierFast},
				{Path: "/dev/sdb", Tier: engine.TierCapacity},
			},
			wantHDD:  true,
			wantFast: true,
		},
		{
			name:  "auto detect follows probe",
			specs: []types.DeviceSpec{{Path: "/dev/sdc", Tier: types.TierAutoDetect}},
			tiers: map[string]types.DeviceTier{"/dev/sdc": types.TierHDD},
			wantDevs: []engine.Device{
				{Path: "/dev/sdc", Tier: engine.TierCapacity},
			},
			wantHDD: true,
		},
		{
			name: "declared wins over probe",
			// Probe says flash, the operator said hdd. The declaration
			// stands.
			specs: []types.DeviceSpec{{Path: "/dev/sdd", Tier: types.TierHDD}},
			wantDevs: []engine.Device{
				{Path: "/dev/sdd", Tier: engine.TierCapacity},
			},
			wantHDD: true,
		},
		{
			name: "unsupported skipped",
			specs: []types.DeviceSpec{
				{Path: "/dev/tape0", Tier: types.TierAutoDetect},
				{Path: "/dev/nvme1n1", Tier: types.TierNVMe},
			},
			tiers: map[string]types.DeviceTier{"/dev/tape0": types.TierUnsupported},
			wantDevs: []engine.Device{
				{Path: "/dev/nvme1n1", Tier: engine.TierFast},
			},
			wantFast: true,
		},
		{
			name: "duplicate path collapses",
			specs: []types.DeviceSpec{
				{Path: "/dev/nvme0n1", Tier: types.TierNVMe},
				{Path: "/dev/nvme0n1", Tier: types.TierNVMe},
			},
			wantDevs: []engine.Device{
				{Path: "/dev/nvme0n1", Tier: engine.TierFast},
			},
			wantFast: true,
		},
		{
			name:        "no usable devices",
			specs:       []types.DeviceSpec{{Path: "/dev/tape0", Tier: types.TierAutoDetect}},
			tiers:       map[string]types.DeviceTier{"/dev/tape0": types.TierUnsupported},
			expectedErr: ErrNoUsableDevices,
		},
		{
			name:        "empty list",
			expectedErr: ErrNoUsableDevices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.NewFake()
			for path, tier := range tt.tiers {
				eng.Tiers[path] = tier
			}

			devs, hasCapacity, hasFast, err := classifyDevices(eng, tt.specs)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDevs, devs)
			assert.Equal(t, tt.wantHDD, hasCapacity)
			assert.Equal(t, tt.wantFast, hasFast)
		})
	}
}

// TestClassifyDevicesDeterministic tests that classification is a pure
// function of its input list.
func TestClassifyDevicesDeterministic(t *testing.T) {
	eng := enginetest.NewFake()
	eng.Tiers["/dev/sdb"] = types.TierHDD
	specs := []types.DeviceSpec{
		{Path: "/dev/nvme0n1", Tier: types.TierNVMe},
		{Path: "/dev/sdb", Tier: types.TierAutoDetect},
	}

	first, _, _, err := classifyDevices(eng, specs)
	require.NoError(t, err)
	second, _, _, err := classifyDevices(eng, specs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
