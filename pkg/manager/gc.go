package manager

import (
	"context"
	"time"

	"github.com/quarrystor/quarry/pkg/events"
	"github.com/quarrystor/quarry/pkg/metrics"
	"github.com/quarrystor/quarry/pkg/types"
	"github.com/quarrystor/quarry/pkg/volume"
)

// updateCapacityMetrics refreshes the capacity gauges from the engine.
func (m *Manager) updateCapacityMetrics() {
	cap := m.eng.CapacityStats()
	metrics.CapacityTotalBytes.Set(float64(cap.TotalCapacity))
	metrics.CapacityUsedBytes.Set(float64(cap.UsedCapacity))
}

// startReaper arms the recurring garbage-collection sweep that finalizes
// removal of destroying volumes once nothing references them.
func (m *Manager) startReaper() {
	m.logger.Info().Dur("interval", m.cfg.GCInterval).Msg("starting volume gc reaper")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.gcSweep(context.Background())
			case <-m.gcStop:
				return
			}
		}
	}()
}

// gcSweep is one reaper tick: scan under the read lock, then finalize each
// candidate outside it. Destroying volumes that still hold references are
// left for the next tick.
func (m *Manager) gcSweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.GCSweepDuration)
		metrics.GCSweepsTotal.Inc()
	}()
	m.updateCapacityMetrics()

	candidates := m.dir.snapshot(func(v *volume.Volume) bool {
		return v.CanReclaim()
	})
	if len(candidates) == 0 {
		return
	}

	for _, v := range candidates {
		logger := m.logger.With().Str("volume_id", v.ID().String()).Logger()

		// Resume on-disk cleanup if a crash (or the destroy failpoint) left
		// it incomplete.
		if !v.Reclaimed() {
			if err := v.Destroy(ctx); err != nil {
				logger.Error().Err(err).Msg("gc: destroy resume failed, leaving for next sweep")
				continue
			}
		}
		if !v.Reclaimed() {
			// Failpoint aborted the resume again; not eligible yet.
			continue
		}

		erased := m.dir.eraseIf(v.ID(), func(cur *volume.Volume) bool {
			return cur == v && cur.CanReclaim()
		})
		if !erased {
			logger.Info().Msg("gc: volume re-referenced after scan, leaving for next sweep")
			continue
		}
		metrics.VolumesTotal.WithLabelValues(string(types.VolumeStateDestroying)).Dec()
		metrics.GCReclaimedTotal.Inc()
		m.publish(events.EventVolumeReclaimed, v.ID(), v.Info().Name)
		logger.Info().Msg("gc: volume reclaimed")
	}
}
