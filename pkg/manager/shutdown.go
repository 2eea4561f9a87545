package manager

import (
	"context"
	"errors"
	"time"

	"github.com/quarrystor/quarry/pkg/events"
	"github.com/quarrystor/quarry/pkg/metrics"
	"github.com/quarrystor/quarry/pkg/volume"
)

// ErrAlreadyStopped is returned when Stop is invoked twice.
var ErrAlreadyStopped = errors.New("manager already stopped")

// ShutdownStart begins the drain protocol: sets the shutdown-started flag,
// arms the recurring drain checker and returns a channel closed exactly
// once when the drain predicate holds. Safe to call repeatedly; every call
// returns the same channel.
func (m *Manager) ShutdownStart() <-chan struct{} {
	if m.shutdownStarted.CompareAndSwap(false, true) {
		m.logger.Info().Msg("shutdown started, draining")
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventShutdownStarted})
		}
	}

	m.checkerOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.cfg.ShutdownCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if m.canShutdown() {
						// Resolve exactly once; any later tick (or a racing
						// second checker) becomes a no-op.
						m.drainOnce.Do(func() { close(m.drainCh) })
						return
					}
					m.logger.Info().
						Int64("outstanding_requests", m.outstandingReqs.Load()).
						Msg("drain not complete, will retry")
				case <-m.checkerStop:
					return
				}
			}
		}()
	})

	return m.drainCh
}

// canShutdown evaluates the drain predicate: shutdown started, no volume
// blocking, and the service-wide outstanding-request counter at zero.
func (m *Manager) canShutdown() bool {
	return m.shutdownStarted.Load() && m.noBlockingVolumes() && m.outstandingReqs.Load() == 0
}

// noBlockingVolumes scans the directory under the read lock. A volume
// blocks the drain if it is destroying but not yet reclaimed (unless crash
// simulation deliberately leaves such volumes behind), or if it still has
// outstanding requests.
func (m *Manager) noBlockingVolumes() bool {
	blocking := m.dir.snapshot(func(v *volume.Volume) bool {
		if v.Destroying() && !v.Reclaimed() {
			if m.crashSimulated.Load() {
				m.logger.Info().
					Str("volume_id", v.ID().String()).
					Msg("skipping destroying volume under crash simulation")
				return false
			}
			return true
		}
		return v.Outstanding() > 0
	})
	return len(blocking) == 0
}

// Stop drives the full teardown: start (or join) the drain, wait for it,
// cancel the background timers, mark the graceful-shutdown flag in the
// service superblock, and stop the engine. Shutdown never fails the drain;
// it blocks until the predicate holds or ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	alreadyStopped := true
	m.stopOnce.Do(func() {
		alreadyStopped = false
		m.stopErr = m.stop(ctx)
	})
	if alreadyStopped {
		return ErrAlreadyStopped
	}
	return m.stopErr
}

func (m *Manager) stop(ctx context.Context) error {
	drainTimer := metrics.NewTimer()
	drained := m.ShutdownStart()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	drainTimer.ObserveDuration(metrics.ShutdownDrainDuration)
	m.logger.Info().Msg("drain complete")

	// Cancel the reaper and the drain checker before touching shared state.
	close(m.gcStop)
	close(m.checkerStop)
	m.wg.Wait()

	if m.sb != nil && m.sb.Exists() {
		m.sb.Rec.setFlag(flagGracefulShutdown)
		if err := m.sb.Write(); err != nil {
			return err
		}
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventShutdownComplete})
	}
	return m.eng.Stop(ctx)
}
