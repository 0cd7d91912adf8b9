package lifecycle

import (
	"context"
	"runtime/debug"
	"time"
)

// Monitor periodically checks the slot for idleness and drives the two-stage
// wind-down: past the soft threshold the process sheds memory, past the
// unload threshold the model is evicted and normal scheduling returns.
type Monitor struct {
	mgr *Manager
}

// NewMonitor returns a Monitor for the given manager.
func NewMonitor(mgr *Manager) *Monitor {
	return &Monitor{mgr: mgr}
}

// Run blocks until ctx is cancelled, waking on the manager's configured
// interval.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.mgr.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.tick(ctx)
		}
	}
}

func (mo *Monitor) tick(ctx context.Context) {
	m := mo.mgr

	if m.State() != StateLoaded {
		return
	}

	gen := m.generation.Load()
	idle := m.idleFor()

	if idle >= m.cfg.UnloadAfter {
		// evictIfIdle restores normal power once the slot is empty.
		m.evictIfIdle(gen, m.cfg.UnloadAfter)
		return
	}

	if idle >= m.cfg.SoftIdle {
		mo.softThrottle(ctx, gen)
	}
}

// softThrottle runs when the model is resident but quiet. If the process
// tree is still above the idle ceilings, release what the runtime can and
// re-assert low-power scheduling.
func (mo *Monitor) softThrottle(ctx context.Context, gen uint64) {
	m := mo.mgr
	if m.gov == nil {
		return
	}

	u, err := m.gov.Sample(ctx)
	if err != nil {
		m.logger.Debug("resource sample failed", "error", err)
		return
	}
	// A request may have arrived during the sample window.
	if m.generation.Load() != gen || m.idleFor() < m.cfg.SoftIdle {
		return
	}

	if u.MemBytes > m.cfg.IdleMemCeiling || u.CPUPercent > m.cfg.IdleCPUCeiling {
		m.logger.Info("idle above resource ceiling, throttling",
			"mem_bytes", u.MemBytes, "cpu_percent", u.CPUPercent)
		debug.FreeOSMemory()
		m.gov.EnterLowPower()
	}
}
