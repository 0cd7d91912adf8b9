// Package governor watches the service's own resource footprint and applies
// best-effort OS scheduling hints. It samples the replyd process plus the
// model server child when one is registered, so decisions reflect the whole
// process tree.
package governor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Usage is one resource sample across the watched processes.
type Usage struct {
	MemBytes   uint64
	CPUPercent float64
}

// Governor samples resource usage and toggles low-power scheduling.
type Governor struct {
	logger *slog.Logger

	mu       sync.Mutex
	auxPid   int
	lowPower bool
}

// New returns a Governor for the current process.
func New(logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{logger: logger}
}

// SetEnginePid registers the model server child so its memory and CPU count
// toward samples. Pass 0 to clear.
func (g *Governor) SetEnginePid(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auxPid = pid
}

// Sample measures memory and CPU over a short window. CPU is reported as
// percent of a single core, matching how the idle ceilings are expressed.
func (g *Governor) Sample(ctx context.Context) (Usage, error) {
	g.mu.Lock()
	pids := []int{os.Getpid()}
	if g.auxPid > 0 {
		pids = append(pids, g.auxPid)
	}
	g.mu.Unlock()

	const window = 500 * time.Millisecond

	before, err := readCPUSeconds(pids)
	if err != nil {
		return Usage{}, err
	}
	start := time.Now()

	select {
	case <-ctx.Done():
		return Usage{}, ctx.Err()
	case <-time.After(window):
	}

	after, err := readCPUSeconds(pids)
	if err != nil {
		return Usage{}, err
	}
	elapsed := time.Since(start).Seconds()

	mem, err := readRSSBytes(pids)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{MemBytes: mem}
	if elapsed > 0 && after > before {
		u.CPUPercent = (after - before) / elapsed * 100
	}
	return u, nil
}

// EnterLowPower lowers scheduling priority and pins the process to a single
// CPU. Failures are logged and ignored; the hints are advisory.
func (g *Governor) EnterLowPower() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lowPower {
		return
	}
	if err := setLowPower(); err != nil {
		g.logger.Debug("low-power scheduling hints unavailable", "error", err)
	}
	g.lowPower = true
	g.logger.Info("entered low-power mode")
}

// EnterNormalPower restores default priority and CPU affinity.
func (g *Governor) EnterNormalPower() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lowPower {
		return
	}
	if err := setNormalPower(); err != nil {
		g.logger.Debug("restoring scheduling defaults failed", "error", err)
	}
	g.lowPower = false
	g.logger.Info("restored normal scheduling")
}

// LowPower reports whether low-power hints are currently applied.
func (g *Governor) LowPower() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lowPower
}
