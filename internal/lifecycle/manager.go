// Package lifecycle owns the single model slot: loading on demand, serving
// completions, and evicting after idle so the machine gets its memory back.
package lifecycle

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/svarx/replyd/internal/engine"
	"github.com/svarx/replyd/internal/governor"
)

// Config holds the idle policy. Zero values get production defaults.
type Config struct {
	MonitorInterval time.Duration
	SoftIdle        time.Duration
	UnloadAfter     time.Duration
	IdleMemCeiling  uint64
	IdleCPUCeiling  float64
}

func (c *Config) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 15 * time.Second
	}
	if c.SoftIdle <= 0 {
		c.SoftIdle = 30 * time.Second
	}
	if c.UnloadAfter <= 0 {
		c.UnloadAfter = 60 * time.Second
	}
	if c.IdleMemCeiling == 0 {
		c.IdleMemCeiling = 500 << 20
	}
	if c.IdleCPUCeiling == 0 {
		c.IdleCPUCeiling = 5
	}
}

// resourceGovernor is the slice of governor.Governor the manager needs.
type resourceGovernor interface {
	Sample(ctx context.Context) (governor.Usage, error)
	SetEnginePid(pid int)
	EnterLowPower()
	EnterNormalPower()
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State        string        `json:"state"`
	Pid          int           `json:"pid,omitempty"`
	Generation   uint64        `json:"generation"`
	IdleFor      time.Duration `json:"idle_for"`
	WillUnloadIn time.Duration `json:"will_unload_in"`
}

// Manager serializes all model operations behind one mutex. A single slot
// and a single-threaded engine make fairness irrelevant; what matters is
// that load, infer, and evict never interleave.
type Manager struct {
	mu     sync.Mutex
	inst   engine.Instance
	loader engine.Loader
	gov    resourceGovernor
	logger *slog.Logger
	cfg    Config

	state      atomic.Int32
	lastUsed   atomic.Int64
	generation atomic.Uint64
}

// NewManager wires a loader and governor into a fresh unloaded slot.
func NewManager(loader engine.Loader, gov resourceGovernor, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{loader: loader, gov: gov, logger: logger, cfg: cfg}
	m.lastUsed.Store(time.Now().UnixNano())
	return m
}

// State returns the current lifecycle phase without taking the mutex.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// EnsureLoaded loads the model if the slot is empty. Concurrent callers
// block on the mutex and observe the load done by the first; only one load
// ever runs.
func (m *Manager) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLoadedLocked(ctx)
}

func (m *Manager) ensureLoadedLocked(ctx context.Context) error {
	if m.inst != nil {
		return nil
	}

	m.state.Store(int32(StateLoading))
	start := time.Now()
	inst, err := m.loader.Load(ctx)
	if err != nil {
		m.state.Store(int32(StateUnloaded))
		return err
	}

	m.inst = inst
	m.state.Store(int32(StateLoaded))
	m.touch()
	if m.gov != nil {
		m.gov.SetEnginePid(inst.Pid())
		// While the model is resident the whole process tree runs in low
		// power so inference never competes with the user's foreground work.
		m.gov.EnterLowPower()
	}
	m.logger.Info("model loaded", "elapsed", time.Since(start), "pid", inst.Pid())
	return nil
}

// Generate ensures the model is resident and runs one completion. The
// elapsed duration covers inference only, not a cold load.
func (m *Manager) Generate(ctx context.Context, prompt string, params engine.GenerationParams) (string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx); err != nil {
		return "", 0, err
	}
	if m.gov != nil {
		// Generation stays in low power too; a background assistant must
		// not spike the machine when a draft request comes in.
		m.gov.EnterLowPower()
	}
	m.touch()

	start := time.Now()
	out, err := m.inst.Infer(ctx, prompt, params)
	elapsed := time.Since(start)
	m.touch()
	if err != nil {
		return "", elapsed, err
	}
	return out, elapsed, nil
}

// Evict unloads the model. A no-op when the slot is already empty.
func (m *Manager) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
}

func (m *Manager) evictLocked() {
	if m.inst == nil {
		return
	}

	m.state.Store(int32(StateEvicting))
	pid := m.inst.Pid()
	if err := m.inst.Close(); err != nil {
		m.logger.Warn("closing model instance", "error", err)
	}
	m.inst = nil
	m.state.Store(int32(StateUnloaded))
	m.generation.Add(1)
	if m.gov != nil {
		m.gov.SetEnginePid(0)
		m.gov.EnterNormalPower()
	}
	debug.FreeOSMemory()
	m.logger.Info("model evicted", "pid", pid, "generation", m.generation.Load())
}

// ForceReload evicts and immediately reloads, for picking up a replaced
// model file without restarting the service.
func (m *Manager) ForceReload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	return m.ensureLoadedLocked(ctx)
}

// Close evicts the model and is safe to call during shutdown regardless of
// state.
func (m *Manager) Close() {
	m.Evict()
}

// Status reports the slot without blocking behind an in-flight load or
// inference.
func (m *Manager) Status() Status {
	st := Status{
		State:      m.State().String(),
		Generation: m.generation.Load(),
		IdleFor:    m.idleFor(),
	}
	if st.State == "loaded" {
		if remain := m.cfg.UnloadAfter - st.IdleFor; remain > 0 {
			st.WillUnloadIn = remain
		}
		if m.mu.TryLock() {
			if m.inst != nil {
				st.Pid = m.inst.Pid()
			}
			m.mu.Unlock()
		}
	}
	return st
}

func (m *Manager) touch() {
	m.lastUsed.Store(time.Now().UnixNano())
}

func (m *Manager) idleFor() time.Duration {
	return time.Since(time.Unix(0, m.lastUsed.Load()))
}

// evictIfIdle evicts only when the slot still matches the generation the
// monitor observed and has been idle past the threshold. Returns true when
// an eviction happened.
func (m *Manager) evictIfIdle(gen uint64, threshold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inst == nil || m.generation.Load() != gen {
		return false
	}
	if m.idleFor() < threshold {
		return false
	}
	m.evictLocked()
	return true
}
