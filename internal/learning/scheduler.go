package learning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/svarx/replyd/internal/governor"
	"github.com/svarx/replyd/internal/storage"
)

// SchedulerConfig bounds what background learning may cost. The ceilings
// are deliberately far below the idle monitor's: learning only runs when
// the machine would not notice.
type SchedulerConfig struct {
	Period     time.Duration
	MemCeiling uint64
	CPUCeiling float64
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 2 * time.Minute
	}
	if c.MemCeiling == 0 {
		c.MemCeiling = 100 << 20
	}
	if c.CPUCeiling == 0 {
		c.CPUCeiling = 2
	}
}

// stateFunc reports whether the model slot is currently empty.
type stateFunc func() bool

// sampler is the slice of governor.Governor the scheduler needs.
type sampler interface {
	Sample(ctx context.Context) (governor.Usage, error)
}

// Stats counts scheduler activity for the stats endpoint.
type Stats struct {
	CyclesRun     uint64 `json:"cycles_run"`
	CyclesSkipped uint64 `json:"cycles_skipped"`
	LastTask      string `json:"last_task,omitempty"`
}

// Scheduler rotates through maintenance tasks on a fixed period. A cycle
// whose preconditions fail is skipped outright; missed work is picked up
// whenever the rotation next reaches it, never queued.
type Scheduler struct {
	store    *storage.Store
	analyzer *Analyzer
	unloaded stateFunc
	gov      sampler
	logger   *slog.Logger
	cfg      SchedulerConfig

	mu    sync.Mutex
	cycle int
	stats Stats
}

// NewScheduler wires the scheduler to its collaborators. unloaded must
// report true only when no model is resident.
func NewScheduler(store *storage.Store, analyzer *Analyzer, unloaded func() bool, gov sampler, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		analyzer: analyzer,
		unloaded: unloaded,
		gov:      gov,
		logger:   logger,
		cfg:      cfg,
	}
}

// Stats returns a copy of the activity counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run blocks until ctx is cancelled, attempting one task per period.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs at most one task if the slot is empty and resources are quiet.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.shouldRun(ctx) {
		s.mu.Lock()
		s.stats.CyclesSkipped++
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	task := s.cycle % 4
	s.cycle++
	s.mu.Unlock()

	var name string
	var err error
	switch task {
	case 0:
		name = "pattern analysis"
		err = s.analyzePatterns()
	case 1:
		name = "storage cleanup"
		err = s.cleanupStorage()
	case 2:
		name = "feedback aggregation"
		err = s.aggregateFeedback()
	case 3:
		name = "style cache warm"
		err = s.warmStyleCache()
	}

	s.mu.Lock()
	s.stats.CyclesRun++
	s.stats.LastTask = name
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("background learning task failed", "task", name, "error", err)
		return
	}
	s.logger.Debug("background learning task done", "task", name)
}

func (s *Scheduler) shouldRun(ctx context.Context) bool {
	if s.unloaded != nil && !s.unloaded() {
		return false
	}
	if s.gov == nil {
		return true
	}
	u, err := s.gov.Sample(ctx)
	if err != nil {
		s.logger.Debug("resource sample failed, skipping learning cycle", "error", err)
		return false
	}
	return u.MemBytes <= s.cfg.MemCeiling && u.CPUPercent <= s.cfg.CPUCeiling
}

func (s *Scheduler) analyzePatterns() error {
	p, err := s.analyzer.UserPatterns()
	if err != nil {
		return err
	}
	s.logger.Info("user patterns updated",
		"preferred_tone", p.PreferredTone, "avg_words", p.AvgWords)
	return nil
}

func (s *Scheduler) cleanupStorage() error {
	stats, err := s.store.Cleanup()
	if err != nil {
		return err
	}
	if stats.Total() > 0 {
		s.logger.Info("storage optimized", "removed", stats.Total())
	}
	return nil
}

func (s *Scheduler) aggregateFeedback() error {
	sum, err := s.analyzer.SummarizeFeedback()
	if err != nil {
		return err
	}
	if sum.Positive > 0 || sum.Negative > 0 {
		s.logger.Info("feedback aggregated",
			"positive", sum.Positive, "negative", sum.Negative)
	}
	return nil
}

func (s *Scheduler) warmStyleCache() error {
	s.analyzer.Invalidate()
	_, err := s.analyzer.StyleSummary()
	return err
}
