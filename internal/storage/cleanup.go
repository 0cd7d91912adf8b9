package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// staleFeedbackAge is how long negative feedback is retained before the
// dedupe tier drops it.
const staleFeedbackAge = 30 * 24 * time.Hour

// deepPairRecency keeps unrated pairs newer than this during DeepCleanup.
const deepPairRecency = 7 * 24 * time.Hour

// Cleanup applies the tiered retention policy: duplicate removal, stale
// negative feedback removal, per-table recency/quality caps, and physical
// compaction. Tiers are independent and idempotent; a failing tier does not
// stop the ones after it.
func (s *Store) Cleanup() (CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked()
}

func (s *Store) cleanupLocked() (CleanupStats, error) {
	var stats CleanupStats
	var errs []error

	// Tier 1: exact duplicates, keeping the earliest row per key.
	n, err := s.execCount(`DELETE FROM samples WHERE rowid NOT IN (
		SELECT MIN(rowid) FROM samples GROUP BY text)`)
	stats.DuplicateSamples = n
	errs = append(errs, err)

	n, err = s.execCount(`DELETE FROM training_pairs WHERE rowid NOT IN (
		SELECT MIN(rowid) FROM training_pairs GROUP BY original_email, chosen_reply)`)
	stats.DuplicatePairs = n
	errs = append(errs, err)

	// Tier 2: old negative feedback.
	cutoff := formatTime(time.Now().UTC().Add(-staleFeedbackAge))
	n, err = s.execCount(
		`DELETE FROM interaction_feedback WHERE weight < 0 AND created_at < ?`, cutoff)
	stats.StaleFeedback = n
	errs = append(errs, err)

	// Tier 3: sample cap, keeping most recent 80% plus the longest 20% of the rest.
	n, err = s.trimSamples(s.limits.MaxSamples)
	stats.SamplesEvicted = n
	errs = append(errs, err)

	// Tier 4: pair cap, keeping most recent 70% plus the highest-rated 30%.
	n, err = s.trimPairs(s.limits.MaxPairs)
	stats.PairsEvicted = n
	errs = append(errs, err)

	// Tier 5: feedback cap, keeping high-weight or selected interactions only.
	n, err = s.trimFeedback(s.limits.MaxFeedback, 0.5)
	stats.FeedbackEvicted = n
	errs = append(errs, err)

	// Tier 6: derived patterns, keeping most recent N.
	n, err = s.trimPatterns(s.limits.MaxPatterns)
	stats.PatternsEvicted = n
	errs = append(errs, err)

	// Tier 7: reclaim physical space.
	if _, err := s.db.Exec("VACUUM"); err != nil {
		errs = append(errs, fmt.Errorf("vacuum: %w", err))
	}

	return stats, errors.Join(errs...)
}

// DeepCleanup is the budget's last line of defense: roughly half the normal
// caps, only rated/recent/high-weight data retained, and the derived-pattern
// table emptied. Returns ErrStorageCritical if the store still exceeds the
// budget afterwards.
func (s *Store) DeepCleanup() (CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deepCleanupLocked()
}

func (s *Store) deepCleanupLocked() (CleanupStats, error) {
	var stats CleanupStats
	var errs []error

	n, err := s.execCount(`DELETE FROM samples WHERE id NOT IN (
		SELECT id FROM samples WHERE LENGTH(text) > 30
		ORDER BY created_at DESC, id DESC LIMIT ?)`, s.limits.MaxSamples/2)
	stats.SamplesEvicted = n
	errs = append(errs, err)

	cutoff := formatTime(time.Now().UTC().Add(-deepPairRecency))
	n, err = s.execCount(`DELETE FROM training_pairs WHERE id NOT IN (
		SELECT id FROM training_pairs WHERE user_rating > 0 OR created_at > ?
		ORDER BY user_rating DESC, created_at DESC LIMIT ?)`, cutoff, s.limits.MaxPairs/2)
	stats.PairsEvicted = n
	errs = append(errs, err)

	n, err = s.trimFeedback(s.limits.MaxFeedback/2, 0.7)
	stats.FeedbackEvicted = n
	errs = append(errs, err)

	n, err = s.execCount(`DELETE FROM email_patterns`)
	stats.PatternsEvicted = n
	errs = append(errs, err)

	if _, err := s.db.Exec("VACUUM"); err != nil {
		errs = append(errs, fmt.Errorf("vacuum: %w", err))
	}

	if size := s.sizeBytes(); size > s.limits.BudgetBytes {
		errs = append(errs, fmt.Errorf("%w: %d bytes remain over a %d byte budget",
			ErrStorageCritical, size, s.limits.BudgetBytes))
	}
	return stats, errors.Join(errs...)
}

// trimSamples enforces the sample cap: the most recent 80% are retained
// outright, and the remaining 20% of slots go to the longest older samples
// (length as a proxy for information density).
func (s *Store) trimSamples(max int) (int64, error) {
	count, err := s.count("samples")
	if err != nil || count <= max {
		return 0, err
	}

	recent := max * 80 / 100
	quality := max - recent

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning sample trim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TEMP TABLE keep_samples AS
		SELECT id FROM samples ORDER BY created_at DESC, id DESC LIMIT ?`, recent); err != nil {
		return 0, fmt.Errorf("selecting recent samples: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO keep_samples
		SELECT id FROM samples
		WHERE id NOT IN (SELECT id FROM keep_samples) AND LENGTH(text) > 50
		ORDER BY LENGTH(text) DESC, created_at DESC LIMIT ?`, quality); err != nil {
		return 0, fmt.Errorf("selecting quality samples: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM samples WHERE id NOT IN (SELECT id FROM keep_samples)`)
	if err != nil {
		return 0, fmt.Errorf("trimming samples: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE keep_samples`); err != nil {
		return 0, fmt.Errorf("dropping temp table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sample trim: %w", err)
	}
	return rowsAffected(res), nil
}

// trimPairs enforces the training-pair cap: most recent 70% plus the
// highest-rated 30% (rating at or above the quality threshold), deduplicated
// by the UNION.
func (s *Store) trimPairs(max int) (int64, error) {
	count, err := s.count("training_pairs")
	if err != nil || count <= max {
		return 0, err
	}

	return s.execCount(`DELETE FROM training_pairs WHERE id NOT IN (
		SELECT id FROM (SELECT id FROM training_pairs ORDER BY created_at DESC, id DESC LIMIT ?)
		UNION
		SELECT id FROM (SELECT id FROM training_pairs WHERE user_rating >= 4
			ORDER BY user_rating DESC, created_at DESC LIMIT ?))`,
		max*70/100, max*30/100)
}

// trimFeedback keeps rows above the value threshold or marked as a selected
// interaction, ordered by weight then recency.
func (s *Store) trimFeedback(max int, minWeight float64) (int64, error) {
	count, err := s.count("interaction_feedback")
	if err != nil || count <= max {
		return 0, err
	}

	return s.execCount(`DELETE FROM interaction_feedback WHERE id NOT IN (
		SELECT id FROM (SELECT id FROM interaction_feedback
			WHERE weight > ? OR interaction_type = 'selected'
			ORDER BY weight DESC, created_at DESC LIMIT ?))`,
		minWeight, max)
}

func (s *Store) trimPatterns(max int) (int64, error) {
	count, err := s.count("email_patterns")
	if err != nil || count <= max {
		return 0, err
	}

	return s.execCount(`DELETE FROM email_patterns WHERE id NOT IN (
		SELECT id FROM email_patterns ORDER BY created_at DESC, id DESC LIMIT ?)`, max)
}

// checkBudgetLocked runs the retention policies synchronously when the store
// is over budget. It never fails the caller's write: cleanup errors are
// logged and the write proceeds.
func (s *Store) checkBudgetLocked() {
	size := s.sizeBytes()
	if size <= s.limits.BudgetBytes {
		return
	}

	s.logger.Warn("storage budget exceeded, running cleanup",
		"size_bytes", size, "budget_bytes", s.limits.BudgetBytes)
	if _, err := s.cleanupLocked(); err != nil {
		s.logger.Warn("cleanup finished with errors", "error", err)
	}

	if s.sizeBytes() > s.limits.BudgetBytes*9/10 {
		s.logger.Warn("still near budget after cleanup, running deep cleanup")
		if _, err := s.deepCleanupLocked(); err != nil {
			s.logger.Error("deep cleanup failed", "error", err)
		}
	}
}

// CheckBudget forces a synchronous budget check, escalating from Cleanup to
// DeepCleanup exactly as the pre-write hook does. Unlike the hook it reports
// the outcome, including ErrStorageCritical.
func (s *Store) CheckBudget() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sizeBytes() <= s.limits.BudgetBytes {
		return nil
	}
	if _, err := s.cleanupLocked(); err != nil {
		s.logger.Warn("cleanup finished with errors", "error", err)
	}
	if s.sizeBytes() > s.limits.BudgetBytes*9/10 {
		if _, err := s.deepCleanupLocked(); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus returns current size, per-table counts, usage, and a coarse
// health tier. Purely derived, no side effects.
func (s *Store) GetStatus() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		SizeBytes:   s.sizeBytes(),
		BudgetBytes: s.limits.BudgetBytes,
	}
	st.UsagePercent = float64(st.SizeBytes) / float64(st.BudgetBytes) * 100

	var err error
	if st.Samples, err = s.count("samples"); err != nil {
		return Status{}, err
	}
	if st.TrainingPairs, err = s.count("training_pairs"); err != nil {
		return Status{}, err
	}
	if st.Feedback, err = s.count("interaction_feedback"); err != nil {
		return Status{}, err
	}
	if st.Patterns, err = s.count("email_patterns"); err != nil {
		return Status{}, err
	}

	switch {
	case st.UsagePercent > 95:
		st.Health = HealthCritical
	case st.UsagePercent >= 80:
		st.Health = HealthWarning
	default:
		st.Health = HealthHealthy
	}
	return st, nil
}

// ClearAll removes every record from every table. This is the full-reset
// operation; nothing else lets a caller delete records directly.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"samples", "training_pairs", "interaction_feedback", "email_patterns"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

func (s *Store) execCount(query string, args ...any) (int64, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func rowsAffected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
