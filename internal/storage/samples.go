package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddSample sanitizes text and stores it as a writing sample. Returns
// ErrRejected (wrapped) when the sanitized text is too short or already
// present. The storage budget is checked synchronously before insertion.
func (s *Store) AddSample(text string) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clean := Sanitize(text)
	if len(clean) < s.limits.MinSampleLen {
		return Sample{}, fmt.Errorf("%w: sample shorter than %d characters", ErrRejected, s.limits.MinSampleLen)
	}

	s.checkBudgetLocked()

	var existing int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE text = ?", clean).Scan(&existing); err != nil {
		return Sample{}, fmt.Errorf("checking duplicate sample: %w", err)
	}
	if existing > 0 {
		return Sample{}, fmt.Errorf("%w: duplicate sample", ErrRejected)
	}

	sample := Sample{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Text:      clean,
	}
	_, err := s.db.Exec(
		"INSERT INTO samples (id, created_at, text) VALUES (?, ?, ?)",
		sample.ID, formatTime(sample.CreatedAt), sample.Text,
	)
	if err != nil {
		return Sample{}, fmt.Errorf("inserting sample: %w", err)
	}
	return sample, nil
}

// ListSamples returns the most recent samples, newest first.
func (s *Store) ListSamples(limit int) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, created_at, text FROM samples ORDER BY created_at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Sample
	for rows.Next() {
		var sm Sample
		var createdAt string
		if err := rows.Scan(&sm.ID, &createdAt, &sm.Text); err != nil {
			return nil, err
		}
		if sm.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, sm)
	}
	return results, rows.Err()
}
