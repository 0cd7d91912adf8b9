package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// FeedbackInput is the caller-facing shape of a recorded interaction.
type FeedbackInput struct {
	InteractionType string
	OriginalEmail   string
	Suggestion      string
	Label           string
	Context         PairContext
}

// AddFeedback stores an interaction reaction. Weak negative feedback
// (|weight| below the weak-signal threshold) is rejected outright: it is
// noise, not data. Long text fields are truncated before storage and the
// context is compressed to the fields needed for later aggregation.
func (s *Store) AddFeedback(in FeedbackInput, weight float64) (Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if weight < 0 && math.Abs(weight) < s.limits.WeakSignal {
		return Feedback{}, fmt.Errorf("%w: negative feedback below weak-signal threshold %.2f", ErrRejected, s.limits.WeakSignal)
	}

	s.checkBudgetLocked()

	in.Context.applyDefaults()
	compressed, err := json.Marshal(in.Context)
	if err != nil {
		return Feedback{}, fmt.Errorf("compressing context: %w", err)
	}

	fb := Feedback{
		ID:              uuid.New().String(),
		CreatedAt:       time.Now().UTC(),
		InteractionType: in.InteractionType,
		OriginalEmail:   truncate(in.OriginalEmail, s.limits.TruncateAt),
		Suggestion:      truncate(in.Suggestion, s.limits.TruncateAt),
		Label:           in.Label,
		Weight:          weight,
		Context:         string(compressed),
	}
	_, err = s.db.Exec(`
		INSERT INTO interaction_feedback (id, created_at, interaction_type, original_email, suggestion, feedback, weight, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, formatTime(fb.CreatedAt), fb.InteractionType, fb.OriginalEmail, fb.Suggestion, fb.Label, fb.Weight, fb.Context,
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("inserting feedback: %w", err)
	}
	return fb, nil
}

// RecentFeedback returns the most recent feedback rows, newest first.
func (s *Store) RecentFeedback(limit int) ([]Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, interaction_type, original_email, suggestion, feedback, weight, context
		FROM interaction_feedback ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Feedback
	for rows.Next() {
		var fb Feedback
		var createdAt string
		if err := rows.Scan(&fb.ID, &createdAt, &fb.InteractionType, &fb.OriginalEmail, &fb.Suggestion, &fb.Label, &fb.Weight, &fb.Context); err != nil {
			return nil, err
		}
		if fb.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, fb)
	}
	return results, rows.Err()
}
