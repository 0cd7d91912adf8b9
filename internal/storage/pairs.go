package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PairContext carries the generation settings an accepted reply was produced
// under.
type PairContext struct {
	Tone   string `json:"tone"`
	Length string `json:"length"`
}

func (c *PairContext) applyDefaults() {
	if c.Tone == "" {
		c.Tone = "professional"
	}
	if c.Length == "" {
		c.Length = "medium"
	}
}

// AddTrainingPair stores an accepted (email, reply) pair. Near-duplicates
// are suppressed: a pair sharing either the same original email or the same
// chosen reply with an existing row is rejected.
func (s *Store) AddTrainingPair(original, reply string, ctx PairContext) (TrainingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original = Sanitize(original)
	reply = Sanitize(reply)
	if len(original) < s.limits.MinOriginalLen {
		return TrainingPair{}, fmt.Errorf("%w: original email shorter than %d characters", ErrRejected, s.limits.MinOriginalLen)
	}
	if len(reply) < s.limits.MinReplyLen {
		return TrainingPair{}, fmt.Errorf("%w: reply shorter than %d characters", ErrRejected, s.limits.MinReplyLen)
	}

	s.checkBudgetLocked()

	var existing int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM training_pairs WHERE original_email = ? OR chosen_reply = ?",
		original, reply,
	).Scan(&existing)
	if err != nil {
		return TrainingPair{}, fmt.Errorf("checking duplicate pair: %w", err)
	}
	if existing > 0 {
		return TrainingPair{}, fmt.Errorf("%w: near-duplicate training pair", ErrRejected)
	}

	ctx.applyDefaults()
	pair := TrainingPair{
		ID:            uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		OriginalEmail: original,
		ChosenReply:   reply,
		Tone:          ctx.Tone,
		Length:        ctx.Length,
	}
	_, err = s.db.Exec(`
		INSERT INTO training_pairs (id, created_at, original_email, chosen_reply, tone, length, user_rating)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		pair.ID, formatTime(pair.CreatedAt), pair.OriginalEmail, pair.ChosenReply, pair.Tone, pair.Length,
	)
	if err != nil {
		return TrainingPair{}, fmt.Errorf("inserting training pair: %w", err)
	}
	return pair, nil
}

// RateTrainingPair sets the user rating on an existing pair. Ratings are the
// only mutable field on any record.
func (s *Store) RateTrainingPair(id string, rating int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE training_pairs SET user_rating = ? WHERE id = ?", rating, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentTrainingPairs returns the most recent pairs, newest first.
func (s *Store) RecentTrainingPairs(limit int) ([]TrainingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, original_email, chosen_reply, tone, length, user_rating
		FROM training_pairs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrainingPair
	for rows.Next() {
		var p TrainingPair
		var createdAt string
		if err := rows.Scan(&p.ID, &createdAt, &p.OriginalEmail, &p.ChosenReply, &p.Tone, &p.Length, &p.UserRating); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
