package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordEmailPattern stores a derived classification of an incoming email.
// Unlike the other tables, this log is trimmed to the most recent N rows at
// insert time.
func (s *Store) RecordEmailPattern(p EmailPattern) (EmailPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.Snippet = truncate(Sanitize(p.Snippet), s.limits.TruncateAt)

	_, err := s.db.Exec(`
		INSERT INTO email_patterns (id, created_at, email_snippet, email_type, formality, urgency, word_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, formatTime(p.CreatedAt), p.Snippet, p.EmailType, p.Formality, p.Urgency, p.WordCount,
	)
	if err != nil {
		return EmailPattern{}, fmt.Errorf("inserting email pattern: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM email_patterns WHERE id NOT IN (
			SELECT id FROM email_patterns ORDER BY created_at DESC, id DESC LIMIT ?
		)`, s.limits.MaxPatterns,
	)
	if err != nil {
		return EmailPattern{}, fmt.Errorf("trimming email patterns: %w", err)
	}
	return p, nil
}

// PatternInsights aggregates email patterns recorded in the last 30 days,
// most frequent first.
func (s *Store) PatternInsights() ([]PatternInsight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().UTC().AddDate(0, 0, -30))
	rows, err := s.db.Query(`
		SELECT email_type, formality, urgency, COUNT(*) AS count
		FROM email_patterns
		WHERE created_at > ?
		GROUP BY email_type, formality, urgency
		ORDER BY count DESC`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PatternInsight
	for rows.Next() {
		var in PatternInsight
		if err := rows.Scan(&in.EmailType, &in.Formality, &in.Urgency, &in.Count); err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}
