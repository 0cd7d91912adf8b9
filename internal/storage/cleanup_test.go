package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// insertSampleAt bypasses AddSample to control timestamps and lengths.
func insertSampleAt(t *testing.T, s *Store, id, text string, at time.Time) {
	t.Helper()
	_, err := s.db.Exec("INSERT INTO samples (id, created_at, text) VALUES (?, ?, ?)", id, formatTime(at), text)
	if err != nil {
		t.Fatalf("inserting sample %s: %v", id, err)
	}
}

func insertPairAt(t *testing.T, s *Store, id string, rating int, at time.Time) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO training_pairs (id, created_at, original_email, chosen_reply, tone, length, user_rating)
		VALUES (?, ?, ?, ?, 'professional', 'medium', ?)`,
		id, formatTime(at), "original for "+id, "reply for "+id, rating)
	if err != nil {
		t.Fatalf("inserting pair %s: %v", id, err)
	}
}

func insertFeedbackAt(t *testing.T, s *Store, id, interactionType string, weight float64, at time.Time) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO interaction_feedback (id, created_at, interaction_type, original_email, suggestion, feedback, weight, context)
		VALUES (?, ?, ?, 'email', 'suggestion', 'label', ?, '{}')`,
		id, formatTime(at), interactionType, weight)
	if err != nil {
		t.Fatalf("inserting feedback %s: %v", id, err)
	}
}

func TestCleanupRemovesDuplicates(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	insertSampleAt(t, s, "a", "identical sample text kept once", now.Add(-2*time.Hour))
	insertSampleAt(t, s, "b", "identical sample text kept once", now.Add(-time.Hour))
	insertSampleAt(t, s, "c", "a different sample that survives", now)

	stats, err := s.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.DuplicateSamples != 1 {
		t.Errorf("DuplicateSamples = %d, want 1", stats.DuplicateSamples)
	}

	// The earliest row per key is the canonical one.
	var id string
	if err := s.db.QueryRow("SELECT id FROM samples WHERE text = 'identical sample text kept once'").Scan(&id); err != nil {
		t.Fatalf("querying survivor: %v", err)
	}
	if id != "a" {
		t.Errorf("survivor id = %q, want earliest row %q", id, "a")
	}
}

func TestCleanupRemovesStaleNegativeFeedback(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	insertFeedbackAt(t, s, "old-neg", "thumbs_down", -0.5, now.AddDate(0, 0, -40))
	insertFeedbackAt(t, s, "new-neg", "thumbs_down", -0.5, now.AddDate(0, 0, -2))
	insertFeedbackAt(t, s, "old-pos", "thumbs_up", 0.7, now.AddDate(0, 0, -40))

	stats, err := s.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.StaleFeedback != 1 {
		t.Errorf("StaleFeedback = %d, want 1", stats.StaleFeedback)
	}

	n, _ := s.count("interaction_feedback")
	if n != 2 {
		t.Errorf("feedback count = %d, want 2 (old positive retained)", n)
	}
}

// TestCleanupSampleCap verifies the 80% recency / 20% quality retention: with
// a cap of 50 and 51 rows the most recent sample survives and one of the
// oldest, shortest rows is evicted.
func TestCleanupSampleCap(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxSamples: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC().Add(-51 * time.Minute)
	for i := 0; i < 51; i++ {
		// The oldest row is the only one under the 50-char quality floor,
		// so it is the one the retention tier lets go.
		filler := strings.Repeat("word ", 12+i)
		if i == 0 {
			filler = "short oldest sample row"
		}
		insertSampleAt(t, s, fmt.Sprintf("s%02d", i), fmt.Sprintf("%s #%02d", filler, i), base.Add(time.Duration(i)*time.Minute))
	}

	stats, err := s.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.SamplesEvicted != 1 {
		t.Errorf("SamplesEvicted = %d, want 1", stats.SamplesEvicted)
	}

	n, _ := s.count("samples")
	if n != 50 {
		t.Fatalf("sample count = %d, want exactly 50", n)
	}

	// Most recent sample present.
	var present int
	s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE id = 's50'").Scan(&present)
	if present != 1 {
		t.Error("most recent sample was evicted")
	}

	// The oldest, lowest-quality row is gone.
	var oldest int
	s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE id = 's00'").Scan(&oldest)
	if oldest != 0 {
		t.Error("oldest/shortest row survived the retention tier")
	}
}

// TestForcedCleanupEnforcesSampleCap is the end-to-end scenario: 51 inserts
// through AddSample followed by a forced synchronous cleanup leave exactly
// 50 rows, newest included.
func TestForcedCleanupEnforcesSampleCap(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxSamples: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 51; i++ {
		text := fmt.Sprintf("%s unique writing sample number %02d", strings.Repeat("lorem ipsum ", 5), i)
		if _, err := s.AddSample(text); err != nil {
			t.Fatalf("AddSample %d: %v", i, err)
		}
	}

	if _, err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	n, _ := s.count("samples")
	if n != 50 {
		t.Errorf("sample count after forced cleanup = %d, want 50", n)
	}

	var present int
	s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE text LIKE '%number 50'").Scan(&present)
	if present != 1 {
		t.Error("most recent sample missing after cleanup")
	}
}

// TestPreWriteBudgetCheck verifies AddSample runs cleanup synchronously when
// the store is over budget: duplicate rows planted directly are gone after a
// single write.
func TestPreWriteBudgetCheck(t *testing.T) {
	s := openTinyBudgetStore(t, Limits{})

	now := time.Now().UTC()
	insertSampleAt(t, s, "dup-a", "planted duplicate sample text that survives deep cleanup", now.Add(-2*time.Minute))
	insertSampleAt(t, s, "dup-b", "planted duplicate sample text that survives deep cleanup", now.Add(-time.Minute))

	if _, err := s.AddSample("a perfectly ordinary writing sample, long enough to keep"); err != nil {
		t.Fatalf("AddSample: %v", err)
	}

	var dups int
	s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE text LIKE 'planted duplicate%'").Scan(&dups)
	if dups != 1 {
		t.Errorf("duplicates after pre-write budget check = %d, want 1", dups)
	}
}

func TestCleanupPairCapPrefersRatedAndRecent(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxPairs: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC().Add(-30 * time.Minute)
	// 20 pairs: p00 oldest..p19 newest; p00..p02 highly rated.
	for i := 0; i < 20; i++ {
		rating := 0
		if i < 3 {
			rating = 5
		}
		insertPairAt(t, s, fmt.Sprintf("p%02d", i), rating, base.Add(time.Duration(i)*time.Minute))
	}

	if _, err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	n, _ := s.count("training_pairs")
	if n != 10 {
		t.Fatalf("pair count = %d, want 10 (7 recent + 3 rated)", n)
	}

	var rated int
	s.db.QueryRow("SELECT COUNT(*) FROM training_pairs WHERE user_rating >= 4").Scan(&rated)
	if rated != 3 {
		t.Errorf("rated survivors = %d, want 3", rated)
	}
	var newest int
	s.db.QueryRow("SELECT COUNT(*) FROM training_pairs WHERE id = 'p19'").Scan(&newest)
	if newest != 1 {
		t.Error("newest pair evicted")
	}
}

func TestCleanupFeedbackCapKeepsValuableRows(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxFeedback: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	insertFeedbackAt(t, s, "f-sel", "selected", 0.2, base)
	insertFeedbackAt(t, s, "f-high1", "thumbs_up", 0.9, base.Add(time.Minute))
	insertFeedbackAt(t, s, "f-high2", "thumbs_up", 0.8, base.Add(2*time.Minute))
	insertFeedbackAt(t, s, "f-low1", "thumbs_up", 0.3, base.Add(3*time.Minute))
	insertFeedbackAt(t, s, "f-low2", "thumbs_up", 0.4, base.Add(4*time.Minute))
	insertFeedbackAt(t, s, "f-neg", "thumbs_down", -0.5, base.Add(5*time.Minute))

	if _, err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	for _, id := range []string{"f-sel", "f-high1", "f-high2"} {
		var present int
		s.db.QueryRow("SELECT COUNT(*) FROM interaction_feedback WHERE id = ?", id).Scan(&present)
		if present != 1 {
			t.Errorf("valuable row %s evicted", id)
		}
	}
	n, _ := s.count("interaction_feedback")
	if n > 4 {
		t.Errorf("feedback count = %d, want <= 4", n)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxSamples: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		insertSampleAt(t, s, fmt.Sprintf("s%02d", i), fmt.Sprintf("%s sample %02d", strings.Repeat("pad ", 20), i), base.Add(time.Duration(i)*time.Minute))
	}

	if _, err := s.Cleanup(); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	n1, _ := s.count("samples")

	stats, err := s.Cleanup()
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	n2, _ := s.count("samples")

	if n1 != n2 || stats.Total() != 0 {
		t.Errorf("second Cleanup changed state: %d -> %d rows, removed %d", n1, n2, stats.Total())
	}
}

func TestDeepCleanupHalvesCapsAndDropsPatterns(t *testing.T) {
	s, err := Open(":memory:", Limits{MaxSamples: 20, MaxPairs: 10, MaxFeedback: 10},
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		insertSampleAt(t, s, fmt.Sprintf("s%02d", i), fmt.Sprintf("%s deep sample %02d", strings.Repeat("pad ", 15), i), base.Add(time.Duration(i)*time.Minute))
	}
	for i := 0; i < 5; i++ {
		s.RecordEmailPattern(EmailPattern{Snippet: fmt.Sprintf("pattern snippet number %d here", i), EmailType: "general", Formality: "medium", Urgency: "normal", WordCount: 5})
	}

	if _, err := s.DeepCleanup(); err != nil {
		t.Fatalf("DeepCleanup: %v", err)
	}

	n, _ := s.count("samples")
	if n != 10 {
		t.Errorf("sample count = %d, want half cap (10)", n)
	}
	n, _ = s.count("email_patterns")
	if n != 0 {
		t.Errorf("pattern count = %d, want 0 after deep cleanup", n)
	}
}

func TestDeepCleanupReportsStorageCritical(t *testing.T) {
	s := openTinyBudgetStore(t, Limits{})

	// A fresh database is already over the 1-byte budget; even deep cleanup
	// cannot shrink below it.
	_, err := s.DeepCleanup()
	if !errors.Is(err, ErrStorageCritical) {
		t.Fatalf("expected ErrStorageCritical, got %v", err)
	}
}

func TestDeepCleanupNeverGrowsStore(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 20; i++ {
		insertSampleAt(t, s, fmt.Sprintf("s%02d", i), fmt.Sprintf("%s growth sample %02d", strings.Repeat("pad ", 15), i), base.Add(time.Duration(i)*time.Minute))
	}

	before := s.sizeBytes()
	if _, err := s.DeepCleanup(); err != nil {
		t.Fatalf("DeepCleanup: %v", err)
	}
	if after := s.sizeBytes(); after > before {
		t.Errorf("store grew during DeepCleanup: %d -> %d bytes", before, after)
	}
}

func TestGetStatusHealthTiers(t *testing.T) {
	tests := []struct {
		name   string
		budget int64
		want   string
	}{
		{"healthy", 1 << 30, HealthHealthy},
		{"critical", 1024, HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(":memory:", Limits{BudgetBytes: tt.budget})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			st, err := s.GetStatus()
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if st.Health != tt.want {
				t.Errorf("health = %q (usage %.1f%%), want %q", st.Health, st.UsagePercent, tt.want)
			}
		})
	}
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddSample("a sample that will be wiped by the reset"); err != nil {
		t.Fatalf("AddSample: %v", err)
	}
	if _, err := s.AddTrainingPair(
		"an original email long enough to be accepted",
		"a reply long enough", PairContext{},
	); err != nil {
		t.Fatalf("AddTrainingPair: %v", err)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	st, err := s.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Samples != 0 || st.TrainingPairs != 0 || st.Feedback != 0 || st.Patterns != 0 {
		t.Errorf("tables not empty after ClearAll: %+v", st)
	}
}
