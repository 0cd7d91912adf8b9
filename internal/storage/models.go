package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRejected is returned when a write is refused by policy (duplicate,
// too short, or below the weak-signal threshold). It is a no-op for the
// caller, not a failure.
var ErrRejected = errors.New("write rejected")

// ErrStorageCritical is returned when even DeepCleanup could not bring the
// store back under its size budget.
var ErrStorageCritical = errors.New("storage critical: budget exceeded after deep cleanup")

// Sample is a deduplicated snippet of accepted user-authored text.
type Sample struct {
	ID        string
	CreatedAt time.Time
	Text      string
}

// TrainingPair records an accepted reply suggestion together with the email
// it answered.
type TrainingPair struct {
	ID            string
	CreatedAt     time.Time
	OriginalEmail string
	ChosenReply   string
	Tone          string
	Length        string
	UserRating    int
}

// Feedback is a single user reaction to a suggestion. Weight is in [-1, 1];
// negative values below the weak-signal threshold are never persisted.
type Feedback struct {
	ID              string
	CreatedAt       time.Time
	InteractionType string
	OriginalEmail   string
	Suggestion      string
	Label           string
	Weight          float64
	Context         string // compressed JSON: {"tone":..., "length":...}
}

// EmailPattern is a derived classification of an incoming email, kept as a
// small most-recent-N log for aggregate insight.
type EmailPattern struct {
	ID        string
	CreatedAt time.Time
	Snippet   string
	EmailType string
	Formality string
	Urgency   string
	WordCount int
}

// PatternInsight aggregates email patterns by classification.
type PatternInsight struct {
	EmailType string
	Formality string
	Urgency   string
	Count     int
}

// Health tiers reported by GetStatus.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Status describes current store usage. Purely derived, no side effects.
type Status struct {
	SizeBytes     int64   `json:"size_bytes"`
	BudgetBytes   int64   `json:"budget_bytes"`
	UsagePercent  float64 `json:"usage_percent"`
	Samples       int     `json:"samples"`
	TrainingPairs int     `json:"training_pairs"`
	Feedback      int     `json:"feedback"`
	Patterns      int     `json:"patterns"`
	Health        string  `json:"health"`
}

// CleanupStats reports what each retention tier removed.
type CleanupStats struct {
	DuplicateSamples int64 `json:"duplicate_samples"`
	DuplicatePairs   int64 `json:"duplicate_pairs"`
	StaleFeedback    int64 `json:"stale_feedback"`
	SamplesEvicted   int64 `json:"samples_evicted"`
	PairsEvicted     int64 `json:"pairs_evicted"`
	FeedbackEvicted  int64 `json:"feedback_evicted"`
	PatternsEvicted  int64 `json:"patterns_evicted"`
}

// Total returns the number of rows removed across all tiers.
func (c CleanupStats) Total() int64 {
	return c.DuplicateSamples + c.DuplicatePairs + c.StaleFeedback +
		c.SamplesEvicted + c.PairsEvicted + c.FeedbackEvicted + c.PatternsEvicted
}

// Limits bounds the store. Zero values are replaced by DefaultLimits.
type Limits struct {
	MaxSamples  int
	MaxPairs    int
	MaxFeedback int
	MaxPatterns int
	BudgetBytes int64

	MinSampleLen   int
	MinOriginalLen int
	MinReplyLen    int

	// WeakSignal is the minimum |weight| for negative feedback to be stored.
	WeakSignal float64
	// TruncateAt caps stored email/suggestion text in feedback rows, in runes.
	TruncateAt int
}

// DefaultLimits mirrors the production retention constants.
func DefaultLimits() Limits {
	return Limits{
		MaxSamples:     50000,
		MaxPairs:       25000,
		MaxFeedback:    100000,
		MaxPatterns:    500,
		BudgetBytes:    5 << 30, // 5 GiB
		MinSampleLen:   10,
		MinOriginalLen: 20,
		MinReplyLen:    10,
		WeakSignal:     0.3,
		TruncateAt:     200,
	}
}

func (l *Limits) applyDefaults() {
	d := DefaultLimits()
	if l.MaxSamples <= 0 {
		l.MaxSamples = d.MaxSamples
	}
	if l.MaxPairs <= 0 {
		l.MaxPairs = d.MaxPairs
	}
	if l.MaxFeedback <= 0 {
		l.MaxFeedback = d.MaxFeedback
	}
	if l.MaxPatterns <= 0 {
		l.MaxPatterns = d.MaxPatterns
	}
	if l.BudgetBytes <= 0 {
		l.BudgetBytes = d.BudgetBytes
	}
	if l.MinSampleLen <= 0 {
		l.MinSampleLen = d.MinSampleLen
	}
	if l.MinOriginalLen <= 0 {
		l.MinOriginalLen = d.MinOriginalLen
	}
	if l.MinReplyLen <= 0 {
		l.MinReplyLen = d.MinReplyLen
	}
	if l.WeakSignal <= 0 {
		l.WeakSignal = d.WeakSignal
	}
	if l.TruncateAt <= 0 {
		l.TruncateAt = d.TruncateAt
	}
}
