package learning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/svarx/replyd/internal/storage"
)

// styleTTL bounds how stale the cached style summary may get before the
// next caller recomputes it.
const styleTTL = 5 * time.Minute

// maxSummaryLen keeps the style summary prompt-friendly.
const maxSummaryLen = 300

var wordRe = regexp.MustCompile(`\b\w+\b`)

// Patterns summarizes how the user writes, derived from training pairs and
// samples.
type Patterns struct {
	PreferredTone  string   `json:"preferred_tone"`
	AvgWords       int      `json:"avg_words"`
	FormalityLevel float64  `json:"formality_level"`
	CommonStarters []string `json:"common_starters,omitempty"`
}

// FeedbackSummary splits recent feedback into positive and negative signal.
type FeedbackSummary struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	// PreferredTones counts tones drawn from positive feedback context.
	PreferredTones map[string]int `json:"preferred_tones,omitempty"`
}

// Analyzer computes user patterns from the store and caches the derived
// style summary.
type Analyzer struct {
	store *storage.Store

	mu          sync.Mutex
	summary     string
	summaryFrom time.Time
}

// NewAnalyzer returns an Analyzer over the given store.
func NewAnalyzer(store *storage.Store) *Analyzer {
	return &Analyzer{store: store}
}

// UserPatterns derives the user's preferred tone, typical reply length, and
// formality from stored data. Defaults are returned when the store is empty.
func (a *Analyzer) UserPatterns() (Patterns, error) {
	p := Patterns{
		PreferredTone:  "professional",
		AvgWords:       20,
		FormalityLevel: 0.5,
	}

	pairs, err := a.store.RecentTrainingPairs(50)
	if err != nil {
		return p, fmt.Errorf("loading training pairs: %w", err)
	}
	if len(pairs) > 0 {
		toneCounts := map[string]int{}
		starterCounts := map[string]int{}
		var totalWords int
		for _, pair := range pairs {
			toneCounts[pair.Tone]++
			words := strings.Fields(pair.ChosenReply)
			totalWords += len(words)
			if len(words) >= 3 {
				starterCounts[strings.Join(words[:3], " ")]++
			}
		}
		p.PreferredTone = topKey(toneCounts)
		p.AvgWords = totalWords / len(pairs)
		p.CommonStarters = topKeys(starterCounts, 3)
	}

	samples, err := a.store.ListSamples(100)
	if err != nil {
		return p, fmt.Errorf("loading samples: %w", err)
	}
	if len(samples) > 0 {
		var formal, casual int
		for _, s := range samples {
			lower := strings.ToLower(s.Text)
			formal += countMatches(lower, []string{"regards", "sincerely", "please", "kindly", "thank you", "best"})
			casual += countMatches(lower, []string{"thanks", "hey", "sure", "ok", "cool", "awesome"})
		}
		if total := formal + casual; total > 0 {
			p.FormalityLevel = float64(formal) / float64(total)
		}
	}
	return p, nil
}

// TopPhrases extracts the most frequent bigrams then unigrams from stored
// samples, up to k entries.
func (a *Analyzer) TopPhrases(k int) ([]string, error) {
	samples, err := a.store.ListSamples(200)
	if err != nil {
		return nil, fmt.Errorf("loading samples: %w", err)
	}

	unigrams := map[string]int{}
	bigrams := map[string]int{}
	for _, s := range samples {
		tokens := wordRe.FindAllString(strings.ToLower(s.Text), -1)
		for i, tok := range tokens {
			unigrams[tok]++
			if i+1 < len(tokens) {
				bigrams[tok+" "+tokens[i+1]]++
			}
		}
	}
	if len(unigrams) == 0 {
		return nil, nil
	}

	phrases := append(topKeys(bigrams, 10), topKeys(unigrams, 10)...)
	if len(phrases) > k {
		phrases = phrases[:k]
	}
	return phrases, nil
}

// StyleSummary returns a short natural-language description of the user's
// writing style for prompt injection, recomputed at most every styleTTL.
func (a *Analyzer) StyleSummary() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary != "" && time.Since(a.summaryFrom) < styleTTL {
		return a.summary, nil
	}

	summary, err := a.buildSummary()
	if err != nil {
		return "", err
	}
	a.summary = summary
	a.summaryFrom = time.Now()
	return summary, nil
}

// Invalidate drops the cached summary so the next StyleSummary recomputes.
// Called after learn writes.
func (a *Analyzer) Invalidate() {
	a.mu.Lock()
	a.summary = ""
	a.mu.Unlock()
}

func (a *Analyzer) buildSummary() (string, error) {
	p, err := a.UserPatterns()
	if err != nil {
		return "", err
	}

	style := "balanced"
	switch {
	case p.FormalityLevel > 0.6:
		style = "formal"
	case p.FormalityLevel < 0.3:
		style = "casual"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User prefers %s tone, %s style (~%d words).", p.PreferredTone, style, p.AvgWords)

	if phrases, err := a.TopPhrases(5); err == nil && len(phrases) > 0 {
		if len(phrases) > 3 {
			phrases = phrases[:3]
		}
		fmt.Fprintf(&b, " Common phrases: %s.", strings.Join(phrases, ", "))
	}
	if len(p.CommonStarters) > 0 {
		fmt.Fprintf(&b, " Often starts with: %q.", p.CommonStarters[0])
	}

	summary := b.String()
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary, nil
}

// SummarizeFeedback tallies recent feedback by sign and positive tone
// preference.
func (a *Analyzer) SummarizeFeedback() (FeedbackSummary, error) {
	rows, err := a.store.RecentFeedback(100)
	if err != nil {
		return FeedbackSummary{}, fmt.Errorf("loading feedback: %w", err)
	}

	sum := FeedbackSummary{PreferredTones: map[string]int{}}
	for _, f := range rows {
		if f.Weight > 0 {
			sum.Positive++
			if tone := contextTone(f.Context); tone != "" {
				sum.PreferredTones[tone]++
			}
		} else if f.Weight < 0 {
			sum.Negative++
		}
	}
	return sum, nil
}

// contextTone pulls the tone out of the compressed context JSON. Malformed
// context is treated as no tone rather than failing the summary.
func contextTone(raw string) string {
	var ctx struct {
		Tone string `json:"tone"`
	}
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return ""
	}
	return ctx.Tone
}

// topKey returns the most frequent key, breaking ties lexically so output
// is stable.
func topKey(counts map[string]int) string {
	keys := topKeys(counts, 1)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func topKeys(counts map[string]int, k int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}
