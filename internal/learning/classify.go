// Package learning derives style and context knowledge from stored data:
// keyword classification of incoming email, pattern analysis over training
// pairs and samples, and a cached style summary for prompt building. All of
// it is cheap by construction so it can run on the background scheduler.
package learning

import "strings"

// Classification is the derived shape of one incoming email.
type Classification struct {
	EmailType string `json:"email_type"`
	Formality string `json:"formality"`
	Urgency   string `json:"urgency"`
	WordCount int    `json:"word_count"`
}

var emailTypeKeywords = []struct {
	emailType string
	urgency   string
	words     []string
}{
	{"scheduling", "normal", []string{"meeting", "schedule", "calendar", "appointment"}},
	{"gratitude", "normal", []string{"thank", "appreciate", "grateful"}},
	{"urgent", "high", []string{"urgent", "asap", "immediate", "priority"}},
	{"inquiry", "normal", []string{"question", "help", "clarify", "explain"}},
	{"update_request", "normal", []string{"update", "status", "progress", "report"}},
}

var (
	formalWords = []string{"dear", "sincerely", "regards", "please", "kindly", "would you"}
	casualWords = []string{"hey", "hi", "thanks", "sure", "ok", "cool"}
)

// ClassifyEmail buckets an email by type, formality, and urgency using
// keyword heuristics. First matching type wins; ties in formality stay
// "medium".
func ClassifyEmail(text string) Classification {
	c := Classification{
		EmailType: "general",
		Formality: "medium",
		Urgency:   "normal",
		WordCount: len(strings.Fields(text)),
	}

	lower := strings.ToLower(text)
	for _, group := range emailTypeKeywords {
		if containsAny(lower, group.words) {
			c.EmailType = group.emailType
			c.Urgency = group.urgency
			break
		}
	}

	formal := countMatches(lower, formalWords)
	casual := countMatches(lower, casualWords)
	if formal > casual {
		c.Formality = "high"
	} else if casual > formal {
		c.Formality = "low"
	}
	return c
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func countMatches(s string, words []string) int {
	var n int
	for _, w := range words {
		if strings.Contains(s, w) {
			n++
		}
	}
	return n
}
