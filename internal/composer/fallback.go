package composer

import "strings"

var fallbackRules = []struct {
	words []string
	base  string
}{
	{
		[]string{"meeting", "resched", "calendar"},
		"I can accommodate a schedule change. Please share your preferred times and I'll confirm availability.",
	},
	{
		[]string{"thank", "appreciate", "grateful"},
		"You're very welcome! I'm glad I could help. Please don't hesitate to reach out if you need anything else.",
	},
	{
		[]string{"urgent", "asap", "immediate", "priority"},
		"I understand this is time-sensitive. I'll prioritize this and get back to you as soon as possible.",
	},
	{
		[]string{"question", "clarif", "explain", "help"},
		"Thank you for your question. I'll review this carefully and provide a detailed response shortly.",
	},
	{
		[]string{"confirm", "verification", "verify"},
		"I can confirm the details for you. Let me review everything and get back to you with verification.",
	},
	{
		[]string{"update", "status", "progress"},
		"Thank you for checking in. I'll provide you with a comprehensive update on the current status.",
	},
	{
		[]string{"sorry", "apolog", "mistake"},
		"No problem at all! These things happen. Let me know how I can help resolve this.",
	},
}

const fallbackDefault = "Thank you for reaching out. I've received your message and will respond with the information you need."

// Fallback produces a rule-based reply when the model is unavailable or its
// output was rejected. Always returns something sendable.
func Fallback(req Request) string {
	req.applyDefaults()
	lower := strings.ToLower(req.Email)

	base := fallbackDefault
	for _, rule := range fallbackRules {
		if containsAny(lower, rule.words) {
			base = rule.base
			break
		}
	}

	switch req.Tone {
	case "casual":
		base = strings.ReplaceAll(base, "Thank you for", "Thanks for")
		base = strings.ReplaceAll(base, "I'm glad I could help", "Happy to help")
		base = strings.ReplaceAll(base, "Please don't hesitate", "Feel free")
	case "formal":
		base = "Dear Colleague,\n\n" + base + "\n\nBest regards"
	}

	switch req.Length {
	case "short":
		if i := strings.IndexByte(base, '.'); i >= 0 {
			return base[:i+1]
		}
	case "long":
		return base + " I will ensure all aspects are thoroughly addressed and provide you with complete documentation as needed."
	}
	return base
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
