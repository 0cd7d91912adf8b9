// Package composer turns an incoming email plus learned style into prompts
// for the engine, and cleans up what comes back. It also owns the rule-based
// fallback used whenever the model cannot answer.
package composer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/svarx/replyd/internal/engine"
	"github.com/svarx/replyd/internal/learning"
)

// maxEmailChars bounds how much of the incoming email makes it into the
// prompt, keeping well clear of the context window.
const maxEmailChars = 400

// MinReplyLen is the shortest model output accepted as a real reply.
// Anything below triggers the one-shot simple retry.
const MinReplyLen = 5

// Request is one reply-drafting request.
type Request struct {
	Email  string
	Tone   string // casual, professional, formal
	Length string // short, medium, long
}

func (r *Request) applyDefaults() {
	if r.Tone == "" {
		r.Tone = "professional"
	}
	if r.Length == "" {
		r.Length = "medium"
	}
}

// BuildPrompt assembles a classification-aware prompt. A non-empty style
// summary is prepended so the model can imitate the user.
func BuildPrompt(req Request, style string) string {
	req.applyDefaults()

	email := strings.TrimSpace(req.Email)
	if utf8.RuneCountInString(email) > maxEmailChars {
		email = truncateRunes(email, maxEmailChars) + "..."
	}
	if email == "" {
		email = "Hello, I hope you're doing well."
	}

	var b strings.Builder
	if style != "" {
		b.WriteString("Writing style: ")
		b.WriteString(style)
		b.WriteString("\n\n")
	}
	b.WriteString("Email: ")
	b.WriteString(email)
	b.WriteString("\n\n")
	b.WriteString(instruction(learning.ClassifyEmail(email).EmailType, req.Tone))
	b.WriteString("\n\nReply:")
	return b.String()
}

func instruction(emailType, tone string) string {
	switch emailType {
	case "scheduling":
		switch tone {
		case "casual":
			return "Write a friendly reply about scheduling. Suggest specific times or ask for their availability."
		case "formal":
			return "Write a professional scheduling response. Offer specific meeting times or request their availability."
		default:
			return "Reply professionally about scheduling. Provide time options or ask for their preferences."
		}
	case "gratitude":
		if tone == "casual" {
			return "Write a warm, friendly response to this thank you message."
		}
		return "Write a gracious professional response to this thank you message."
	case "urgent":
		return "This is urgent. Write a " + tone + " reply that acknowledges the urgency and offers quick action."
	case "inquiry":
		return "This is a question. Write a " + tone + " reply that provides helpful information."
	default:
		switch tone {
		case "casual":
			return "Write a friendly, conversational reply."
		case "formal":
			return "Write a formal, professional reply."
		default:
			return "Write a professional, helpful reply."
		}
	}
}

// SimplePrompt is the stripped-down second attempt after a too-short reply.
func SimplePrompt(email string) string {
	email = truncateRunes(strings.TrimSpace(email), 100)
	return "Reply to: " + email + "\n\n"
}

// truncateRunes caps s at n runes without splitting a multi-byte character.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Params returns the sampling settings for the main attempt. Token budget
// follows the requested length.
func Params(length string) engine.GenerationParams {
	p := engine.GenerationParams{
		MaxTokens:   50,
		Temperature: 0.5,
		TopP:        0.8,
		TopK:        15,
		Stop:        []string{"\n\nEmail:", "\n\nReply:", "\n---", "###", "\n\n\n"},
	}
	switch length {
	case "short":
		p.MaxTokens = 30
	case "long":
		p.MaxTokens = 120
	}
	return p
}

// RetryParams returns the looser settings for the simple-prompt retry.
func RetryParams() engine.GenerationParams {
	return engine.GenerationParams{
		MaxTokens:   60,
		Temperature: 0.9,
		Stop:        []string{"\n"},
	}
}

// CleanReply strips prompt echoes and framing artifacts from model output
// and capitalizes the first letter.
func CleanReply(raw string) string {
	reply := strings.TrimSpace(raw)
	for _, prefix := range []string{"Reply:", "Email:", "Email received:"} {
		reply = strings.TrimSpace(strings.TrimPrefix(reply, prefix))
	}
	reply = strings.Trim(reply, "\"':- ")

	if r, size := utf8.DecodeRuneInString(reply); size > 0 && unicode.IsLower(r) {
		reply = string(unicode.ToUpper(r)) + reply[size:]
	}
	return reply
}

// Acceptable reports whether a cleaned reply is worth returning: long
// enough and not an instruction echo.
func Acceptable(reply string) bool {
	if len(reply) < MinReplyLen {
		return false
	}
	lower := strings.ToLower(reply)
	for _, prefix := range []string{"write", "email", "reply"} {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}
