package storage

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	quotedLineRe = regexp.MustCompile(`(?m)^\s*>.*$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	htmlTagRe    = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|span|table|a)\b`)
)

// Sanitize normalizes user-authored text before storage: HTML bodies are
// reduced to their text content, quoted-reply lines are stripped, and
// whitespace is collapsed. The result is also the dedupe key for samples.
func Sanitize(s string) string {
	if htmlTagRe.MatchString(s) {
		s = stripHTML(s)
	}
	s = quotedLineRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripHTML extracts the visible text of an HTML fragment. Script and style
// contents are skipped. Parse errors fall back to the raw input.
func stripHTML(s string) string {
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String()
}

// truncate caps s at n runes without splitting a multi-byte character.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
