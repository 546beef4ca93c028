package search

import (
	"strings"
	"unicode/utf8"
)

// Highlight returns a snippet of at most maxLen runes (plus "...") from content. The window
// starts a little before the first occurrence of any query term; without a match it is the
// beginning of content. maxLen <= 0 returns content unchanged.
func Highlight(content, query string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	start := 0
	if at := firstTerm(content, query); at > 0 {
		start = max(utf8.RuneCountInString(content[:at])-maxLen/4, 0)
		// Begin at a word boundary.
		for start > 0 && runes[start-1] != ' ' && runes[start-1] != '\n' {
			start--
		}
	}
	end := min(start+maxLen, len(runes))
	snippet := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet += "..."
	}
	return snippet
}

// firstTerm returns the byte offset of the earliest query term in content, or -1.
func firstTerm(content, query string) int {
	lower := strings.ToLower(content)
	best := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	// Lower-casing may change byte lengths; fall back to the start when offsets disagree.
	if best >= 0 && len(lower) != len(content) {
		return -1
	}
	return best
}
