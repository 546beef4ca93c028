package assembler

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperjump/kioku/internal/models"
)

// TokenCounter measures text in tokens and cuts text down to a token count.
// Truncate(text, n) must return a prefix of text whose Count is at most n.
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, tokens int) string
}

// WordCounter counts whitespace-separated words.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func (WordCounter) Truncate(text string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	words := 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			if words == tokens {
				return strings.TrimRightFunc(text[:i], unicode.IsSpace)
			}
			words++
		}
		inWord = !space
	}
	return text
}

// RuneCounter approximates tokens as one per four characters, rounded up.
type RuneCounter struct{}

func (RuneCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func (RuneCounter) Truncate(text string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	limit := tokens * 4
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}

// NewCounter returns the counter named "words" or "runes".
func NewCounter(name string) (TokenCounter, error) {
	switch name {
	case "", "words":
		return WordCounter{}, nil
	case "runes":
		return RuneCounter{}, nil
	}
	return nil, fmt.Errorf("%w: unknown token counter %q", models.ErrInvalidInput, name)
}
