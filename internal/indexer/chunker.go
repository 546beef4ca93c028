// Package indexer splits source text into chunks, embeds them and keeps the keyword index current.
package indexer

import (
	"iter"
	"unicode"
)

// Span is one chunk of text. Start and End are rune offsets into the chunked text.
type Span struct {
	Ordinal int
	Start   int
	End     int
	Text    string
}

// Chunker splits text into overlapping rune windows that end on natural boundaries.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with the given size and overlap (in runes).
// A non-positive size means 1000; overlap is clamped to [0, size-1].
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunks returns the spans of text in order. The sequence is lazy and can be ranged over
// any number of times with the same result.
func (c *Chunker) Chunks(text string) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		runes := []rune(text)
		n := len(runes)
		pos, prevEnd, ordinal := 0, 0, 0
		for {
			for pos < n && unicode.IsSpace(runes[pos]) {
				pos++
			}
			if pos >= n {
				return
			}
			end := min(pos+c.size, n)
			cut := end
			if end < n {
				lo := max(pos+c.size/2, prevEnd+1, pos+1)
				if b := boundary(runes, lo, end); b > 0 {
					cut = b
				}
			}
			stop := cut
			for stop > pos && unicode.IsSpace(runes[stop-1]) {
				stop--
			}
			if !yield(Span{Ordinal: ordinal, Start: pos, End: stop, Text: string(runes[pos:stop])}) {
				return
			}
			ordinal++
			if cut >= n {
				return
			}
			prevEnd = cut
			next := cut - c.overlap
			if next <= pos {
				next = cut
			}
			pos = next
		}
	}
}

// Count returns the number of spans Chunks(text) yields.
func (c *Chunker) Count(text string) int {
	n := 0
	for range c.Chunks(text) {
		n++
	}
	return n
}

// boundary returns the best cut in runes[lo:end]: after a paragraph break, else after a
// sentence end, else at whitespace. It returns 0 when there is none.
func boundary(runes []rune, lo, end int) int {
	if lo >= end {
		return 0
	}
	for i := end - 1; i > lo; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i >= lo; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	for i := end - 1; i >= lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}
