package keyword

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Suggestion is a dictionary term proposed for a query term.
type Suggestion struct {
	Term      string
	Distance  int
	Frequency int
	Score     float64
}

// SpellChecker proposes corrections for query terms missing from the index vocabulary.
type SpellChecker struct {
	dictionary     TermDictionary
	maxDistance    int
	minFreq        int
	minTermLength  int
	maxSuggestions int
}

// SpellCheckerOption configures a SpellChecker.
type SpellCheckerOption func(*SpellChecker)

// WithMaxDistance sets the largest edit distance a suggestion may have.
func WithMaxDistance(d int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores dictionary terms found in fewer than f entities.
func WithMinFrequency(f int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// WithMaxSuggestions caps the suggestions returned per term.
func WithMaxSuggestions(n int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if n > 0 {
			s.maxSuggestions = n
		}
	}
}

// NewSpellChecker creates a spell checker over dict.
func NewSpellChecker(dict TermDictionary, opts ...SpellCheckerOption) *SpellChecker {
	s := &SpellChecker{
		dictionary:     dict,
		maxDistance:    2,
		minFreq:        1,
		minTermLength:  3,
		maxSuggestions: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Correct rewrites query with the best suggestion for each unknown term. It returns "" when
// every term is known or nothing close enough exists. The dictionary is read on every call, so
// results track the live index.
func (s *SpellChecker) Correct(query string) (string, error) {
	terms, err := s.dictionary.Terms()
	if err != nil {
		return "", err
	}
	words := tokenizeQuery(query)
	corrected := make([]string, len(words))
	changed := false
	for i, w := range words {
		corrected[i] = w
		if _, known := terms[w]; known {
			continue
		}
		if sugg := s.suggest(terms, w); len(sugg) > 0 {
			corrected[i] = sugg[0].Term
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	return strings.Join(corrected, " "), nil
}

// Suggest lists dictionary terms close to term, best first.
func (s *SpellChecker) Suggest(term string) ([]Suggestion, error) {
	terms, err := s.dictionary.Terms()
	if err != nil {
		return nil, err
	}
	return s.suggest(terms, strings.ToLower(term)), nil
}

func (s *SpellChecker) suggest(terms map[string]int, term string) []Suggestion {
	n := utf8.RuneCountInString(term)
	if n < s.minTermLength {
		return nil
	}
	var out []Suggestion
	for dictTerm, freq := range terms {
		if dictTerm == term || freq < s.minFreq {
			continue
		}
		diff := utf8.RuneCountInString(dictTerm) - n
		if diff > s.maxDistance || -diff > s.maxDistance {
			continue
		}
		d := LevenshteinDistance(term, dictTerm)
		if d > s.maxDistance {
			continue
		}
		out = append(out, Suggestion{Term: dictTerm, Distance: d, Frequency: freq, Score: float64(freq) / float64(d+1)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > s.maxSuggestions {
		out = out[:s.maxSuggestions]
	}
	return out
}
