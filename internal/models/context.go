package models

import (
	"encoding/json"
	"fmt"
)

// InclusionMode controls how much of an entity enters a context bundle.
// An entity absent from a ContextConfig is not requested.
type InclusionMode int

const (
	IncludeNone InclusionMode = iota
	IncludeFull
	IncludeInsights
)

// ParseInclusionMode accepts "full", "insights" and "none".
func ParseInclusionMode(s string) (InclusionMode, error) {
	switch s {
	case "full":
		return IncludeFull, nil
	case "insights":
		return IncludeInsights, nil
	case "none":
		return IncludeNone, nil
	}
	return IncludeNone, fmt.Errorf("%w: unknown inclusion mode %q", ErrInvalidInput, s)
}

func (m InclusionMode) String() string {
	switch m {
	case IncludeFull:
		return "full"
	case IncludeInsights:
		return "insights"
	default:
		return "none"
	}
}

func (m InclusionMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *InclusionMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseInclusionMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ContextConfig maps source and note ids to their inclusion mode.
type ContextConfig struct {
	Sources map[string]InclusionMode `json:"sources,omitempty"`
	Notes   map[string]InclusionMode `json:"notes,omitempty"`
}

// Empty reports whether the config requests nothing.
func (c *ContextConfig) Empty() bool {
	return c == nil || (len(c.Sources) == 0 && len(c.Notes) == 0)
}

// EntityKind is the kind of record a fragment came from.
type EntityKind string

const (
	EntitySource EntityKind = "source"
	EntityNote   EntityKind = "note"
)

// Origin is which content of the entity the fragment carries.
type Origin string

const (
	OriginFullText Origin = "full_text"
	OriginInsights Origin = "insights"
	OriginChunks   Origin = "retrieved_chunks"
)

// Fragment is one entry of a context bundle.
type Fragment struct {
	Kind       EntityKind    `json:"kind"`
	ID         string        `json:"id"`
	Title      string        `json:"title,omitempty"`
	Mode       InclusionMode `json:"mode"`
	Origin     Origin        `json:"origin"`
	Text       string        `json:"text"`
	InsightIDs []string      `json:"insight_ids,omitempty"`
	Tokens     int           `json:"tokens"`
	Chars      int           `json:"chars"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// ContextBundle is the assembled, budgeted context for one chat turn. It is never persisted.
type ContextBundle struct {
	Fragments  []Fragment `json:"fragments"`
	TokenCount int        `json:"token_count"`
	CharCount  int        `json:"char_count"`
}

// Indicators lists the ids of everything the bundle included.
func (b *ContextBundle) Indicators() ContextIndicators {
	ind := ContextIndicators{Sources: []string{}, Insights: []string{}, Notes: []string{}}
	if b == nil {
		return ind
	}
	for _, f := range b.Fragments {
		switch f.Kind {
		case EntitySource:
			ind.Sources = append(ind.Sources, f.ID)
			ind.Insights = append(ind.Insights, f.InsightIDs...)
		case EntityNote:
			ind.Notes = append(ind.Notes, f.ID)
		}
	}
	return ind
}

// ContextIndicators is the payload of a context_indicators event.
type ContextIndicators struct {
	Sources  []string `json:"sources"`
	Insights []string `json:"insights"`
	Notes    []string `json:"notes"`
}
