package chat

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// DefaultSystemPrompt instructs the model to stay within the supplied context.
const DefaultSystemPrompt = "You are a research assistant working inside the user's notebook. " +
	"Answer using the context below when it is relevant and cite entries by their bracketed id. " +
	"If the context does not contain the answer, say so instead of guessing."

// SystemPrompt renders the base prompt followed by the bundle's fragments.
func SystemPrompt(base string, bundle *models.ContextBundle) string {
	if base == "" {
		base = DefaultSystemPrompt
	}
	if bundle == nil || len(bundle.Fragments) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n# Context\n")
	for _, f := range bundle.Fragments {
		fmt.Fprintf(&b, "\n## [%s:%s] %s\n\n%s\n", f.Kind, f.ID, f.Title, f.Text)
	}
	return b.String()
}
