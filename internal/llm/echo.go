package llm

import (
	"context"
	"strings"
)

// Echo is an offline model that repeats the prompt back one word at a time.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	var b strings.Builder
	for i, w := range strings.Fields("You said: " + req.Prompt) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i > 0 {
			w = " " + w
		}
		b.WriteString(w)
		if err := onDelta(w); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}
