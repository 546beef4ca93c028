package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"

	"github.com/hyperjump/kioku/internal/models"
)

// Gemini streams replies from a Gemini generative model.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini returns a chat model on an existing client.
func NewGemini(client *genai.Client, model string) *Gemini {
	return &Gemini{client: client, model: model}
}

func (g *Gemini) Name() string { return "gemini/" + g.model }

func (g *Gemini) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	model := g.client.GenerativeModel(g.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	cs := model.StartChat()
	for _, m := range req.History {
		role := "user"
		if m.Role == models.RoleAI {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	var full strings.Builder
	it := cs.SendMessageStream(ctx, genai.Text(req.Prompt))
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: gemini: %v", models.ErrModel, err)
		}
		for _, c := range resp.Candidates {
			if c.Content == nil {
				continue
			}
			for _, part := range c.Content.Parts {
				txt, ok := part.(genai.Text)
				if !ok || txt == "" {
					continue
				}
				full.WriteString(string(txt))
				if err := onDelta(string(txt)); err != nil {
					return "", err
				}
			}
		}
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("%w: gemini returned an empty response", models.ErrModel)
	}
	return full.String(), nil
}
