package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hyperjump/kioku/internal/models"
)

// OpenAI streams replies from the chat completions API or a compatible server.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI returns a chat model on an existing client.
func NewOpenAI(client openai.Client, model string) *OpenAI {
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) Name() string { return "openai/" + o.model }

func (o *OpenAI) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		if m.Role == models.RoleAI {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	})
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", err
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: openai: %v", models.ErrModel, err)
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("%w: openai returned an empty response", models.ErrModel)
	}
	return full.String(), nil
}
