package adapter

import (
	"context"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
)

const defaultClaudeModel = "claude-sonnet-4-5"

// Claude implements interfaces.LLM with the Anthropic Messages API
type Claude struct {
	client  *anthropic.Client
	model   string
	persona Persona
}

var _ interfaces.LLM = (*Claude)(nil)

type ClaudeOption func(*Claude)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *Claude) {
		c.model = model
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, persona Persona, opts ...ClaudeOption) (*Claude, error) {
	if apiKey == "" {
		return nil, goerr.New("anthropic API key is required")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	c := &Claude{
		client:  &client,
		model:   defaultClaudeModel,
		persona: persona,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClaudeMessages converts the history view and the new message into Anthropic
// message params. Roles map user to "user" and assistant to "assistant".
func ClaudeMessages(history []model.Turn, message string) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, turn := range history {
		if turn.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(turn.Content)
		switch turn.Role {
		case model.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
}

func (c *Claude) params(history []model.Turn, message string) anthropic.MessageNewParams {
	maxTokens := int64(c.persona.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  ClaudeMessages(history, message),
		MaxTokens: maxTokens,
	}
	if c.persona.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: c.persona.SystemPrompt},
		}
	}
	if c.persona.Temperature != nil {
		params.Temperature = anthropic.Float(*c.persona.Temperature)
	}
	return params
}

func (c *Claude) Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := c.client.Messages.NewStreaming(ctx, c.params(history, message))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok || delta.Delta.Type != "text_delta" || delta.Delta.Text == "" {
				continue
			}
			if !yield(delta.Delta.Text, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield("", goerr.Wrap(err, "claude stream failed", goerr.V("model", c.model)))
		}
	}
}
