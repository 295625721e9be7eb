package adapter

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI implements interfaces.LLM with the Chat Completions API. Any
// compatible endpoint can be used through WithOpenAIBaseURL.
type OpenAI struct {
	client  *openai.Client
	model   string
	persona Persona
}

var _ interfaces.LLM = (*OpenAI)(nil)

type openAIConfig struct {
	model   string
	baseURL string
}

type OpenAIOption func(*openAIConfig)

func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.model = model
	}
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = baseURL
	}
}

func NewOpenAI(apiKey string, persona Persona, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, goerr.New("openai API key is required")
	}

	cfg := openAIConfig{model: defaultOpenAIModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientConfig.BaseURL = cfg.baseURL
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.model,
		persona: persona,
	}, nil
}

// OpenAIMessages converts the history view into chat completion messages
// with the system prompt first and the new user message last.
func OpenAIMessages(systemPrompt string, history []model.Turn, message string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, turn := range history {
		if turn.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if turn.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
}

func (c *OpenAI) request(history []model.Turn, message string) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: OpenAIMessages(c.persona.SystemPrompt, history, message),
		Stream:   true,
	}
	if c.persona.MaxOutputTokens > 0 {
		req.MaxTokens = c.persona.MaxOutputTokens
	}
	if c.persona.Temperature != nil {
		req.Temperature = float32(*c.persona.Temperature)
	}
	return req
}

func (c *OpenAI) Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := c.client.CreateChatCompletionStream(ctx, c.request(history, message))
		if err != nil {
			yield("", goerr.Wrap(err, "failed to start openai stream", goerr.V("model", c.model)))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", goerr.Wrap(err, "openai stream failed", goerr.V("model", c.model)))
				return
			}

			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	}
}
