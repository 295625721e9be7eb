package adapter

import (
	"context"
	"iter"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"google.golang.org/genai"
)

// GeminiRole maps a stored role to the Gemini role vocabulary
func GeminiRole(role model.Role) genai.Role {
	switch role {
	case model.RoleAssistant:
		return genai.RoleModel
	default:
		return genai.RoleUser
	}
}

// RoleFromGemini maps a Gemini role tag back to the stored role. Unknown tags
// fall back to the user side.
func RoleFromGemini(role string) model.Role {
	switch genai.Role(role) {
	case genai.RoleModel:
		return model.RoleAssistant
	default:
		return model.RoleUser
	}
}

// GeminiLLM implements interfaces.LLM on top of a Gemini client
type GeminiLLM struct {
	gemini  Gemini
	persona Persona
}

var _ interfaces.LLM = (*GeminiLLM)(nil)

func NewGeminiLLM(gemini Gemini, persona Persona) *GeminiLLM {
	return &GeminiLLM{gemini: gemini, persona: persona}
}

func (g *GeminiLLM) contents(history []model.Turn, message string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		if turn.Content == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, GeminiRole(turn.Role)))
	}
	return append(contents, genai.NewContentFromText(message, genai.RoleUser))
}

func (g *GeminiLLM) config() *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if g.persona.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(g.persona.SystemPrompt, "")
	}
	if g.persona.Temperature != nil {
		t := float32(*g.persona.Temperature)
		config.Temperature = &t
	}
	if g.persona.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(g.persona.MaxOutputTokens)
	}
	return config
}

// responseText concatenates the text parts of the first candidate, skipping thoughts
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// Stream yields the text of every response chunk. When Gemini rejects the
// request for exceeding its token limit before any text arrived, the oldest
// part of the request is summarized and the request is retried once.
func (g *GeminiLLM) Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := g.contents(history, message)

		started, err := g.stream(ctx, contents, yield)
		if err == nil {
			return
		}
		if started || !IsTokenLimitError(err) {
			yield("", goerr.Wrap(err, "gemini stream failed"))
			return
		}

		compressed, cerr := compressContents(ctx, g.gemini, contents)
		if cerr != nil {
			logging.From(ctx).Warn("failed to compress history", "error", cerr)
			yield("", goerr.Wrap(err, "gemini stream failed"))
			return
		}
		logging.From(ctx).Info("history compressed after hitting token limit",
			"contents_before", len(contents),
			"contents_after", len(compressed),
		)

		if _, err := g.stream(ctx, compressed, yield); err != nil {
			yield("", goerr.Wrap(err, "gemini stream failed after compressing history"))
		}
	}
}

// stream forwards non-empty chunk text to yield. started reports whether any
// text was yielded; err is the upstream error, nil on completion or when the
// consumer stopped.
func (g *GeminiLLM) stream(ctx context.Context, contents []*genai.Content, yield func(string, error) bool) (started bool, err error) {
	for resp, err := range g.gemini.GenerateContentStream(ctx, contents, g.config()) {
		if err != nil {
			return started, err
		}

		text := responseText(resp)
		if text == "" {
			continue
		}
		started = true
		if !yield(text, nil) {
			return started, nil
		}
	}
	return started, nil
}
