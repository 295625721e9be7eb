package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// compressionRatio is the share of the request, by serialized size, folded
// into the summary
const compressionRatio = 0.7

const summaryHeader = "=== Previous Conversation Summary ===\n\n"

const summarizePrompt = `Summarize the conversation above so it can replace the original messages as context for the rest of the conversation.

Keep:
- facts the user stated about themselves, their plans and constraints
- questions that were answered and the answers given
- open questions and commitments made by the assistant

Write plain prose in the language of the conversation. Do not add greetings or commentary.`

// IsTokenLimitError reports whether err is Gemini rejecting a request whose
// input exceeds the model's context window
func IsTokenLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	// e.g. "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576)."
	return apiErr.Code == 400 &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}

func contentSize(content *genai.Content) int {
	data, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return len(data)
}

// compressContents replaces the oldest contents, up to compressionRatio of
// the total size, with one summary content. The last content is always kept.
// Only the request is rewritten; stored history is untouched.
func compressContents(ctx context.Context, gemini Gemini, contents []*genai.Content) ([]*genai.Content, error) {
	if len(contents) == 0 {
		return nil, goerr.New("history is empty")
	}

	total := 0
	sizes := make([]int, len(contents))
	for i, content := range contents {
		sizes[i] = contentSize(content)
		total += sizes[i]
	}

	threshold := int(float64(total) * compressionRatio)
	cumulative, index := 0, 0
	for i, size := range sizes {
		cumulative += size
		if cumulative >= threshold {
			index = i + 1
			break
		}
	}

	if index == 0 || index >= len(contents) {
		return nil, goerr.New("insufficient content to compress", goerr.V("contents", len(contents)))
	}

	summary, err := summarizeContents(ctx, gemini, contents[:index])
	if err != nil {
		return nil, goerr.Wrap(err, "failed to summarize contents")
	}

	compressed := make([]*genai.Content, 0, len(contents)-index+1)
	compressed = append(compressed, genai.NewContentFromText(summaryHeader+summary, genai.RoleUser))
	return append(compressed, contents[index:]...), nil
}

func summarizeContents(ctx context.Context, gemini Gemini, contents []*genai.Content) (string, error) {
	request := make([]*genai.Content, 0, len(contents)+1)
	request = append(request, contents...)
	request = append(request, genai.NewContentFromText(summarizePrompt, genai.RoleUser))

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You condense chat transcripts into faithful summaries.", ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	resp, err := gemini.GenerateContent(ctx, request, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate summary")
	}

	summary := responseText(resp)
	if summary == "" {
		return "", goerr.New("empty summary generated")
	}
	return summary, nil
}
