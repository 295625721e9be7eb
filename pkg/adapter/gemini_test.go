package adapter_test

import (
	"context"
	"errors"
	"iter"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/parley/pkg/adapter"
	"github.com/m-mizutani/parley/pkg/model"
	"google.golang.org/genai"
)

type mockGemini struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	chunks   []string
	err      error

	// rejectFirst is returned before any chunk by the first stream call
	rejectFirst error
	streamed    [][]*genai.Content
	summary     string
	summarized  []*genai.Content
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if m.summary == "" {
		return nil, errors.New("not implemented")
	}
	m.summarized = contents
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(m.summary, genai.RoleModel)},
		},
	}, nil
}

func (m *mockGemini) GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	m.contents = contents
	m.config = config
	m.streamed = append(m.streamed, contents)
	first := len(m.streamed) == 1
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if first && m.rejectFirst != nil {
			yield(nil, m.rejectFirst)
			return
		}
		for _, chunk := range m.chunks {
			resp := &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{
					{Content: genai.NewContentFromText(chunk, genai.RoleModel)},
				},
			}
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield(nil, m.err)
		}
	}
}

func TestGeminiRoleMapping(t *testing.T) {
	gt.Equal(t, adapter.GeminiRole(model.RoleUser), genai.RoleUser)
	gt.Equal(t, adapter.GeminiRole(model.RoleAssistant), genai.RoleModel)
	gt.Equal(t, adapter.GeminiRole(model.Role("")), genai.RoleUser)

	gt.Equal(t, adapter.RoleFromGemini("model"), model.RoleAssistant)
	gt.Equal(t, adapter.RoleFromGemini("user"), model.RoleUser)
	gt.Equal(t, adapter.RoleFromGemini("function"), model.RoleUser)
}

func TestGeminiLLMStream(t *testing.T) {
	mock := &mockGemini{chunks: []string{"Try ", "", "Iceland", " in July."}}
	llm := adapter.NewGeminiLLM(mock, adapter.DefaultPersona())

	history := []model.Turn{
		{Role: model.RoleUser, Content: "Hi"},
		{Role: model.RoleAssistant, Content: "Hello!"},
		{Role: model.RoleUser, Content: ""},
	}

	var fragments []string
	for fragment, err := range llm.Stream(context.Background(), history, "Where should I go in July?") {
		gt.NoError(t, err)
		fragments = append(fragments, fragment)
	}

	gt.A(t, fragments).Length(3)
	gt.Equal(t, strings.Join(fragments, ""), "Try Iceland in July.")

	// Empty turns are dropped and the new message goes last
	gt.A(t, mock.contents).Length(3)
	gt.Equal(t, mock.contents[0].Role, string(genai.RoleUser))
	gt.Equal(t, mock.contents[1].Role, string(genai.RoleModel))
	gt.Equal(t, mock.contents[2].Parts[0].Text, "Where should I go in July?")

	gt.V(t, mock.config.SystemInstruction).NotNil()
	gt.Equal(t, mock.config.SystemInstruction.Parts[0].Text, adapter.DefaultSystemPrompt)
	gt.V(t, mock.config.Temperature).NotNil()
}

func TestGeminiLLMStreamError(t *testing.T) {
	mock := &mockGemini{chunks: []string{"partial"}, err: errors.New("boom")}
	llm := adapter.NewGeminiLLM(mock, adapter.Persona{})

	var (
		fragments []string
		streamErr error
	)
	for fragment, err := range llm.Stream(context.Background(), nil, "hi") {
		if err != nil {
			streamErr = err
			break
		}
		fragments = append(fragments, fragment)
	}

	gt.A(t, fragments).Length(1)
	gt.Error(t, streamErr)
	gt.V(t, mock.config.SystemInstruction).Nil()
}

func TestGeminiLLMStreamStopsWhenConsumerStops(t *testing.T) {
	mock := &mockGemini{chunks: []string{"a", "b", "c"}}
	llm := adapter.NewGeminiLLM(mock, adapter.Persona{})

	count := 0
	for range llm.Stream(context.Background(), nil, "hi") {
		count++
		break
	}
	gt.Equal(t, count, 1)
}

func TestIsTokenLimitError(t *testing.T) {
	testCases := map[string]struct {
		err    error
		expect bool
	}{
		"nil": {err: nil, expect: false},
		"token limit": {
			err: genai.APIError{
				Code:    400,
				Status:  "INVALID_ARGUMENT",
				Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
			},
			expect: true,
		},
		"wrapped token limit": {
			err:    goerr.Wrap(tokenLimitError(), "gemini stream failed"),
			expect: true,
		},
		"unrelated invalid argument": {
			err:    genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "invalid parameter format"},
			expect: false,
		},
		"server error": {
			err:    genai.APIError{Code: 500, Status: "INTERNAL", Message: "internal server error"},
			expect: false,
		},
		"other error": {err: errors.New("network timeout"), expect: false},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			gt.Equal(t, adapter.IsTokenLimitError(tc.err), tc.expect)
		})
	}
}

func tokenLimitError() error {
	return genai.APIError{
		Code:    400,
		Status:  "INVALID_ARGUMENT",
		Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
	}
}

func longHistory() []model.Turn {
	var history []model.Turn
	for i := range 6 {
		history = append(history,
			model.Turn{Role: model.RoleUser, Content: strings.Repeat("question ", 20) + strconv.Itoa(i)},
			model.Turn{Role: model.RoleAssistant, Content: strings.Repeat("answer ", 20) + strconv.Itoa(i)},
		)
	}
	return history
}

func TestGeminiLLMCompressesOnTokenLimit(t *testing.T) {
	mock := &mockGemini{
		chunks:      []string{"Try ", "Iceland."},
		rejectFirst: tokenLimitError(),
		summary:     "The user is planning a summer trip.",
	}
	llm := adapter.NewGeminiLLM(mock, adapter.Persona{})
	history := longHistory()

	var fragments []string
	for fragment, err := range llm.Stream(context.Background(), history, "Where should I go in July?") {
		gt.NoError(t, err)
		fragments = append(fragments, fragment)
	}
	gt.Equal(t, fragments, []string{"Try ", "Iceland."})

	gt.A(t, mock.streamed).Length(2)
	original, retried := mock.streamed[0], mock.streamed[1]
	gt.A(t, original).Length(len(history) + 1)
	gt.True(t, len(retried) < len(original))

	// summary first, then the newest contents unchanged
	gt.Equal(t, retried[0].Role, string(genai.RoleUser))
	gt.S(t, retried[0].Parts[0].Text).Contains("The user is planning a summer trip.")
	gt.Equal(t, retried[len(retried)-1].Parts[0].Text, "Where should I go in July?")

	folded := len(original) - (len(retried) - 1)
	gt.A(t, mock.summarized).Length(folded + 1)
	gt.Equal(t, mock.summarized[0].Parts[0].Text, original[0].Parts[0].Text)
}

func TestGeminiLLMTokenLimitWithoutHistory(t *testing.T) {
	mock := &mockGemini{
		chunks:      []string{"never"},
		rejectFirst: tokenLimitError(),
		summary:     "unused",
	}
	llm := adapter.NewGeminiLLM(mock, adapter.Persona{})

	var streamErr error
	for _, err := range llm.Stream(context.Background(), nil, strings.Repeat("x", 1000)) {
		if err != nil {
			streamErr = err
			break
		}
	}
	gt.True(t, adapter.IsTokenLimitError(streamErr))
	gt.A(t, mock.streamed).Length(1)
	gt.A(t, mock.summarized).Length(0)
}

func TestGeminiLLMOtherErrorsAreNotRetried(t *testing.T) {
	mock := &mockGemini{
		chunks:      []string{"never"},
		rejectFirst: genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "overloaded"},
		summary:     "unused",
	}
	llm := adapter.NewGeminiLLM(mock, adapter.Persona{})

	var streamErr error
	for _, err := range llm.Stream(context.Background(), longHistory(), "hi") {
		if err != nil {
			streamErr = err
			break
		}
	}
	gt.Error(t, streamErr)
	gt.A(t, mock.streamed).Length(1)
}

func TestGenerateContentStream(t *testing.T) {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewGemini(ctx, adapter.WithVertexAI(projectID, "us-central1"))
	gt.NoError(t, err)

	llm := adapter.NewGeminiLLM(client, adapter.DefaultPersona())

	var b strings.Builder
	for fragment, err := range llm.Stream(ctx, nil, "Hello, what is the capital of France?") {
		gt.NoError(t, err)
		b.WriteString(fragment)
	}

	gt.S(t, b.String()).Contains("Paris")
	t.Log("response:", b.String())
}
