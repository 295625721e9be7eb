package adapter

import (
	"context"
	"iter"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Gemini is the subset of the genai client used by parley
type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
}

type geminiConfig struct {
	apiKey          string
	project         string
	location        string
	generativeModel string
}

type GeminiOption func(*geminiConfig)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *geminiConfig) {
		g.generativeModel = model
	}
}

// WithAPIKey selects the Gemini Developer API backend
func WithAPIKey(apiKey string) GeminiOption {
	return func(g *geminiConfig) {
		g.apiKey = apiKey
	}
}

// WithVertexAI selects the Vertex AI backend
func WithVertexAI(project, location string) GeminiOption {
	return func(g *geminiConfig) {
		g.project = project
		g.location = location
	}
}

func NewGemini(ctx context.Context, opts ...GeminiOption) (*GeminiClient, error) {
	cfg := &geminiConfig{
		generativeModel: "gemini-2.5-flash",
		location:        "us-central1",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientConfig := &genai.ClientConfig{}
	switch {
	case cfg.apiKey != "":
		clientConfig.APIKey = cfg.apiKey
		clientConfig.Backend = genai.BackendGeminiAPI
	case cfg.project != "":
		clientConfig.Project = cfg.project
		clientConfig.Location = cfg.location
		clientConfig.Backend = genai.BackendVertexAI
	default:
		return nil, goerr.New("either gemini API key or project is required")
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	return &GeminiClient{
		client:          client,
		generativeModel: cfg.generativeModel,
	}, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}
	return resp, nil
}

func (g *GeminiClient) GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return g.client.Models.GenerateContentStream(ctx, g.generativeModel, contents, config)
}
