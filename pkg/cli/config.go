package cli

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/adapter"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/policy"
	"github.com/m-mizutani/parley/pkg/repository"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	store        string
	project      string
	database     string
	storeTimeout time.Duration

	// LLM
	llm             string
	promptFile      string
	geminiAPIKey    string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	anthropicAPIKey string
	claudeModel     string
	openaiAPIKey    string
	openaiBaseURL   string
	openaiModel     string

	// Admission
	policyDir string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("PARLEY_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("PARLEY_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Conversation store (firestore, memory)",
			Value:       "firestore",
			Sources:     cli.EnvVars("PARLEY_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.DurationFlag{
			Name:        "store-timeout",
			Usage:       "Timeout of the history read of a chat turn",
			Value:       10 * time.Second,
			Sources:     cli.EnvVars("PARLEY_STORE_TIMEOUT"),
			Destination: &cfg.storeTimeout,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "LLM backend (gemini, claude, openai)",
			Value:       "gemini",
			Sources:     cli.EnvVars("PARLEY_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "prompt-file",
			Usage:       "YAML file overriding the system prompt and sampling parameters",
			Sources:     cli.EnvVars("PARLEY_PROMPT_FILE"),
			Destination: &cfg.promptFile,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("GOOGLE_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model name",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model name",
			Value:       "claude-sonnet-4-5",
			Sources:     cli.EnvVars("CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "API key of an OpenAI compatible endpoint",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible endpoint",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Usage:       "Model name on the OpenAI compatible endpoint",
			Value:       "gpt-4o-mini",
			Sources:     cli.EnvVars("OPENAI_MODEL"),
			Destination: &cfg.openaiModel,
		},
	}
}

// setupLogger installs the configured logger as the process default
func (cfg *config) setupLogger(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logging.SetDefault(logging.NewWithFormat(cfg.logFormat, cfg.logLevel, w))
}

// newRepository creates the conversation store. The returned closer releases
// its client.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	switch strings.ToLower(cfg.store) {
	case "memory":
		logging.From(ctx).Warn("using in-memory store, conversations are lost on exit")
		return repository.NewMemory(), func() {}, nil

	case "firestore", "":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}

		repo, err := repository.New(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, func() { _ = repo.Close() }, nil

	default:
		return nil, nil, goerr.New("unknown store", goerr.V("store", cfg.store))
	}
}

func (cfg *config) persona() (adapter.Persona, error) {
	if cfg.promptFile == "" {
		return adapter.DefaultPersona(), nil
	}
	persona, err := adapter.LoadPersona(cfg.promptFile)
	if err != nil {
		return adapter.Persona{}, goerr.Wrap(err, "failed to load prompt file")
	}
	return persona, nil
}

// newLLM creates the configured LLM backend
func (cfg *config) newLLM(ctx context.Context) (interfaces.LLM, error) {
	persona, err := cfg.persona()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.llm) {
	case "gemini", "":
		opts := []adapter.GeminiOption{adapter.WithGenerativeModel(cfg.geminiModel)}
		switch {
		case cfg.geminiAPIKey != "":
			opts = append(opts, adapter.WithAPIKey(cfg.geminiAPIKey))
		case cfg.geminiProject != "":
			opts = append(opts, adapter.WithVertexAI(cfg.geminiProject, cfg.geminiLocation))
		default:
			return nil, goerr.New("gemini-api-key or gemini-project is required")
		}

		gemini, err := adapter.NewGemini(ctx, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini client")
		}
		return adapter.NewGeminiLLM(gemini, persona), nil

	case "claude":
		claude, err := adapter.NewClaude(cfg.anthropicAPIKey, persona, adapter.WithClaudeModel(cfg.claudeModel))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create claude client")
		}
		return claude, nil

	case "openai":
		opts := []adapter.OpenAIOption{adapter.WithOpenAIModel(cfg.openaiModel)}
		if cfg.openaiBaseURL != "" {
			opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
		}
		llm, err := adapter.NewOpenAI(cfg.openaiAPIKey, persona, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create openai client")
		}
		return llm, nil

	default:
		return nil, goerr.New("unknown llm backend", goerr.V("llm", cfg.llm))
	}
}

// newAdmission loads the message policies. Nil means no screening.
func (cfg *config) newAdmission(ctx context.Context) (interfaces.Admission, error) {
	if cfg.policyDir == "" {
		return nil, nil
	}
	admission, err := policy.New(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load policies")
	}
	logging.From(ctx).Info("message policies loaded", "dir", cfg.policyDir)
	return admission, nil
}
