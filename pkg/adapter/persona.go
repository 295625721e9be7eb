package adapter

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

const DefaultSystemPrompt = "You are a helpful and friendly assistant. Answer the user's questions clearly and concisely."

// Persona is the generation setup shared by every LLM backend
type Persona struct {
	SystemPrompt    string   `yaml:"system_prompt"`
	Temperature     *float64 `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// DefaultPersona returns the built-in assistant persona
func DefaultPersona() Persona {
	temperature := 0.7
	return Persona{
		SystemPrompt:    DefaultSystemPrompt,
		Temperature:     &temperature,
		MaxOutputTokens: 2048,
	}
}

// LoadPersona reads a YAML persona file. Fields missing from the file keep
// their default values.
func LoadPersona(path string) (Persona, error) {
	persona := DefaultPersona()
	if path == "" {
		return persona, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, goerr.Wrap(err, "failed to read persona file", goerr.V("path", path))
	}

	if err := yaml.Unmarshal(data, &persona); err != nil {
		return Persona{}, goerr.Wrap(err, "failed to parse persona file", goerr.V("path", path))
	}

	return persona, nil
}
