package adapter_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/parley/pkg/adapter"
	"github.com/m-mizutani/parley/pkg/model"
)

func TestClaudeMessages(t *testing.T) {
	messages := adapter.ClaudeMessages([]model.Turn{
		{Role: model.RoleUser, Content: "Hi"},
		{Role: model.RoleAssistant, Content: "Hello!"},
		{Role: model.RoleAssistant, Content: ""},
	}, "How are you?")

	gt.A(t, messages).Length(3)
	gt.Equal(t, messages[0].Role, anthropic.MessageParamRoleUser)
	gt.Equal(t, messages[1].Role, anthropic.MessageParamRoleAssistant)
	gt.Equal(t, messages[2].Role, anthropic.MessageParamRoleUser)
}

func TestNewClaudeRequiresAPIKey(t *testing.T) {
	_, err := adapter.NewClaude("", adapter.DefaultPersona())
	gt.Error(t, err)
}

func TestClaudeStream(t *testing.T) {
	apiKey := os.Getenv("TEST_ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_ANTHROPIC_API_KEY is not set")
	}

	claude, err := adapter.NewClaude(apiKey, adapter.DefaultPersona())
	gt.NoError(t, err)

	var b strings.Builder
	for fragment, err := range claude.Stream(context.Background(), nil, "Reply with the single word: pong") {
		gt.NoError(t, err)
		b.WriteString(fragment)
	}
	gt.S(t, strings.ToLower(b.String())).Contains("pong")
}
