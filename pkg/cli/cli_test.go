package cli_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/parley/pkg/cli"
)

func TestRunConversationsOnMemoryStore(t *testing.T) {
	err := cli.Run(context.Background(), []string{"parley", "conversations", "--store", "memory", "--user-id", "alice"})
	gt.True(t, err == nil)
}

func TestRunUnknownStore(t *testing.T) {
	err := cli.Run(context.Background(), []string{"parley", "conversations", "--store", "bogus", "--user-id", "alice"})
	gt.True(t, err != nil)
	gt.Equal(t, err.Code, 1)
	gt.S(t, err.Message).Contains("unknown store")
}

func TestRunHistoryOfMissingConversation(t *testing.T) {
	err := cli.Run(context.Background(), []string{"parley", "history", "--store", "memory", "--user-id", "alice", "--conversation-id", "nope"})
	gt.True(t, err != nil)
	gt.S(t, err.Message).Contains("not found")
}
