package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/usecase/conversation"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg            config
		userID         string
		conversationID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "Owner of the conversation",
			Sources:     cli.EnvVars("PARLEY_USER_ID"),
			Destination: &userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "conversation-id",
			Aliases:     []string{"c"},
			Usage:       "Conversation to print",
			Destination: &conversationID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Print the messages of a conversation in order",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger(nil)
			ctx = logging.With(ctx, logging.Default())

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			msgs, err := conversation.New(repo).Messages(ctx, model.ConversationID(conversationID), userID)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(msgs) == 0 {
				fmt.Fprintf(w, "No messages in conversation %s\n", conversationID)
				return nil
			}
			for _, msg := range msgs {
				fmt.Fprintf(w, "[%s] %s: %s\n",
					msg.Timestamp.Format("2006-01-02 15:04:05"),
					msg.Role,
					msg.Content,
				)
			}
			return nil
		},
	}
}
