package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/parley/pkg/usecase/conversation"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func conversationsCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "Owner of the conversations",
			Sources:     cli.EnvVars("PARLEY_USER_ID"),
			Destination: &userID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "conversations",
		Usage: "List conversations of a user, most recently active first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger(nil)
			ctx = logging.With(ctx, logging.Default())

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			convs, err := conversation.New(repo).List(ctx, userID)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(convs) == 0 {
				fmt.Fprintf(w, "No conversations found for %s\n", userID)
				return nil
			}
			for _, conv := range convs {
				pinned := " "
				if conv.IsPinned {
					pinned = "*"
				}
				fmt.Fprintf(w, "%s %s\t%s\t%d messages\t%s\n",
					pinned,
					conv.ID,
					conv.Title,
					conv.MessageCount,
					conv.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return nil
		},
	}
}
