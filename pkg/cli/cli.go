package cli

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "parley",
		Usage: "Authenticated streaming chat backend with conversation memory",
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			historyCommand(),
			conversationsCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
