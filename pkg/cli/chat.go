package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/auth"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/usecase/chat"
	"github.com/m-mizutani/parley/pkg/usecase/conversation"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg            config
		userID         string
		conversationID string
		title          string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "UID to act as",
			Sources:     cli.EnvVars("PARLEY_USER_ID"),
			Destination: &userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "conversation-id",
			Aliases:     []string{"c"},
			Usage:       "Conversation to continue (a new one is created if omitted)",
			Destination: &conversationID,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Title of a newly created conversation",
			Destination: &title,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies screening chat messages (data.chat.deny)",
			Sources:     cli.EnvVars("PARLEY_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat interactively in a conversation as the given user",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger(nil)
			ctx = logging.With(ctx, logging.Default())

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			llm, err := cfg.newLLM(ctx)
			if err != nil {
				return err
			}

			id := model.ConversationID(conversationID)
			if id == "" {
				conv, err := conversation.New(repo).Create(ctx, userID, title)
				if err != nil {
					return err
				}
				id = conv.ID
			}

			opts := []chat.Option{chat.WithLoadTimeout(cfg.storeTimeout)}
			admission, err := cfg.newAdmission(ctx)
			if err != nil {
				return err
			}
			if admission != nil {
				opts = append(opts, chat.WithAdmission(admission))
			}

			orchestrator := chat.New(auth.NewStatic(model.Identity{UID: userID}), repo, llm, opts...)

			return chatLoop(ctx, c.Root().Writer, orchestrator, id)
		},
	}
}

func chatLoop(ctx context.Context, w io.Writer, orchestrator *chat.Orchestrator, id model.ConversationID) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to initialize readline")
	}
	defer rl.Close()

	fmt.Fprintf(w, "Conversation %s. Type 'exit' to quit.\n", id)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		message := strings.TrimSpace(line)
		if message == "" {
			continue
		}
		if message == "exit" {
			break
		}

		if err := sendTurn(ctx, w, orchestrator, id, message); err != nil {
			if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrUnauthenticated) {
				return err
			}
			fmt.Fprintf(w, "\n(error: %v)\n", err)
		}
	}

	fmt.Fprintf(w, "Chat session completed\n")
	return nil
}

func sendTurn(ctx context.Context, w io.Writer, orchestrator *chat.Orchestrator, id model.ConversationID, message string) error {
	turn, err := orchestrator.Begin(ctx, "", chat.SendInput{ConversationID: id, Message: message})
	if err != nil {
		return err
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	spin.Suffix = " thinking..."
	spin.Start()
	waiting := true

	err = turn.Stream(ctx, func(fragment string) error {
		if waiting {
			spin.Stop()
			waiting = false
		}
		_, err := fmt.Fprint(w, fragment)
		return err
	})
	if waiting {
		spin.Stop()
	}
	fmt.Fprintln(w)
	return err
}
