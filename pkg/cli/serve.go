package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/adapter"
	"github.com/m-mizutani/parley/pkg/auth"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/m-mizutani/parley/pkg/server"
	"github.com/m-mizutani/parley/pkg/usecase/account"
	"github.com/m-mizutani/parley/pkg/usecase/chat"
	"github.com/m-mizutani/parley/pkg/usecase/conversation"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type serveConfig struct {
	addr           string
	jwksURL        string
	corsOrigins    []string
	archiveBucket  string
	keepalive      time.Duration
	redisURL       string
	turnLockExpiry time.Duration
}

func serveCommand() *cli.Command {
	var (
		cfg   config
		serve serveConfig
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       ":8080",
			Sources:     cli.EnvVars("PARLEY_ADDR"),
			Destination: &serve.addr,
		},
		&cli.StringFlag{
			Name:        "jwks-url",
			Usage:       "JWKS endpoint of the identity token issuer",
			Value:       auth.GoogleSecureTokenJWKSURL,
			Sources:     cli.EnvVars("PARLEY_JWKS_URL"),
			Destination: &serve.jwksURL,
		},
		&cli.StringSliceFlag{
			Name:        "cors-origins",
			Usage:       "Allowed CORS origins",
			Value:       []string{"http://localhost:8501", "http://localhost"},
			Sources:     cli.EnvVars("PARLEY_CORS_ORIGINS"),
			Destination: &serve.corsOrigins,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket receiving transcripts of deleted conversations",
			Sources:     cli.EnvVars("PARLEY_ARCHIVE_BUCKET"),
			Destination: &serve.archiveBucket,
		},
		&cli.DurationFlag{
			Name:        "keepalive",
			Usage:       "Interval of SSE keepalive comments (0 disables)",
			Value:       10 * time.Second,
			Sources:     cli.EnvVars("PARLEY_SSE_KEEPALIVE"),
			Destination: &serve.keepalive,
		},
		&cli.StringFlag{
			Name:        "turn-lock-redis",
			Usage:       "Redis URL enabling per-conversation turn serialization",
			Sources:     cli.EnvVars("PARLEY_TURN_LOCK_REDIS"),
			Destination: &serve.redisURL,
		},
		&cli.DurationFlag{
			Name:        "turn-lock-expiry",
			Usage:       "Expiry of a turn lock held by a crashed process",
			Value:       2 * time.Minute,
			Sources:     cli.EnvVars("PARLEY_TURN_LOCK_EXPIRY"),
			Destination: &serve.turnLockExpiry,
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
		Name:  "serve",
		Usage: "Run the HTTP API server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger(nil)
			logger := logging.Default()
			ctx = logging.With(ctx, logger)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, cleanup, err := buildServer(ctx, &cfg, &serve)
			if err != nil {
				return err
			}
			defer cleanup()

			httpServer := &http.Server{
				Addr:              serve.addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext: func(net.Listener) context.Context {
					return context.WithoutCancel(ctx)
				},
			}

			var eg errgroup.Group
			eg.Go(func() error {
				logger.Info("server started", "addr", serve.addr, "store", cfg.store, "llm", cfg.llm)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return goerr.Wrap(err, "server stopped unexpectedly")
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down server")

				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shutdown server")
				}
				return nil
			})

			return eg.Wait()
		},
	}
}

// buildServer wires every collaborator of the HTTP server
func buildServer(ctx context.Context, cfg *config, serve *serveConfig) (*server.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*server.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	repo, closeRepo, err := cfg.newRepository(ctx)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRepo)

	llm, err := cfg.newLLM(ctx)
	if err != nil {
		return fail(err)
	}

	if cfg.project == "" {
		return fail(goerr.New("project is required for identity verification"))
	}
	admin, err := adapter.NewFirebase(ctx, cfg.project)
	if err != nil {
		return fail(err)
	}
	resolver, err := auth.NewFirebaseVerifier(ctx, cfg.project, serve.jwksURL, auth.WithRevocationCheck(admin))
	if err != nil {
		return fail(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	chatOpts := []chat.Option{
		chat.WithLoadTimeout(cfg.storeTimeout),
		chat.WithMetrics(m),
	}
	admission, err := cfg.newAdmission(ctx)
	if err != nil {
		return fail(err)
	}
	if admission != nil {
		chatOpts = append(chatOpts, chat.WithAdmission(admission))
	}
	if serve.redisURL != "" {
		lock, err := adapter.NewRedisTurnLock(ctx, serve.redisURL, adapter.WithTurnLockExpiry(serve.turnLockExpiry))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = lock.Close() })
		chatOpts = append(chatOpts, chat.WithTurnLock(lock))
	}

	var convOpts []conversation.Option
	if serve.archiveBucket != "" {
		archive, err := adapter.NewArchive(ctx, serve.archiveBucket)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = archive.Close() })
		convOpts = append(convOpts, conversation.WithArchive(archive))
	}

	srv := server.New(
		resolver,
		chat.New(resolver, repo, llm, chatOpts...),
		conversation.New(repo, convOpts...),
		server.WithAccount(account.New(admin, repo)),
		server.WithMetrics(m),
		server.WithKeepalive(serve.keepalive),
		server.WithCORSOrigins(serve.corsOrigins),
	)
	return srv, cleanup, nil
}
