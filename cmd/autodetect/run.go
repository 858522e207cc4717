package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/covault/autodetect/internal/daemon"
	"github.com/covault/autodetect/internal/plugins"
	"github.com/covault/autodetect/pkg/client"
	"github.com/covault/autodetect/pkg/config"
	"github.com/covault/autodetect/pkg/detect"
	"github.com/covault/autodetect/pkg/server"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the detection daemon",
		Long: `Start the configured source, detection listener and sink. When HTTP_ADDR is
set the flag API is served alongside; the webhook source requires it.

The daemon stops on SIGINT/SIGTERM, or once a finite source (stdin, mbox)
is exhausted and the sink has flushed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := newEngine(cfg, repo)
	registry := plugins.Default()
	deps := plugins.Deps{Config: cfg, Stdin: os.Stdin, Logger: logger}

	if cfg.NeedsGoogle() {
		scopes, err := registry.Scopes(cfg.Source, cfg.Sink)
		if err != nil {
			return err
		}
		deps.HTTPClient, err = client.New(authConfig(cfg), logger).HTTPClient(ctx, scopes...)
		if err != nil {
			return fmt.Errorf("creating google client: %w", err)
		}
	}

	var srv *server.Server
	if cfg.HTTPAddr != "" {
		srv = server.New(eng.workflow, server.Config{
			Addr:         cfg.HTTPAddr,
			AcceptEvents: cfg.Source == "webhook",
		}, logger)
		deps.Server = srv
	}

	listener := detect.New(eng.rules,
		detect.StaticSession{ID: cfg.UserID, Name: cfg.UserName},
		detect.Config{RuleTimeout: cfg.RuleTimeout},
		logger.With("component", "listener"),
	)
	runner := daemon.New(registry, listener, logger.With("component", "daemon"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx, deps)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

func authConfig(cfg config.Config) client.Config {
	return client.Config{
		SecretFile:  cfg.ClientSecretFile,
		TokenFile:   cfg.TokenFile,
		OpenBrowser: true,
	}
}
