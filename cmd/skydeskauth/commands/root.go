package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/hllvc/skydesk-auth/internal/app"
	"github.com/hllvc/skydesk-auth/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "skydeskauth",
		Usage: "SkyDesk OAuth token tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "provider--region",
				Usage: "SkyDesk region (us|eu|in|cn|au|jp)",
				Value: app.DefaultConfigRegion,
			},
			&cli.StringFlag{
				Name:  "provider--client-id",
				Usage: "OAuth client id",
			},
			&cli.StringFlag{
				Name:  "provider--client-secret",
				Usage: "OAuth client secret",
			},
			&cli.StringFlag{
				Name:  "provider--scopes",
				Usage: "comma-separated OAuth scopes",
			},
			&cli.StringFlag{
				Name:  "provider--redirect-url",
				Usage: "registered redirect URL",
				Value: app.DefaultConfigRedirectURL,
			},
			&cli.StringFlag{
				Name:  "provider--mode",
				Usage: "flow mode (offline|online)",
				Value: string(app.DefaultConfigMode),
			},
			&cli.StringFlag{
				Name:  "store--backend",
				Usage: "token store backend (memory|file|keyring|env)",
				Value: string(app.DefaultConfigStoreBackend),
			},
			&cli.StringFlag{
				Name:  "store--file",
				Usage: "token store file path (file backend)",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			tokenCommand(),
			refreshCommand(),
			revokeCommand(),
			regionsCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// setup loads the configuration, installs the logging pipeline, and builds
// the application. Shared by every subcommand action. Mutators run on the
// loaded config before the app is constructed (e.g. interactive secret entry).
func setup(ctx context.Context, cmd *cli.Command, mutators ...func(*app.Config) error) (*app.App, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, mutate := range mutators {
		if err := mutate(cfg); err != nil {
			return nil, err
		}
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return application, nil
}
