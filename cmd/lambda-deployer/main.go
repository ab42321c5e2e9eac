package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/cmd/lambda-deployer/commands"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger(zerolog.DebugLevel)
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "lambda-deployer",
		Usage: "Test, build and deploy container image Lambda functions from CI",
		Description: `A CI tool for repositories that ship a container image Lambda function.

This tool provides commands for:
  - Running the test pipeline for a push
  - Building, pushing and deploying the image for a push
  - Previewing which steps a push would run
  - Preparing the ECR repositories and CI permissions in an account
  - Inspecting the run history`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			commands.TestCommand(),
			commands.DeployCommand(),
			commands.PlanCommand(),
			commands.SetupCommand(),
			commands.RunsCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
