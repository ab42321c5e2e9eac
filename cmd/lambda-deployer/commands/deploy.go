package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/deploypipeline"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/savaki/lambda-deployer/internal/secrets"
	"github.com/savaki/lambda-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

// DeployCommand returns the command that runs the deploy pipeline for the current push
func DeployCommand() *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "Build, push and deploy the image for the current push",
		Description: `Build the container image for the pushed commit, push it to ECR tagged with
the commit SHA and point the Lambda function at it.

Pushes to the production branch use the production secrets and also deploy the
CloudFormation stack configured under deploy.stack; every other branch uses the
staging secrets. A webhook message reports success or failure either way.

The Docker daemon is located through DOCKER_HOST and related variables.`,
		Flags:  withFlags(workspaceFlags(), eventFlags(), awsFlags()),
		Action: deployAction,
	}
}

func deployAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)

	env, err := loadEnvironment(c)
	if err != nil {
		return err
	}
	event, err := loadEvent(c)
	if err != nil {
		return err
	}

	resolver, err := di.Get[*secrets.Resolver](env.container)
	if err != nil {
		return fmt.Errorf("failed to create secret resolver: %w", err)
	}
	notifier, err := di.Get[*services.Notifier](env.container)
	if err != nil {
		return err
	}

	images, closeDocker, err := services.NewImageBuilder()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDocker(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Docker client")
		}
	}()

	h, err := env.history()
	if err != nil {
		return err
	}

	runner := deploypipeline.New(env.cfg, deploypipeline.Dependencies{
		Connect:   di.Connect(env.container),
		Images:    images,
		Notifier:  notifier,
		Secrets:   resolver,
		AccountID: c.String(flagAccountID),
	})

	pc := env.newRun(event)
	logger.Info().
		Str("branch", event.Branch).
		Str("sha", event.SHA).
		Str("run_id", pc.RunID).
		Bool("production", env.cfg.IsProduction(event.Branch)).
		Msg("Starting deploy pipeline")

	h.start(ctx, deploypipeline.Name, pc)
	result := runner.Run(ctx, pc)
	h.finish(ctx, result, pc)

	printResult(result)
	return result.Err()
}
