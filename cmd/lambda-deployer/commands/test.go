package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/dao/rundao"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/savaki/lambda-deployer/internal/secrets"
	"github.com/savaki/lambda-deployer/internal/services"
	"github.com/savaki/lambda-deployer/internal/testpipeline"
	"github.com/urfave/cli/v2"
)

// TestCommand returns the command that runs the test pipeline for the current push
func TestCommand() *cli.Command {
	return &cli.Command{
		Name:  "test",
		Usage: "Run the test pipeline for the current push",
		Description: `Check out the pushed commit, verify the language runtime, install the
test dependencies and run the test command.

Pushes to the production branch are skipped unless test.branches selects them.
Secrets listed in test.secrets are read from the environment; values of the
form ssm:<path> or secretsmanager:<id> are dereferenced first.`,
		Flags:  withFlags(workspaceFlags(), eventFlags(), awsFlags()),
		Action: testAction,
	}
}

func testAction(c *cli.Context) error {
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

	h, err := env.history()
	if err != nil {
		return err
	}

	pc := env.newRun(event)
	logger.Info().
		Str("branch", event.Branch).
		Str("sha", event.SHA).
		Str("run_id", pc.RunID).
		Msg("Starting test pipeline")

	h.start(ctx, testpipeline.Name, pc)
	result := testpipeline.New(env.cfg, resolver).Run(ctx, pc)
	h.finish(ctx, result, pc)

	printResult(result)
	return result.Err()
}

// history wires run history and report upload when they are configured
func (e *environment) history() (*history, error) {
	var (
		dao   *rundao.DAO
		store *services.ArtifactStore
	)
	if e.settings.RunsTable != "" {
		v, err := di.Get[*rundao.DAO](e.container)
		if err != nil {
			return nil, fmt.Errorf("failed to create run history: %w", err)
		}
		dao = v
	}
	if e.cfg.Deploy.ReportBucket != "" {
		v, err := di.Get[*services.ArtifactStore](e.container)
		if err != nil {
			return nil, fmt.Errorf("failed to create report store: %w", err)
		}
		store = v
	}
	return newHistory(dao, store, e.cfg.Deploy.ReportBucket), nil
}
