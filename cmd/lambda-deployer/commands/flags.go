package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/savaki/lambda-deployer/internal/config"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/savaki/lambda-deployer/internal/models"
	"github.com/savaki/lambda-deployer/internal/pipeline"
	"github.com/urfave/cli/v2"
)

const (
	flagWorkspace       = "workspace"
	flagConfig          = "config"
	flagEventPath       = "event-path"
	flagRef             = "ref"
	flagSHA             = "sha"
	flagRegion          = "region"
	flagProfile         = "profile"
	flagAccessKeyID     = "aws-access-key-id"
	flagSecretAccessKey = "aws-secret-access-key"
	flagSessionToken    = "aws-session-token"
	flagAccountID       = "account-id"
	flagRunsTable       = "runs-table"
	flagJSON            = "json"
)

// workspaceFlags locate the checkout and the pipeline file
func workspaceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagWorkspace,
			Aliases: []string{"w"},
			Usage:   "Repository checkout the pipeline runs in",
			Value:   ".",
			EnvVars: []string{"GITHUB_WORKSPACE"},
		},
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "Pipeline file, relative to the workspace (optional unless set)",
			Value:   config.DefaultPath,
			EnvVars: []string{"LAMBDA_DEPLOYER_CONFIG"},
		},
	}
}

// eventFlags describe the push being built
func eventFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagEventPath,
			Usage:   "Push webhook payload written by the CI runner",
			EnvVars: []string{"GITHUB_EVENT_PATH"},
		},
		&cli.StringFlag{
			Name:  flagRef,
			Usage: "Branch or refs/heads/<branch>, overrides GITHUB_REF",
		},
		&cli.StringFlag{
			Name:  flagSHA,
			Usage: "Commit to build, overrides GITHUB_SHA",
		},
	}
}

// awsFlags select the account and credentials
func awsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagRegion,
			Usage:   "AWS region, defaults to the pipeline file's region",
			EnvVars: []string{"AWS_REGION", "AWS_DEFAULT_REGION"},
		},
		&cli.StringFlag{
			Name:    flagProfile,
			Usage:   "Shared config profile",
			EnvVars: []string{"AWS_PROFILE"},
		},
		&cli.StringFlag{
			Name:    flagAccessKeyID,
			Usage:   "Static access key id, the default credential chain is used when empty",
			EnvVars: []string{"AWS_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    flagSecretAccessKey,
			Usage:   "Static secret access key",
			EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
		},
		&cli.StringFlag{
			Name:    flagSessionToken,
			Usage:   "Session token for temporary credentials",
			EnvVars: []string{"AWS_SESSION_TOKEN"},
		},
		&cli.StringFlag{
			Name:    flagAccountID,
			Usage:   "AWS account id, looked up with STS when empty",
			EnvVars: []string{"AWS_ACCOUNT_ID"},
		},
		&cli.StringFlag{
			Name:    flagRunsTable,
			Usage:   "DynamoDB table for run history, overrides deploy.runs_table",
			EnvVars: []string{"LAMBDA_DEPLOYER_RUNS_TABLE"},
		},
	}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	return slices.Concat(groups...)
}

// environment is everything a command needs to start a run
type environment struct {
	workspace string
	cfg       *config.Config
	settings  di.Settings
	container di.Container
}

// loadEnvironment reads the pipeline file and prepares the container. Nothing
// here calls AWS.
func loadEnvironment(c *cli.Context) (*environment, error) {
	workspace, err := filepath.Abs(c.String(flagWorkspace))
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}

	path := c.String(flagConfig)
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	cfg, err := config.Load(path, c.IsSet(flagConfig))
	if err != nil {
		return nil, err
	}

	settings := newSettings(c, cfg, workspace)
	container, err := di.New(settings, di.WithContext(c.Context))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	return &environment{
		workspace: workspace,
		cfg:       cfg,
		settings:  settings,
		container: container,
	}, nil
}

func newSettings(c *cli.Context, cfg *config.Config, workspace string) di.Settings {
	settings := di.Settings{
		Region:          c.String(flagRegion),
		Profile:         c.String(flagProfile),
		AccessKeyID:     c.String(flagAccessKeyID),
		SecretAccessKey: c.String(flagSecretAccessKey),
		SessionToken:    c.String(flagSessionToken),
		Workspace:       workspace,
		RunsTable:       c.String(flagRunsTable),
	}
	if settings.Region == "" {
		settings.Region = cfg.Region
	}
	if settings.RunsTable == "" {
		settings.RunsTable = cfg.Deploy.RunsTable
	}
	return settings
}

// loadEvent reads the push from the CI runner, letting --ref and --sha
// override it for local runs
func loadEvent(c *cli.Context) (models.PushEvent, error) {
	getenv := func(key string) string {
		switch {
		case key == "GITHUB_REF" && c.String(flagRef) != "":
			return c.String(flagRef)
		case key == "GITHUB_SHA" && c.String(flagSHA) != "":
			return c.String(flagSHA)
		}
		return os.Getenv(key)
	}

	eventPath := c.String(flagEventPath)
	if c.String(flagRef) != "" || c.String(flagSHA) != "" {
		// explicit values win over the payload
		eventPath = ""
	}
	return models.LoadPushEvent(getenv, eventPath)
}

// newRun creates the per-run context for event
func (e *environment) newRun(event models.PushEvent) *pipeline.Context {
	return pipeline.NewContext(event, e.workspace)
}
