package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/savaki/lambda-deployer/internal/dao/rundao"
	"github.com/savaki/lambda-deployer/internal/deploypipeline"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/urfave/cli/v2"
)

const (
	flagPipeline = "pipeline"
	flagBranch   = "branch"
	flagLimit    = "limit"
)

// RunLister is the subset of rundao.DAO used to read run history
type RunLister interface {
	Query(ctx context.Context, pipeline, branch string) ([]rundao.Record, error)
	QueryLatest(ctx context.Context, pipeline string) ([]rundao.Record, error)
}

// RunsCommand returns the command group for run history
func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Inspect pipeline run history",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent runs",
				Description: `Without --branch, list the latest run of every branch. With --branch,
list the runs of that branch, newest first.

Requires a run history table (deploy.runs_table or --runs-table).`,
				Flags: withFlags(workspaceFlags(), awsFlags(), []cli.Flag{
					&cli.StringFlag{
						Name:    flagPipeline,
						Aliases: []string{"p"},
						Usage:   "Pipeline name (test or deploy)",
						Value:   deploypipeline.Name,
					},
					&cli.StringFlag{
						Name:    flagBranch,
						Aliases: []string{"b"},
						Usage:   "Only list runs of this branch",
					},
					&cli.IntFlag{
						Name:  flagLimit,
						Usage: "Maximum number of runs to print",
						Value: 20,
					},
					&cli.BoolFlag{
						Name:  flagJSON,
						Usage: "Print runs as JSON",
					},
				}),
				Action: listRunsAction,
			},
		},
	}
}

func listRunsAction(c *cli.Context) error {
	env, err := loadEnvironment(c)
	if err != nil {
		return err
	}
	if env.settings.RunsTable == "" {
		return fmt.Errorf("no run history table configured, set deploy.runs_table or --%s", flagRunsTable)
	}

	dao, err := di.Get[*rundao.DAO](env.container)
	if err != nil {
		return fmt.Errorf("failed to create run history: %w", err)
	}

	records, err := listRuns(c.Context, dao, c.String(flagPipeline), c.String(flagBranch), c.Int(flagLimit))
	if err != nil {
		return err
	}

	if c.Bool(flagJSON) {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printRuns(c.String(flagPipeline), records)
	return nil
}

func listRuns(ctx context.Context, lister RunLister, pipeline, branch string, limit int) ([]rundao.Record, error) {
	var (
		records []rundao.Record
		err     error
	)
	if branch != "" {
		records, err = lister.Query(ctx, pipeline, branch)
	} else {
		records, err = lister.QueryLatest(ctx, pipeline)
	}
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func printRuns(pipeline string, records []rundao.Record) {
	if len(records) == 0 {
		fmt.Printf("No %s runs recorded\n", pipeline)
		return
	}

	fmt.Println()
	fmt.Printf("%-30s %-8s %-12s %-20s %s\n", "BRANCH", "SHA", "STATUS", "STARTED", "RUN")
	fmt.Println(strings.Repeat("=", 100))
	for _, r := range records {
		started := time.Unix(r.CreatedAt, 0).UTC().Format("2006-01-02 15:04:05")
		fmt.Printf("%-30s %-8s %-12s %-20s %s\n", r.Branch, shortSHA(r.SHA), r.Status, started, r.SK)
		if r.ErrorMsg != nil {
			fmt.Printf("  %s\n", *r.ErrorMsg)
		}
	}
}
