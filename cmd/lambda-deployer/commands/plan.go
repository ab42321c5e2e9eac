package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/savaki/lambda-deployer/internal/deploypipeline"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/savaki/lambda-deployer/internal/secrets"
	"github.com/savaki/lambda-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

// PlanCommand returns the command that previews a run without side effects
func PlanCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the deployment variables and the steps that would run",
		Description: `Resolve the branch-conditional deployment variables for the current push and
evaluate every step condition as if all earlier steps succeed.

Nothing is built, pushed or deployed. The account id is read from --account-id
or looked up with STS. Webhook URLs are masked.`,
		Flags: withFlags(workspaceFlags(), eventFlags(), awsFlags(), []cli.Flag{
			&cli.BoolFlag{
				Name:  flagJSON,
				Usage: "Print the plan as JSON",
			},
		}),
		Action: planAction,
	}
}

// planOutput is the document printed by plan --json
type planOutput struct {
	Branch  string               `json:"branch"`
	SHA     string               `json:"sha"`
	Test    bool                 `json:"test"`
	Deploy  *deploypipeline.Plan `json:"deploy"`
	Webhook string               `json:"webhook,omitempty"`
}

func planAction(c *cli.Context) error {
	ctx := c.Context

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

	accountID := c.String(flagAccountID)
	if accountID == "" {
		identity, err := di.Get[*services.IdentityService](env.container)
		if err != nil {
			return err
		}
		if accountID, err = identity.AccountID(ctx); err != nil {
			return err
		}
	}

	runner := deploypipeline.New(env.cfg, deploypipeline.Dependencies{Secrets: resolver})
	plan, err := runner.Plan(ctx, env.newRun(event), accountID, env.settings.Region)
	if err != nil {
		return err
	}

	out := planOutput{
		Branch:  event.Branch,
		SHA:     event.SHA,
		Test:    env.cfg.TestTrigger().Matches(event.Branch),
		Deploy:  plan,
		Webhook: plan.Variables.MaskedWebhook(),
	}

	if c.Bool(flagJSON) {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	printPlan(out)
	return nil
}

func printPlan(out planOutput) {
	vars := out.Deploy.Variables

	fmt.Println()
	fmt.Printf("Push %s (%s)\n", out.Branch, shortSHA(out.SHA))
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Test pipeline:   %s\n", runsOrSkipped(out.Test))
	fmt.Printf("Deploy pipeline: %s\n", runsOrSkipped(out.Deploy.Triggered))
	fmt.Println()
	fmt.Printf("Environment:     %s\n", vars.Environment)
	fmt.Printf("Image:           %s\n", vars.ImageURI)
	fmt.Printf("Function:        %s\n", vars.FunctionName)
	if vars.FunctionARN != "" {
		fmt.Printf("Function ARN:    %s\n", vars.FunctionARN)
	}
	fmt.Printf("Webhook:         %s\n", out.Webhook)
	fmt.Println()
	fmt.Println("Deploy steps:")
	for _, step := range out.Deploy.Steps {
		condition := ""
		if step.If != "" {
			condition = "if " + step.If
		}
		fmt.Printf("  %-28s %-8s %s\n", step.Name, runsOrSkipped(step.Runs), condition)
	}
}

func runsOrSkipped(runs bool) string {
	if runs {
		return "runs"
	}
	return "skipped"
}
