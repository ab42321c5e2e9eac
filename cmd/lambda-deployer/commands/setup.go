package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/config"
	"github.com/savaki/lambda-deployer/internal/di"
	"github.com/savaki/lambda-deployer/internal/secrets"
	"github.com/savaki/lambda-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

const (
	flagRepository  = "ecr-repository"
	flagFunction    = "function"
	flagRoleName    = "role-name"
	flagUserName    = "user-name"
	flagGitHubRepo  = "github-repo"
	flagCreateUser  = "create-user"
	flagDryRun      = "dry-run"
	flagSkipGrant   = "skip-grant"
	defaultUserName = "lambda-deployer"
)

// SetupCommand returns the command that prepares an account for deploys
func SetupCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create the ECR repositories and grant a CI principal deploy permissions",
		Description: `Create the ECR repositories for the production and staging environments with
scan-on-push and tag immutability. Lambda may always pull from them; if the
account belongs to an organization, org-wide read permissions are added too.

Repository and function names are read from the deploy secrets named in the
pipeline file unless given with --ecr-repository and --function.

The deploy policy is attached to --role-name or --user-name. With --github-repo
the role is created (or its trust policy updated) for GitHub Actions OIDC.
With --create-user a dedicated IAM user and access key are created instead.`,
		Flags: withFlags(workspaceFlags(), awsFlags(), []cli.Flag{
			&cli.StringSliceFlag{
				Name:    flagRepository,
				Aliases: []string{"e"},
				Usage:   "ECR repository name(s), defaults to the repository secrets",
			},
			&cli.StringSliceFlag{
				Name:  flagFunction,
				Usage: "Lambda function name(s), defaults to the function secrets",
			},
			&cli.StringFlag{
				Name:    flagRoleName,
				Aliases: []string{"n"},
				Usage:   "IAM role to grant deploy permissions",
				EnvVars: []string{"LAMBDA_DEPLOYER_ROLE_NAME"},
			},
			&cli.StringFlag{
				Name:  flagUserName,
				Usage: "IAM user to grant deploy permissions",
			},
			&cli.StringFlag{
				Name:    flagGitHubRepo,
				Aliases: []string{"r"},
				Usage:   "Repository in format 'owner/repo' allowed to assume the role through OIDC",
				EnvVars: []string{"GITHUB_REPOSITORY"},
			},
			&cli.BoolFlag{
				Name:  flagCreateUser,
				Usage: "Create an IAM user with an access key for runners without OIDC",
			},
			&cli.BoolFlag{
				Name:  flagSkipGrant,
				Usage: "Only create the repositories",
			},
			&cli.BoolFlag{
				Name:  flagDryRun,
				Usage: "Show what would be created without creating resources",
			},
		}),
		Action: setupAction,
	}
}

// setupTargets lists the repositories and functions both environments deploy to
type setupTargets struct {
	Repositories []string
	Functions    []string
}

// resolveSetupTargets prefers explicit names and falls back to the secrets
// named by the production and staging environment blocks. Unset secrets are
// skipped.
func resolveSetupTargets(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, repositories, functions []string) (setupTargets, error) {
	targets := setupTargets{
		Repositories: repositories,
		Functions:    functions,
	}

	envs := []config.Environment{cfg.Deploy.Production, cfg.Deploy.Staging}
	if len(targets.Repositories) == 0 {
		for _, env := range envs {
			name, ok, err := resolver.Lookup(ctx, env.RepositorySecret)
			if err != nil {
				return setupTargets{}, err
			}
			if ok {
				targets.Repositories = appendUnique(targets.Repositories, name)
			}
		}
	}
	if len(targets.Functions) == 0 {
		for _, env := range envs {
			name, ok, err := resolver.Lookup(ctx, env.FunctionSecretName())
			if err != nil {
				return setupTargets{}, err
			}
			if ok {
				targets.Functions = appendUnique(targets.Functions, name)
			}
		}
	}

	if len(targets.Repositories) == 0 {
		return setupTargets{}, fmt.Errorf("no ECR repositories given and secrets %s, %s are unset",
			cfg.Deploy.Production.RepositorySecret, cfg.Deploy.Staging.RepositorySecret)
	}
	return targets, nil
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

// deployPolicy is the policy granted to the CI principal
func deployPolicy(cfg *config.Config, accountID, region string, targets setupTargets) services.DeployPolicy {
	policy := services.DeployPolicy{
		AccountID:    accountID,
		Region:       region,
		Repositories: targets.Repositories,
		Functions:    targets.Functions,
		ReportBucket: cfg.Deploy.ReportBucket,
		RunsTable:    cfg.Deploy.RunsTable,
	}
	if cfg.Deploy.Stack != nil {
		policy.Stacks = []string{cfg.Deploy.Stack.Name}
	}
	return policy
}

// defaultRoleName is github-{repo} for owner/repo
func defaultRoleName(githubRepo string) string {
	_, name, ok := strings.Cut(githubRepo, "/")
	if !ok {
		name = githubRepo
	}
	return "github-" + name
}

func setupAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)

	env, err := loadEnvironment(c)
	if err != nil {
		return err
	}
	resolver, err := di.Get[*secrets.Resolver](env.container)
	if err != nil {
		return fmt.Errorf("failed to create secret resolver: %w", err)
	}

	targets, err := resolveSetupTargets(ctx, env.cfg, resolver, c.StringSlice(flagRepository), c.StringSlice(flagFunction))
	if err != nil {
		return err
	}

	githubRepo := c.String(flagGitHubRepo)
	roleName := c.String(flagRoleName)
	if roleName == "" && githubRepo != "" && !c.Bool(flagCreateUser) {
		roleName = defaultRoleName(githubRepo)
	}
	userName := c.String(flagUserName)
	if c.Bool(flagCreateUser) && userName == "" {
		userName = defaultUserName
	}

	region := env.settings.Region
	accountID := c.String(flagAccountID)

	if c.Bool(flagDryRun) {
		return printSetupDryRun(env.cfg, accountID, region, targets, roleName, userName)
	}

	identity, err := di.Get[*services.IdentityService](env.container)
	if err != nil {
		return err
	}
	if accountID == "" {
		if accountID, err = identity.AccountID(ctx); err != nil {
			return err
		}
	}

	ecrService, err := di.Get[*services.ECRService](env.container)
	if err != nil {
		return err
	}
	result, err := createECRRepositories(ctx, ecrService, targets.Repositories)
	if err != nil {
		return err
	}

	// Summary
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("ECR Setup Complete!")
	fmt.Println("========================================")
	fmt.Printf("Region:        %s\n", region)
	fmt.Printf("Account:       %s\n", accountID)
	fmt.Printf("Repositories:  %d\n", len(result.Repositories))
	for _, repo := range result.Repositories {
		fmt.Printf("  %s\n", repo.URI)
	}
	fmt.Println()
	fmt.Println("Features enabled:")
	fmt.Println("  ✓ Scan on push")
	fmt.Println("  ✓ Tag immutability")
	fmt.Println("  ✓ Lambda image pulls")
	if result.OrganizationID != "" {
		fmt.Printf("  ✓ Org-wide read permissions (%s)\n", result.OrganizationID)
	}

	if c.Bool(flagSkipGrant) {
		return nil
	}

	iamService, err := di.Get[*services.IAMService](env.container)
	if err != nil {
		return err
	}

	principal := services.Principal{RoleName: roleName, UserName: userName}
	switch {
	case c.Bool(flagCreateUser):
		creds, err := iamService.CreateDeployUser(ctx, userName)
		if err != nil {
			return err
		}
		principal = services.Principal{UserName: userName}
		defer printAccessKey(userName, creds)
	case githubRepo != "" && roleName != "":
		roleARN, err := iamService.EnsureGitHubRole(ctx, accountID, roleName, githubRepo)
		if err != nil {
			return err
		}
		logger.Info().Str("role_arn", roleARN).Msg("GitHub OIDC role ready")
		fmt.Println()
		fmt.Printf("GitHub Actions role: %s\n", roleARN)
	case roleName == "" && userName == "":
		logger.Warn().Msg("No role or user given, skipping deploy permissions")
		return nil
	}

	policy := deployPolicy(env.cfg, accountID, region, targets)
	if err := iamService.GrantDeployPermissions(ctx, principal, policy); err != nil {
		return err
	}
	fmt.Printf("  ✓ Deploy permissions granted to %s%s\n", principal.RoleName, principal.UserName)
	return nil
}

func printSetupDryRun(cfg *config.Config, accountID, region string, targets setupTargets, roleName, userName string) error {
	fmt.Println("DRY RUN: Would create the following ECR repositories:")
	for _, name := range targets.Repositories {
		fmt.Printf("  - %s (region: %s)\n", name, region)
	}
	fmt.Println("DRY RUN: Would enable scan on push, tag immutability and Lambda image pulls")
	fmt.Println("DRY RUN: Would check for AWS Organization and set org-wide read permissions if applicable")

	if roleName == "" && userName == "" {
		return nil
	}
	if accountID == "" {
		accountID = "<account>"
	}
	document, err := services.DeployPolicyDocument(deployPolicy(cfg, accountID, region, targets))
	if err != nil {
		return err
	}
	fmt.Printf("DRY RUN: Would grant this policy to %s%s:\n", roleName, userName)
	fmt.Println(document)
	return nil
}

func printAccessKey(userName string, creds *services.AWSCredentials) {
	fmt.Println()
	fmt.Printf("Access key for %s (shown once, store it as CI secrets):\n", userName)
	fmt.Printf("  AWS_ACCESS_KEY_ID=%s\n", creds.AccessKeyID)
	fmt.Printf("  AWS_SECRET_ACCESS_KEY=%s\n", creds.SecretAccessKey)
}
