// Package config loads the pipeline definition file.
//
// The file is optional. Anything it does not set keeps the value from Default,
// so a repository that follows the conventions needs no file at all.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/savaki/lambda-deployer/internal/errors"
	"github.com/savaki/lambda-deployer/internal/trigger"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the file looked up in the workspace when no --config is given
const DefaultPath = ".lambda-deployer.yaml"

// Config is the root of the pipeline definition
type Config struct {
	ProductionBranch string `yaml:"production_branch"`
	Region           string `yaml:"region"`
	Test             Test   `yaml:"test"`
	Deploy           Deploy `yaml:"deploy"`
}

// Runtime identifies the language runtime the test suite needs
type Runtime struct {
	Command string `yaml:"command"` // Executable, e.g. python3
	Version string `yaml:"version"` // Required version prefix, e.g. 3.12
}

// Test configures the test pipeline
type Test struct {
	Trigger      trigger.Filter    `yaml:",inline"`
	Runtime      Runtime           `yaml:"runtime"`
	Install      []string          `yaml:"install"`
	PathVariable string            `yaml:"path_variable"`
	Command      string            `yaml:"command"`
	Env          map[string]string `yaml:"env"`
	Secrets      []string          `yaml:"secrets"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// Environment names the secrets holding one environment's deployment targets
type Environment struct {
	RepositorySecret string `yaml:"repository_secret"`
	FunctionSecret   string `yaml:"function_secret"` // Defaults to RepositorySecret
	WebhookSecret    string `yaml:"webhook_secret"`
}

// FunctionSecretName returns the secret that names the function
func (e Environment) FunctionSecretName() string {
	if e.FunctionSecret != "" {
		return e.FunctionSecret
	}
	return e.RepositorySecret
}

// Stack configures the infrastructure stack applied from the production branch
type Stack struct {
	Name                 string        `yaml:"name"`
	Template             string        `yaml:"template"`   // Local path or s3://bucket/key
	Parameters           string        `yaml:"parameters"` // Local path or s3://bucket/key, JSON
	FunctionARNParameter string        `yaml:"function_arn_parameter"`
	Timeout              time.Duration `yaml:"timeout"`
}

// Deploy configures the deploy pipeline
type Deploy struct {
	Trigger      trigger.Filter `yaml:",inline"`
	Dockerfile   string         `yaml:"dockerfile"`
	Context      string         `yaml:"context"`
	Platform     string         `yaml:"platform"`
	Production   Environment    `yaml:"production"`
	Staging      Environment    `yaml:"staging"`
	Stack        *Stack         `yaml:"stack"`
	ReportBucket string         `yaml:"report_bucket"`
	RunsTable    string         `yaml:"runs_table"`
	Timeout      time.Duration  `yaml:"timeout"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		ProductionBranch: "main",
		Region:           "us-west-1",
		Test: Test{
			Runtime: Runtime{
				Command: "python3",
				Version: "3.12",
			},
			Install: []string{
				"python -m pip install --upgrade pip",
				"pip install -r requirements.txt",
			},
			PathVariable: "PYTHONPATH",
			Command:      "python -m pytest -r fE -x",
			Env: map[string]string{
				"ENV":        "dev",
				"PRODUCT_ID": "gitauto",
			},
			Secrets: []string{
				"GITHUB_APP_ID",
				"GITHUB_PRIVATE_KEY",
				"OPENAI_API_KEY",
				"STRIPE_API_KEY",
				"SUPABASE_SERVICE_ROLE_KEY",
				"SUPABASE_URL",
			},
			Timeout: 30 * time.Minute,
		},
		Deploy: Deploy{
			Dockerfile: "Dockerfile",
			Context:    ".",
			Platform:   "linux/amd64",
			Production: Environment{
				RepositorySecret: "AWS_ECR_REPOSITORY_NAME_PRD",
				FunctionSecret:   "AWS_LAMBDA_FUNCTION_NAME_PRD",
				WebhookSecret:    "SLACK_WEBHOOK_URL_PRD",
			},
			Staging: Environment{
				RepositorySecret: "AWS_ECR_REPOSITORY_NAME_STG",
				FunctionSecret:   "AWS_LAMBDA_FUNCTION_NAME_STG",
				WebhookSecret:    "SLACK_WEBHOOK_URL_STG",
			},
			Timeout: 30 * time.Minute,
		},
	}
}

// Load reads the file at path on top of Default. A missing file is only an
// error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			cfg.applyDefaults()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML on top of cfg
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	cfg.applyDefaults()
	return nil
}

// applyDefaults fills values that depend on other values
func (c *Config) applyDefaults() {
	c.Test.Trigger = c.TestTrigger()
	if c.Test.PathVariable == "" {
		c.Test.PathVariable = "PYTHONPATH"
	}
	if c.Deploy.Dockerfile == "" {
		c.Deploy.Dockerfile = "Dockerfile"
	}
	if c.Deploy.Context == "" {
		c.Deploy.Context = "."
	}
	if c.Deploy.Stack != nil && c.Deploy.Stack.FunctionARNParameter == "" {
		c.Deploy.Stack.FunctionARNParameter = "LambdaFunctionArn"
	}
	if c.Deploy.Stack != nil && c.Deploy.Stack.Timeout == 0 {
		c.Deploy.Stack.Timeout = 30 * time.Minute
	}
}

// Validate checks the fields the pipelines cannot run without
func (c *Config) Validate() error {
	var problems []string

	if c.ProductionBranch == "" {
		problems = append(problems, "production_branch is required")
	}
	if c.Test.Command == "" {
		problems = append(problems, "test.command is required")
	}
	for name, env := range map[string]Environment{"production": c.Deploy.Production, "staging": c.Deploy.Staging} {
		if env.RepositorySecret == "" {
			problems = append(problems, fmt.Sprintf("deploy.%s.repository_secret is required", name))
		}
		if env.WebhookSecret == "" {
			problems = append(problems, fmt.Sprintf("deploy.%s.webhook_secret is required", name))
		}
	}
	if stack := c.Deploy.Stack; stack != nil {
		if stack.Name == "" {
			problems = append(problems, "deploy.stack.name is required")
		}
		if stack.Template == "" {
			problems = append(problems, errors.ErrTemplateRequired.Error())
		}
	}

	if len(problems) > 0 {
		// map iteration order is random
		slices.Sort(problems)
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EnvironmentFor returns the environment block and its label for a branch
func (c *Config) EnvironmentFor(branch string) (Environment, string) {
	if c.IsProduction(branch) {
		return c.Deploy.Production, "production"
	}
	return c.Deploy.Staging, "staging"
}

// TestTrigger returns the test filter. The production branch is always
// ignored unless test.branches names it literally.
func (c *Config) TestTrigger() trigger.Filter {
	f := trigger.Filter{
		Branches:       slices.Clone(c.Test.Trigger.Branches),
		BranchesIgnore: slices.Clone(c.Test.Trigger.BranchesIgnore),
	}
	if slices.Contains(f.Branches, c.ProductionBranch) || slices.Contains(f.BranchesIgnore, c.ProductionBranch) {
		return f
	}
	f.BranchesIgnore = append(f.BranchesIgnore, c.ProductionBranch)
	return f
}

// IsProduction reports whether branch is the production branch
func (c *Config) IsProduction(branch string) bool {
	return branch == c.ProductionBranch
}
