// Package testpipeline runs the test suite for pushes to non-production branches.
package testpipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/config"
	"github.com/savaki/lambda-deployer/internal/pipeline"
)

const Name = "test"

const (
	StepCheckout            = "checkout"
	StepSetupRuntime        = "setup-runtime"
	StepInstallDependencies = "install-dependencies"
	StepConfigurePath       = "configure-path"
	StepRunTests            = "run-tests"
)

// Secrets is the subset of secrets.Resolver used here
type Secrets interface {
	Require(ctx context.Context, names ...string) (map[string]string, error)
}

type Runner struct {
	cfg     *config.Config
	secrets Secrets
}

func New(cfg *config.Config, secrets Secrets) *Runner {
	return &Runner{
		cfg:     cfg,
		secrets: secrets,
	}
}

// Pipeline returns the ordered test steps
func (r *Runner) Pipeline() *pipeline.Pipeline {
	timeout := r.cfg.Test.Timeout
	return &pipeline.Pipeline{
		Name: Name,
		Steps: []pipeline.Step{
			{Name: StepCheckout, Timeout: timeout, Run: pipeline.Checkout},
			{Name: StepSetupRuntime, Timeout: timeout, Run: r.setupRuntime},
			{Name: StepInstallDependencies, Timeout: timeout, Run: r.installDependencies},
			{Name: StepConfigurePath, Run: r.configurePath},
			{Name: StepRunTests, Timeout: timeout, Run: r.runTests},
		},
	}
}

// Run executes the pipeline unless the trigger filter excludes the branch
func (r *Runner) Run(ctx context.Context, pc *pipeline.Context) *pipeline.Result {
	p := r.Pipeline()
	if !r.cfg.TestTrigger().Matches(pc.Event.Branch) {
		zerolog.Ctx(ctx).Info().
			Str("pipeline", Name).
			Str("branch", pc.Event.Branch).
			Msg("Branch excluded by trigger, skipping pipeline")
		return p.Skipped(pc)
	}
	return p.Run(ctx, pc)
}

func (r *Runner) setupRuntime(ctx context.Context, pc *pipeline.Context) error {
	runtime := r.cfg.Test.Runtime
	if runtime.Command == "" {
		return nil
	}

	out, err := pipeline.Output(ctx, pc, runtime.Command, "--version")
	if err != nil {
		return fmt.Errorf("runtime %s is not available: %w", runtime.Command, err)
	}

	version := parseVersion(out)
	if !matchesVersion(version, runtime.Version) {
		return fmt.Errorf("runtime %s reports version %q, want %s", runtime.Command, version, runtime.Version)
	}

	pc.SetOutput(StepSetupRuntime, "version", version)
	zerolog.Ctx(ctx).Info().
		Str("runtime", runtime.Command).
		Str("version", version).
		Msg("Runtime ready")
	return nil
}

func (r *Runner) installDependencies(ctx context.Context, pc *pipeline.Context) error {
	for _, command := range r.cfg.Test.Install {
		if err := pipeline.Exec(ctx, pc, command); err != nil {
			return err
		}
	}
	return nil
}

// configurePath puts the workspace on the path variable so tests can import
// the project's modules.
func (r *Runner) configurePath(_ context.Context, pc *pipeline.Context) error {
	name := r.cfg.Test.PathVariable
	value := pc.Workspace
	if existing := pc.Getenv(name); existing != "" {
		value = value + string(os.PathListSeparator) + existing
	}
	pc.Setenv(name, value)
	return nil
}

func (r *Runner) runTests(ctx context.Context, pc *pipeline.Context) error {
	values, err := r.secrets.Require(ctx, r.cfg.Test.Secrets...)
	if err != nil {
		return err
	}
	for k, v := range values {
		pc.Setenv(k, v)
	}
	for k, v := range r.cfg.Test.Env {
		pc.Setenv(k, v)
	}

	return pipeline.Exec(ctx, pc, r.cfg.Test.Command)
}

// parseVersion extracts the first token that starts with a digit, so
// "Python 3.12.4" and "v20.11.0" become "3.12.4" and "20.11.0".
func parseVersion(output string) string {
	for _, field := range strings.Fields(output) {
		field = strings.TrimPrefix(field, "v")
		if field != "" && field[0] >= '0' && field[0] <= '9' {
			return field
		}
	}
	return ""
}

// matchesVersion is true when want is a whole-component prefix of version
func matchesVersion(version, want string) bool {
	if want == "" {
		return true
	}
	return version == want || strings.HasPrefix(version, want+".")
}
