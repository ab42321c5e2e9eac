// Package deploypipeline builds the container image for a push, points the
// managed function at it, applies the infrastructure stack from the
// production branch and reports the outcome to a webhook.
package deploypipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/config"
	"github.com/savaki/lambda-deployer/internal/pipeline"
	"github.com/savaki/lambda-deployer/internal/services"
	"github.com/savaki/lambda-deployer/internal/variables"
)

const Name = "deploy"

const (
	StepCheckout                = "checkout"
	StepConfigureAWSCredentials = "configure-aws-credentials"
	StepECRLogin                = "ecr-login"
	StepResolveVariables        = "resolve-variables"
	StepBuildAndPush            = "build-and-push"
	StepUpdateFunction          = "update-function"
	StepDeployStack             = "deploy-stack"
	StepNotify                  = "notify"
)

type Identity interface {
	AccountID(ctx context.Context) (string, error)
}

type Registry interface {
	Login(ctx context.Context) (*services.RegistryCredentials, error)
}

type Images interface {
	Build(ctx context.Context, input services.BuildInput) (string, error)
	Push(ctx context.Context, ref string, creds services.RegistryCredentials) (string, error)
}

type Functions interface {
	UpdateFunctionImage(ctx context.Context, functionName, imageURI string) (*services.FunctionUpdate, error)
}

type Stacks interface {
	Deploy(ctx context.Context, input services.StackDeployInput) (*services.StackDeployResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, url, message string) error
}

// AWS holds the services bound to the credentials of one run
type AWS struct {
	Config    aws.Config
	Identity  Identity
	Registry  Registry
	Functions Functions
	Stacks    Stacks
	Artifacts services.ArtifactReader
}

// Connect loads AWS credentials and builds the services that use them. It is
// called by the configure-aws-credentials step.
type Connect func(ctx context.Context) (*AWS, error)

type Dependencies struct {
	Connect   Connect
	Images    Images
	Notifier  Notifier
	Secrets   variables.Secrets
	Checkout  pipeline.StepFunc // Defaults to pipeline.Checkout
	AccountID string            // Skips the STS lookup when set
}

type Runner struct {
	cfg  *config.Config
	deps Dependencies
}

func New(cfg *config.Config, deps Dependencies) *Runner {
	if deps.Checkout == nil {
		deps.Checkout = pipeline.Checkout
	}
	return &Runner{
		cfg:  cfg,
		deps: deps,
	}
}

// run carries values from one step to the next
type run struct {
	aws       *AWS
	accountID string
	creds     *services.RegistryCredentials
	vars      *variables.Variables
}

// Pipeline returns the ordered deploy steps. Each call starts with fresh run
// state.
func (r *Runner) Pipeline() *pipeline.Pipeline {
	state := &run{}
	timeout := r.cfg.Deploy.Timeout
	stackTimeout := timeout
	if stack := r.cfg.Deploy.Stack; stack != nil {
		stackTimeout = stack.Timeout
	}

	return &pipeline.Pipeline{
		Name: Name,
		Steps: []pipeline.Step{
			{Name: StepCheckout, Timeout: timeout, Run: r.deps.Checkout},
			{Name: StepConfigureAWSCredentials, Timeout: timeout, Run: state.bind(r.configureAWSCredentials)},
			{Name: StepECRLogin, Timeout: timeout, Run: state.bind(r.ecrLogin)},
			{Name: StepResolveVariables, Timeout: timeout, Run: state.bind(r.resolveVariables)},
			{Name: StepBuildAndPush, Timeout: timeout, Run: state.bind(r.buildAndPush)},
			{Name: StepUpdateFunction, Timeout: timeout, Run: state.bind(r.updateFunction)},
			{Name: StepDeployStack, If: "production", Timeout: stackTimeout, Run: state.bind(r.deployStack)},
			{Name: StepNotify, If: "always()", Timeout: timeout, BestEffort: true, Run: state.bind(r.notify)},
		},
	}
}

func (s *run) bind(fn func(context.Context, *pipeline.Context, *run) error) pipeline.StepFunc {
	return func(ctx context.Context, pc *pipeline.Context) error {
		return fn(ctx, pc, s)
	}
}

// Prepare marks the run as production or not. Run calls it; callers that only
// plan call it themselves.
func (r *Runner) Prepare(pc *pipeline.Context) {
	pc.Production = r.cfg.IsProduction(pc.Event.Branch)
}

// Run executes the pipeline unless the trigger filter excludes the branch
func (r *Runner) Run(ctx context.Context, pc *pipeline.Context) *pipeline.Result {
	r.Prepare(pc)

	p := r.Pipeline()
	if !r.cfg.Deploy.Trigger.Matches(pc.Event.Branch) {
		zerolog.Ctx(ctx).Info().
			Str("pipeline", Name).
			Str("branch", pc.Event.Branch).
			Msg("Branch excluded by trigger, skipping pipeline")
		return p.Skipped(pc)
	}
	return p.Run(ctx, pc)
}

// Plan is what a deploy of the pushed commit would do
type Plan struct {
	Triggered bool                   `json:"triggered"`
	Variables *variables.Variables   `json:"variables"`
	Steps     []pipeline.PlannedStep `json:"steps"`
}

// Plan resolves the deployment variables and evaluates the step conditions
// without touching AWS or Docker.
func (r *Runner) Plan(ctx context.Context, pc *pipeline.Context, accountID, region string) (*Plan, error) {
	r.Prepare(pc)

	vars, err := variables.Resolve(ctx, r.deps.Secrets, variables.Input{
		Event:     pc.Event,
		Config:    r.cfg,
		AccountID: accountID,
		Region:    region,
	})
	if err != nil {
		return nil, err
	}

	steps, err := r.Pipeline().Plan(pc)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Triggered: r.cfg.Deploy.Trigger.Matches(pc.Event.Branch),
		Variables: vars,
		Steps:     steps,
	}, nil
}

func (r *Runner) configureAWSCredentials(ctx context.Context, pc *pipeline.Context, state *run) error {
	if r.deps.Connect == nil {
		return fmt.Errorf("no AWS connector configured")
	}

	clients, err := r.deps.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	region := clients.Config.Region
	if region == "" {
		return fmt.Errorf("AWS region is required")
	}

	accountID := r.deps.AccountID
	if accountID == "" {
		if accountID, err = clients.Identity.AccountID(ctx); err != nil {
			return err
		}
	}

	state.aws = clients
	state.accountID = accountID

	pc.Setenv("AWS_REGION", region)
	pc.Setenv("AWS_DEFAULT_REGION", region)
	pc.Setenv("AWS_ACCOUNT_ID", accountID)
	pc.SetOutput(StepConfigureAWSCredentials, "region", region)
	pc.SetOutput(StepConfigureAWSCredentials, "account_id", accountID)

	zerolog.Ctx(ctx).Info().
		Str("region", region).
		Str("account_id", accountID).
		Msg("AWS credentials configured")
	return nil
}

func (r *Runner) ecrLogin(ctx context.Context, pc *pipeline.Context, state *run) error {
	creds, err := state.aws.Registry.Login(ctx)
	if err != nil {
		return err
	}

	state.creds = creds
	pc.SetOutput(StepECRLogin, "registry", creds.Registry)

	zerolog.Ctx(ctx).Info().
		Str("registry", creds.Registry).
		Time("expires_at", creds.ExpiresAt).
		Msg("Logged in to registry")
	return nil
}

func (r *Runner) resolveVariables(ctx context.Context, pc *pipeline.Context, state *run) error {
	vars, err := variables.Resolve(ctx, r.deps.Secrets, variables.Input{
		Event:     pc.Event,
		Config:    r.cfg,
		AccountID: state.accountID,
		Region:    state.aws.Config.Region,
		Registry:  state.creds.Registry,
	})
	if err != nil {
		return err
	}

	state.vars = vars
	for _, kv := range vars.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		pc.Setenv(key, value)
	}

	zerolog.Ctx(ctx).Info().
		Str("environment", vars.Environment).
		Str("image_uri", vars.ImageURI).
		Str("function_name", vars.FunctionName).
		Str("webhook", vars.MaskedWebhook()).
		Msg("Deployment variables resolved")
	return nil
}

func (r *Runner) buildAndPush(ctx context.Context, pc *pipeline.Context, state *run) error {
	vars := state.vars

	imageID, err := r.deps.Images.Build(ctx, services.BuildInput{
		ContextDir: filepath.Join(pc.Workspace, r.cfg.Deploy.Context),
		Dockerfile: r.cfg.Deploy.Dockerfile,
		Platform:   r.cfg.Deploy.Platform,
		Tags:       []string{vars.ImageURI},
		Labels: map[string]string{
			"org.opencontainers.image.revision": pc.Event.SHA,
			"org.opencontainers.image.source":   pc.Event.Repository,
		},
	})
	if err != nil {
		return err
	}

	digest, err := r.deps.Images.Push(ctx, vars.ImageURI, *state.creds)
	if err != nil {
		return err
	}

	pc.SetOutput(StepBuildAndPush, "image_id", imageID)
	pc.SetOutput(StepBuildAndPush, "image_uri", vars.ImageURI)
	pc.SetOutput(StepBuildAndPush, "digest", digest)
	return nil
}

func (r *Runner) updateFunction(ctx context.Context, pc *pipeline.Context, state *run) error {
	update, err := state.aws.Functions.UpdateFunctionImage(ctx, state.vars.FunctionName, state.vars.ImageURI)
	if err != nil {
		return err
	}

	pc.SetOutput(StepUpdateFunction, "function_arn", update.FunctionARN)
	pc.SetOutput(StepUpdateFunction, "version", update.Version)
	return nil
}

// deployStack applies the stack template. The function ARN is passed only
// when the template declares the parameter for it.
func (r *Runner) deployStack(ctx context.Context, pc *pipeline.Context, state *run) error {
	logger := zerolog.Ctx(ctx)

	stack := r.cfg.Deploy.Stack
	if stack == nil {
		logger.Info().Msg("No stack configured")
		return nil
	}

	artifacts := state.aws.Artifacts
	template, err := artifacts.Read(ctx, stack.Template)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", stack.Template, err)
	}

	params, err := services.LoadStackParameters(ctx, artifacts, stack.Parameters, state.vars.Environment)
	if err != nil {
		return err
	}

	declared, err := services.TemplateParameters(string(template))
	if err != nil {
		return fmt.Errorf("invalid template %s: %w", stack.Template, err)
	}
	if slices.Contains(declared, stack.FunctionARNParameter) {
		params[stack.FunctionARNParameter] = state.vars.FunctionARN
	} else {
		logger.Warn().
			Str("parameter", stack.FunctionARNParameter).
			Msg("Template does not declare the function ARN parameter")
	}

	result, err := state.aws.Stacks.Deploy(ctx, services.StackDeployInput{
		StackName:  stack.Name,
		Template:   string(template),
		Parameters: services.MergeParameters(params),
	})
	if result != nil {
		pc.SetOutput(StepDeployStack, "stack_id", result.StackID)
		pc.SetOutput(StepDeployStack, "operation", result.Operation)
		pc.SetOutput(StepDeployStack, "status", result.Status)
	}
	return err
}

// notify reports the outcome of every step before it. The webhook is looked
// up directly when variables were never resolved.
func (r *Runner) notify(ctx context.Context, pc *pipeline.Context, state *run) error {
	var url string
	if state.vars != nil {
		url = state.vars.WebhookURL
	} else {
		env, _ := r.cfg.EnvironmentFor(pc.Event.Branch)
		value, _, err := r.deps.Secrets.Lookup(ctx, env.WebhookSecret)
		if err != nil {
			return err
		}
		url = value
	}

	message := services.MessageDeploySucceeded
	if pc.Failed() {
		message = services.MessageDeployFailed
	}

	if err := r.deps.Notifier.Notify(ctx, url, message); err != nil {
		return err
	}
	pc.SetOutput(StepNotify, "message", message)
	return nil
}
