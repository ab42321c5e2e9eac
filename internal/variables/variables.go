// Package variables computes the per-run deployment variables that depend on
// whether the pushed branch is the production branch.
package variables

import (
	"context"
	"fmt"
	"strings"

	"github.com/savaki/lambda-deployer/internal/config"
	"github.com/savaki/lambda-deployer/internal/errors"
	"github.com/savaki/lambda-deployer/internal/models"
	"github.com/savaki/lambda-deployer/internal/services"
)

// Secrets is the subset of secrets.Resolver used here
type Secrets interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
	Require(ctx context.Context, names ...string) (map[string]string, error)
}

type Input struct {
	Event     models.PushEvent
	Config    *config.Config
	AccountID string
	Region    string
	Registry  string // Supplied by the registry login; derived from account and region when empty
}

// Variables is computed once per run and shared by the later deploy steps
type Variables struct {
	Registry     string `json:"registry"`
	Repository   string `json:"repository"`
	ImageTag     string `json:"image_tag"`
	ImageURI     string `json:"image_uri"`
	FunctionName string `json:"function_name"`
	FunctionARN  string `json:"function_arn,omitempty"` // Production only
	WebhookURL   string `json:"-"`
	Production   bool   `json:"production"`
	Environment  string `json:"environment"`
}

// RegistryHost returns the private ECR registry of an account
func RegistryHost(accountID, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, region)
}

// Resolve selects the production or staging secrets for the pushed branch.
// The repository and function names are required; a missing webhook only
// disables the notification.
func Resolve(ctx context.Context, secrets Secrets, input Input) (*Variables, error) {
	if input.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if input.Event.SHA == "" {
		return nil, errors.ErrCommitRequired
	}
	if input.Event.Branch == "" {
		return nil, errors.ErrInvalidRef
	}

	region := input.Region
	if region == "" {
		region = input.Config.Region
	}

	production := input.Config.IsProduction(input.Event.Branch)
	env, label := input.Config.EnvironmentFor(input.Event.Branch)

	values, err := secrets.Require(ctx, env.RepositorySecret, env.FunctionSecretName())
	if err != nil {
		return nil, err
	}
	webhook, _, err := secrets.Lookup(ctx, env.WebhookSecret)
	if err != nil {
		return nil, err
	}

	registry := input.Registry
	if registry == "" {
		if input.AccountID == "" {
			return nil, fmt.Errorf("account id is required to derive the registry")
		}
		registry = RegistryHost(input.AccountID, region)
	}

	v := &Variables{
		Registry:     registry,
		Repository:   values[env.RepositorySecret],
		ImageTag:     input.Event.SHA,
		FunctionName: values[env.FunctionSecretName()],
		WebhookURL:   webhook,
		Production:   production,
		Environment:  label,
	}
	v.ImageURI = fmt.Sprintf("%s/%s:%s", v.Registry, v.Repository, v.ImageTag)

	if production {
		if input.AccountID == "" {
			return nil, fmt.Errorf("account id is required to build the function ARN")
		}
		v.FunctionARN = services.FunctionARN(region, input.AccountID, v.FunctionName)
	}

	return v, nil
}

// Environ exports the variables in KEY=value form for later commands
func (v *Variables) Environ() []string {
	env := []string{
		"ECR_REGISTRY=" + v.Registry,
		"ECR_REPOSITORY=" + v.Repository,
		"IMAGE_TAG=" + v.ImageTag,
		"LAMBDA_NAME=" + v.FunctionName,
	}
	if v.Production {
		env = append(env, "LAMBDA_ARN="+v.FunctionARN)
	}
	return append(env, "SLACK_WEBHOOK_URL="+v.WebhookURL)
}

// MaskedWebhook hides everything after the host of the webhook URL
func (v *Variables) MaskedWebhook() string {
	if v.WebhookURL == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(v.WebhookURL, "://")
	if !ok {
		return "***"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/***"
}
