package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/savaki/lambda-deployer/internal/deploypipeline"
	"github.com/savaki/lambda-deployer/internal/secrets"
	"github.com/savaki/lambda-deployer/internal/services"
)

func ProvideIdentityService(client *sts.Client) *services.IdentityService {
	return services.NewIdentityService(client)
}

func ProvideLambdaService(client *lambda.Client) *services.LambdaService {
	return services.NewLambdaService(client)
}

func ProvideCloudFormationService(client *cloudformation.Client) *services.CloudFormationService {
	return services.NewCloudFormationService(client)
}

// ProvideArtifactStore resolves relative template and parameter paths against
// the workspace
func ProvideArtifactStore(settings Settings, client *s3.Client) *services.ArtifactStore {
	return services.NewArtifactStore(client, settings.Workspace)
}

func ProvideParameterStore(client *ssm.Client) *services.SSMParameterStore {
	return services.NewSSMParameterStore(client)
}

func ProvideSecretsManagerService(client *secretsmanager.Client) *services.SecretsManagerService {
	return services.NewSecretsManagerService(client)
}

func ProvideIAMService(client *iam.Client) *services.IAMService {
	return services.NewIAMService(client)
}

func ProvideNotifier() *services.Notifier {
	return services.NewNotifier(nil)
}

// ProvideSecretsResolver reads secrets from the environment and follows
// ssm: and secretsmanager: references. The AWS clients are only called when
// a reference is present.
func ProvideSecretsResolver(store *services.SSMParameterStore, secretsManager *services.SecretsManagerService) *secrets.Resolver {
	return secrets.New(
		secrets.WithParameterStore(store),
		secrets.WithSecretStore(secretsManager),
	)
}

// ProvideDeployAWS bundles the services the deploy pipeline calls once AWS
// credentials are configured
func ProvideDeployAWS(
	config aws.Config,
	identity *services.IdentityService,
	registry *services.ECRService,
	functions *services.LambdaService,
	stacks *services.CloudFormationService,
	artifacts *services.ArtifactStore,
) *deploypipeline.AWS {
	return &deploypipeline.AWS{
		Config:    config,
		Identity:  identity,
		Registry:  registry,
		Functions: functions,
		Stacks:    stacks,
		Artifacts: artifacts,
	}
}

// Connect returns a deploypipeline.Connect backed by the container. AWS
// configuration errors surface when the step runs.
func Connect(container Container) deploypipeline.Connect {
	return func(ctx context.Context) (*deploypipeline.AWS, error) {
		return Get[*deploypipeline.AWS](container)
	}
}
