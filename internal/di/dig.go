// Package di provides a lightweight wrapper around uber's dig dependency injection framework.
// It simplifies container setup and provides type-safe dependency retrieval with generics.
package di

import (
	"context"

	"github.com/savaki/lambda-deployer/internal/services"
	"go.uber.org/dig"
)

// Container defines a dependency injection container based on uber's dig.
// This interface allows for easy testing and mocking of the DI container.
type Container interface {
	// Invoke executes a function, injecting its dependencies from the container.
	Invoke(function any, opts ...dig.InvokeOption) error

	// Provide registers a constructor function in the container.
	Provide(constructor any, opts ...dig.ProvideOption) error

	// Scope creates a scoped sub-container with its own set of values.
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// MustGet returns an instance constructed via dependency injection or panics.
// This is a convenience function for retrieving a dependency from the container
// when you're certain it exists. If the dependency cannot be resolved, it will panic.
//
// Example:
//
//	store := MustGet[*services.ArtifactStore](container)
func MustGet[T any](container Container) (want T) {
	want, err := Get[T](container)
	if err != nil {
		panic(err)
	}
	return want
}

// Get returns an instance constructed via dependency injection
func Get[T any](container Container) (want T, err error) {
	callback := func(got T) {
		want = got
	}
	err = container.Invoke(callback)
	return want, err
}

// New creates a new dependency injection container for the given settings.
// The settings and the context are registered as dependencies so providers
// can declare them as regular parameters. Nothing is constructed until a
// value is requested, so building the container never touches AWS.
//
// Example:
//
//	container, err := New(Settings{Region: "us-west-1"},
//	    WithProviders(
//	        func(store *services.ArtifactStore) *Report { return &Report{Store: store} },
//	    ),
//	)
func New(settings Settings, opts ...Option) (Container, error) {
	// Build options
	o := options{
		ctx: context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Create dig container
	container := dig.New()
	if err := container.Provide(func() Settings { return settings }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() context.Context { return o.ctx }); err != nil {
		return nil, err
	}

	// Register all default constructors
	for _, provider := range DefaultProviders() {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	// Register all provided constructors
	for _, provider := range o.providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}

// DefaultProviders returns the constructors every container starts with
func DefaultProviders() []any {
	return []any{
		ProvideAWSConfig,
		ProvideSTSClient,
		ProvideECRClient,
		ProvideOrganizationsClient,
		ProvideLambdaClient,
		ProvideCloudFormationClient,
		ProvideS3Client,
		ProvideSSMClient,
		ProvideSecretsManagerClient,
		ProvideIAMClient,
		ProvideDynamoDB,
		ProvideIdentityService,
		ProvideLambdaService,
		ProvideCloudFormationService,
		ProvideArtifactStore,
		ProvideParameterStore,
		ProvideSecretsManagerService,
		ProvideIAMService,
		ProvideNotifier,
		ProvideSecretsResolver,
		ProvideRunDAO,
		ProvideDeployAWS,
		services.NewECRService,
	}
}
