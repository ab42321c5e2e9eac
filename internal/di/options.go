package di

import "context"

// Settings are the command line values the providers depend on
type Settings struct {
	Region          string // AWS region, required by every AWS client
	Profile         string // Shared config profile, optional
	AccessKeyID     string // Static credentials; the default chain is used when empty
	SecretAccessKey string
	SessionToken    string
	Workspace       string // Base directory for relative artifact paths
	RunsTable       string // Run history table; history is disabled when empty
}

// StaticCredentials reports whether explicit keys were supplied
func (s Settings) StaticCredentials() bool {
	return s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithContext sets the context handed to providers that need one
func WithContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.ctx = ctx
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func(n *services.Notifier) deploypipeline.Notifier { return n },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	ctx       context.Context
	providers []any
}
