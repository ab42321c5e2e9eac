// Package secrets resolves named secrets for a pipeline run.
//
// The CI platform injects secrets as environment variables. A value may also
// point at a secret store:
//
//	ssm:/path/to/parameter
//	secretsmanager:secret-id
//	secretsmanager:secret-id#json-field
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/savaki/lambda-deployer/internal/errors"
)

const (
	ssmPrefix            = "ssm:"
	secretsManagerPrefix = "secretsmanager:"
)

// ParameterStore dereferences ssm: values
type ParameterStore interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// SecretStore dereferences secretsmanager: values
type SecretStore interface {
	GetSecret(ctx context.Context, ref string) (string, error)
}

type Resolver struct {
	getenv  func(string) string
	params  ParameterStore
	secrets SecretStore

	mu    sync.Mutex
	cache map[string]string
}

type Option func(*Resolver)

// WithGetenv replaces os.Getenv
func WithGetenv(fn func(string) string) Option {
	return func(r *Resolver) {
		r.getenv = fn
	}
}

func WithParameterStore(store ParameterStore) Option {
	return func(r *Resolver) {
		r.params = store
	}
}

func WithSecretStore(store SecretStore) Option {
	return func(r *Resolver) {
		r.secrets = store
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		getenv: os.Getenv,
		cache:  map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the value of the named secret and whether it is set.
// References to a secret store are resolved once per Resolver.
func (r *Resolver) Lookup(ctx context.Context, name string) (string, bool, error) {
	raw := strings.TrimSpace(r.getenv(name))
	if raw == "" {
		return "", false, nil
	}

	var (
		fetch  func(context.Context, string) (string, error)
		ref    string
		source string
	)
	switch {
	case strings.HasPrefix(raw, ssmPrefix):
		if r.params == nil {
			return "", false, fmt.Errorf("secret %s references SSM but no parameter store is configured", name)
		}
		fetch, ref, source = r.params.GetParameter, strings.TrimPrefix(raw, ssmPrefix), "ssm"
	case strings.HasPrefix(raw, secretsManagerPrefix):
		if r.secrets == nil {
			return "", false, fmt.Errorf("secret %s references Secrets Manager but no secret store is configured", name)
		}
		fetch, ref, source = r.secrets.GetSecret, strings.TrimPrefix(raw, secretsManagerPrefix), "secretsmanager"
	default:
		return raw, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[raw]; ok {
		return v, v != "", nil
	}

	v, err := fetch(ctx, ref)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve secret %s: %w", name, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("secret", name).
		Str("source", source).
		Msg("Resolved secret reference")

	r.cache[raw] = v
	return v, v != "", nil
}

// Require resolves every name and reports all missing ones in a single
// ErrMissingSecret error.
func (r *Resolver) Require(ctx context.Context, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string

	for _, name := range names {
		v, ok, err := r.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		values[name] = v
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingSecret, strings.Join(missing, ", "))
	}
	return values, nil
}
