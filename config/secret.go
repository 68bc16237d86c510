package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretProvider resolves secret references of one kind.
//
// Implementations must be safe for concurrent use and must not log secret
// values.
type SecretProvider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// SecretResolver resolves values of the form secretref:<provider>:<ref>.
// Values without the prefix pass through unchanged.
type SecretResolver struct {
	providers map[string]SecretProvider
}

// NewSecretResolver creates a resolver with the env and file providers
// plus any extra providers. A later provider replaces an earlier one with
// the same name.
func NewSecretResolver(extra ...SecretProvider) *SecretResolver {
	r := &SecretResolver{providers: make(map[string]SecretProvider)}
	for _, p := range append([]SecretProvider{EnvProvider{}, FileProvider{}}, extra...) {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// ParseSecretRef splits a secretref:<provider>:<ref> value.
func ParseSecretRef(value string) (provider, ref string, ok bool) {
	rest, found := strings.CutPrefix(value, "secretref:")
	if !found {
		return "", "", false
	}
	provider, ref, found = strings.Cut(rest, ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

// Resolve returns the secret behind value, or value itself when it is not
// a reference. Empty secrets are rejected.
func (r *SecretResolver) Resolve(ctx context.Context, value string) (string, error) {
	name, ref, ok := ParseSecretRef(value)
	if !ok {
		return value, nil
	}
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: secret provider %q is not registered", ErrInvalidConfig, name)
	}
	out, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve secret via %s: %w", name, err)
	}
	if out == "" {
		return "", fmt.Errorf("%w: secret provider %q returned an empty value", ErrInvalidConfig, name)
	}
	return out, nil
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref)
	}
	return v, nil
}

// FileProvider reads secrets from files, trimming surrounding whitespace.
type FileProvider struct{}

func (FileProvider) Name() string { return "file" }

func (FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
