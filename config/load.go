package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat indicates a file extension other than .toml, .yaml
// or .yml.
var ErrUnsupportedFormat = errors.New("config: unsupported format")

// Format names accepted by Parse.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// LoadOptions tunes config loading behavior.
type LoadOptions struct {
	// Strict rejects unknown keys instead of reporting them as warnings.
	Strict bool

	// Secrets resolves secretref values. Default: NewSecretResolver().
	Secrets *SecretResolver
}

// Result wraps a loaded configuration alongside any non-fatal warnings.
type Result struct {
	Config   Config
	Warnings []string
}

// FormatFor returns the format for path's extension.
func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load reads, expands and validates a configuration file.
func Load(ctx context.Context, path string, opts LoadOptions) (Result, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Result{}, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	res, err := Parse(ctx, data, format, opts)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Parse decodes data over Default(), then expands and validates it.
func Parse(ctx context.Context, data []byte, format string, opts LoadOptions) (Result, error) {
	res := Result{Config: Default()}

	var unknown []string
	var err error
	switch format {
	case FormatTOML:
		unknown, err = decodeTOML(data, &res.Config)
	case FormatYAML:
		unknown, err = decodeYAML(data, &res.Config)
	default:
		return res, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return res, err
	}
	if len(unknown) > 0 {
		message := "unknown configuration keys: " + strings.Join(unknown, ", ")
		if opts.Strict {
			return res, fmt.Errorf("%w: %s", ErrInvalidConfig, message)
		}
		res.Warnings = append(res.Warnings, message)
	}

	secrets := opts.Secrets
	if secrets == nil {
		secrets = NewSecretResolver()
	}
	if err := res.Config.expand(ctx, secrets); err != nil {
		return res, err
	}
	if err := res.Config.Validate(); err != nil {
		return res, err
	}
	return res, nil
}

// decodeTOML decodes data into cfg and returns any keys cfg has no field
// for.
func decodeTOML(data []byte, cfg *Config) ([]string, error) {
	probe := *cfg
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(&probe)
	if err == nil {
		*cfg = probe
		return nil, nil
	}

	var missing *toml.StrictMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	unknown := make([]string, 0, len(missing.Errors))
	for _, e := range missing.Errors {
		unknown = append(unknown, strings.Join(e.Key(), "."))
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return unknown, nil
}

// decodeYAML decodes data into cfg and returns the decoder's messages for
// fields cfg does not have.
func decodeYAML(data []byte, cfg *Config) ([]string, error) {
	probe := *cfg
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(&probe)
	if err == nil || errors.Is(err, io.EOF) {
		*cfg = probe
		return nil, nil
	}

	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) || !allUnknownField(typeErr.Errors) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return typeErr.Errors, nil
}

func allUnknownField(msgs []string) bool {
	for _, m := range msgs {
		if !strings.Contains(m, "not found in type") {
			return false
		}
	}
	return len(msgs) > 0
}

// expand applies strict environment expansion to every string field and
// resolves secret references in the secret-bearing ones.
func (c *Config) expand(ctx context.Context, secrets *SecretResolver) error {
	plain := map[string]*string{
		"max_memory":           &c.MaxMemory,
		"persistence.backend":  &c.Persistence.Backend,
		"persistence.path":     &c.Persistence.Path,
		"persistence.table":    &c.Persistence.Table,
		"persistence.bucket":   &c.Persistence.Bucket,
		"persistence.key":      &c.Persistence.Key,
		"persistence.region":   &c.Persistence.Region,
		"observe.service_name": &c.Observe.ServiceName,
		"admin.addr":           &c.Admin.Addr,
		"admin.jwt_issuer":     &c.Admin.JWTIssuer,
		"admin.jwt_audience":   &c.Admin.JWTAudience,
	}
	secret := map[string]*string{
		"persistence.dsn":  &c.Persistence.DSN,
		"admin.jwt_secret": &c.Admin.JWTSecret,
	}

	for field, p := range plain {
		v, err := ExpandEnvStrict(*p)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*p = v
	}
	for field, p := range secret {
		v, err := ExpandEnvStrict(*p)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if v, err = secrets.Resolve(ctx, v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*p = v
	}
	return nil
}
