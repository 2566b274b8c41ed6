package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: SMTP_PASSWORD_SSM_PARAM names the
// SSM path holding SMTP_PASSWORD.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the configuration.
//
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present.
//  3. Outside APP_ENV=local, resolves *_SSM_PARAM pointers and the default
//     /{APP_ENV}/odds/ paths of unset Secrets via provider.
//  4. Processes envconfig tags.
//  5. Validates the struct.
//
// provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Missing .env is fine; existing env vars are never overridden.
	_ = deps.dotenv()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, appEnv, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// RequireJobStore checks the settings the API and worker need beyond the
// common set: the job database and the task queue.
func (c *Config) RequireJobStore() error {
	var missing []string
	if c.Database.URL.IsZero() {
		missing = append(missing, "DATABASE_URL")
	}
	if c.AWS.JobQueueURL == "" {
		missing = append(missing, "SQS_JOBS")
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "required settings not set: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// secretLookup is one Parameter Store path to fetch. Explicit lookups come
// from a NAME_SSM_PARAM pointer and must resolve. Default lookups for the
// odds Secrets may be absent.
type secretLookup struct {
	path     string
	target   string
	explicit bool
}

// secretLookups collects the *_SSM_PARAM pointers in the environment, then a
// default /{appEnv}/odds/ path for every Secret without a value or pointer.
// Targets already present in the environment are left alone.
func secretLookups(appEnv string, deps loaderDeps) []secretLookup {
	var lookups []secretLookup
	seen := make(map[string]bool)
	add := func(l secretLookup) {
		if seen[l.path] {
			return
		}
		seen[l.path] = true
		lookups = append(lookups, l)
	}

	for _, entry := range deps.environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		add(secretLookup{path: value, target: target, explicit: true})
	}

	if appEnv == "" {
		return lookups
	}
	for _, s := range Secrets {
		if _, exists := deps.lookupEnv(s.Env); exists {
			continue
		}
		if pointer, _ := deps.lookupEnv(s.Env + ssmParamSuffix); pointer != "" {
			continue
		}
		add(secretLookup{path: SecretPath(appEnv, s.Name), target: s.Env})
	}
	return lookups
}

// resolveSSMParams fetches every secret lookup in one batch and injects the
// values under their target names.
func resolveSSMParams(provider SecretProvider, appEnv string, deps loaderDeps) error {
	lookups := secretLookups(appEnv, deps)
	if len(lookups) == 0 {
		return nil
	}

	if provider == nil {
		var targets []string
		for _, l := range lookups {
			if l.explicit {
				targets = append(targets, l.target)
			}
		}
		if len(targets) == 0 {
			return nil
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	paths := make([]string, len(lookups))
	for i, l := range lookups {
		paths[i] = l.path
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, l := range lookups {
		value, ok := resolved[l.path]
		if !ok {
			if l.explicit {
				missing = append(missing, l.target)
			}
			continue
		}
		if err := deps.setEnv(l.target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", l.target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
