package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider serves odds parameter paths from the process environment,
// for running the binaries against a .env file instead of Parameter Store.
// /dev/odds/auth/session_key is read from ODDS_AUTH_SESSION_KEY. Keys that
// are not odds paths are read as variable names.
type EnvVarProvider struct {
	lookupEnv func(string) (string, bool)
}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookupEnv: os.LookupEnv}
}

// EnvName is the variable EnvVarProvider reads for key.
func EnvName(key string) string {
	_, name, ok := splitSecretPath(key)
	if !ok {
		return key
	}
	return "ODDS_" + strings.ToUpper(strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name))
}

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := p.lookupEnv(EnvName(key)); ok && val != "" {
			result[key] = val
		}
	}
	return result, nil
}
