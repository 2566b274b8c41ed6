package config

import (
	"context"
	"strings"
)

// SecretProvider resolves odds parameter paths to plaintext values. Keys the
// provider does not hold are left out of the result.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// Secret is a setting kept in Parameter Store under /{APP_ENV}/odds/ instead
// of the deployment environment.
type Secret struct {
	// Env is the variable the resolved value is injected into.
	Env string
	// Name is the path below /{APP_ENV}/odds/.
	Name string
}

// Secrets lists every odds secret. Outside APP_ENV=local each one whose
// variable is unset is looked up at its default path, and NAME_SSM_PARAM
// overrides that path.
var Secrets = []Secret{
	{Env: "SESSION_KEY", Name: "auth/session_key"},
	{Env: "DATABASE_URL", Name: "database/url"},
	{Env: "SMTP_PASSWORD", Name: "email/smtp_password"},
}

// SecretPath builds /{appEnv}/odds/{name}.
func SecretPath(appEnv, name string) string {
	return "/" + appEnv + "/odds/" + strings.Trim(name, "/")
}

// SecretForPath maps a /{appEnv}/odds/{name} path back to its secret.
func SecretForPath(path string) (Secret, bool) {
	_, name, ok := splitSecretPath(path)
	if !ok {
		return Secret{}, false
	}
	for _, s := range Secrets {
		if s.Name == name {
			return s, true
		}
	}
	return Secret{}, false
}

func splitSecretPath(path string) (appEnv, name string, ok bool) {
	rest, found := strings.CutPrefix(path, "/")
	if !found {
		return "", "", false
	}
	appEnv, rest, found = strings.Cut(rest, "/")
	if !found || appEnv == "" {
		return "", "", false
	}
	name, found = strings.CutPrefix(rest, "odds/")
	if !found || name == "" {
		return "", "", false
	}
	return appEnv, name, true
}
