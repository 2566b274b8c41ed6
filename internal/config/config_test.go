package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBirdhouseConfig_DerivedURLs(t *testing.T) {
	b := BirdhouseConfig{HostURL: "https://marble.example.org/"}

	assert.Equal(t, "https://marble.example.org/twitcher/ows/proxy/thredds/dodsC/datasets", b.ThreddsBase())
	assert.Equal(t, "https://marble.example.org/twitcher/ows/proxy/thredds/catalog/datasets", b.ThreddsCatalog())
	assert.Equal(t, "http://marble.example.org:30102", b.Chickadee())
	assert.Equal(t, "https://marble.example.org/twitcher/ows/proxy/finch/wps", b.Finch())
}

func TestBirdhouseConfig_ExplicitOverrides(t *testing.T) {
	b := BirdhouseConfig{
		HostURL:      "https://marble.example.org",
		ChickadeeURL: "http://chickadee.internal:5000/",
		FinchURL:     "http://finch.internal/wps",
	}
	assert.Equal(t, "http://chickadee.internal:5000", b.Chickadee())
	assert.Equal(t, "http://finch.internal/wps", b.Finch())
}

func TestEmailConfig_Enabled(t *testing.T) {
	assert.False(t, EmailConfig{Provider: "smtp"}.Enabled())
	assert.True(t, EmailConfig{Provider: "smtp", SMTPHost: "mail"}.Enabled())
	assert.True(t, EmailConfig{Provider: "ses", From: "odds@example.org"}.Enabled())
	assert.False(t, EmailConfig{Provider: "none", SMTPHost: "mail"}.Enabled())
}

func TestSecretPaths(t *testing.T) {
	assert.Equal(t, "/prod/odds/auth/session_key", SecretPath("prod", "auth/session_key"))
	assert.Equal(t, "/dev/odds/database/url", SecretPath("dev", "/database/url/"))

	s, ok := SecretForPath("/staging/odds/email/smtp_password")
	assert.True(t, ok)
	assert.Equal(t, "SMTP_PASSWORD", s.Env)

	for _, path := range []string{"/staging/odds/email/unknown", "/staging/other/auth/session_key", "auth/session_key", "/odds/auth/session_key"} {
		_, ok := SecretForPath(path)
		assert.False(t, ok, path)
	}

	for _, s := range Secrets {
		got, ok := SecretForPath(SecretPath("prod", s.Name))
		assert.True(t, ok, s.Name)
		assert.Equal(t, s, got)
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "ODDS_AUTH_SESSION_KEY", EnvName("/dev/odds/auth/session_key"))
	assert.Equal(t, "ODDS_EMAIL_SMTP_PASSWORD", EnvName("/prod/odds/email/smtp_password"))
	assert.Equal(t, "ODDS_TEST_SECRET", EnvName("ODDS_TEST_SECRET"))
}

func TestEnvVarProvider(t *testing.T) {
	t.Setenv("ODDS_DATABASE_URL", "postgres://localhost/odds")
	t.Setenv("ODDS_TEST_SECRET", "value")
	t.Setenv("ODDS_EMAIL_SMTP_PASSWORD", "")

	got, err := NewEnvVarProvider().GetParametersBatch(t.Context(), []string{
		"/dev/odds/database/url",
		"/dev/odds/email/smtp_password",
		"ODDS_TEST_SECRET",
		"ODDS_UNSET_SECRET",
	})
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{
		"/dev/odds/database/url": "postgres://localhost/odds",
		"ODDS_TEST_SECRET":       "value",
	}, got)
}

func TestBuildInfo_UserAgent(t *testing.T) {
	assert.Equal(t, "odds/dev", NewBuildInfo().UserAgent())
	assert.Equal(t, "odds/1.4.0", BuildInfo{Version: "1.4.0", Commit: "none"}.UserAgent())
	assert.Equal(t, "odds/1.4.0 (3f2c1aa)", BuildInfo{Version: "1.4.0", Commit: "3f2c1aa"}.UserAgent())
}
