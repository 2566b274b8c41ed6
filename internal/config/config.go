// Package config defines the configuration structure shared by the odds
// binaries. Configuration is loaded once at process start and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"strings"
	"time"

	"odds/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"odds"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Birdhouse     BirdhouseConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Jobs          JobsConfig
	Catalog       CatalogConfig
	Grid          GridConfig
	Auth          AuthConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string   `envconfig:"PORT" default:"8080"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitRPS       float64  `envconfig:"API_RATE_LIMIT_RPS" default:"10" validate:"gte=0"`
	RateLimitBurst     int      `envconfig:"API_RATE_LIMIT_BURST" default:"40" validate:"gte=0"`
}

// BirdhouseConfig locates the remote climate data platform: identity service,
// WPS servers and THREDDS.
type BirdhouseConfig struct {
	HostURL      string `envconfig:"BIRDHOUSE_HOST_URL" validate:"required,url"`
	MagpieURL    string `envconfig:"MAGPIE_URL" validate:"required,url"`
	ChickadeeURL string `envconfig:"CHICKADEE_URL" validate:"omitempty,url"`
	FinchURL     string `envconfig:"FINCH_URL" validate:"omitempty,url"`
}

// ThreddsBase is the OPeNDAP (dodsC) dataset root.
func (b BirdhouseConfig) ThreddsBase() string {
	return strings.TrimRight(b.HostURL, "/") + "/twitcher/ows/proxy/thredds/dodsC/datasets"
}

// ThreddsCatalog is the HTML catalog dataset root.
func (b BirdhouseConfig) ThreddsCatalog() string {
	return strings.TrimRight(b.HostURL, "/") + "/twitcher/ows/proxy/thredds/catalog/datasets"
}

// Chickadee is the downscaling server root (without the /wps path).
func (b BirdhouseConfig) Chickadee() string {
	if b.ChickadeeURL != "" {
		return strings.TrimRight(b.ChickadeeURL, "/")
	}
	host := strings.Replace(strings.TrimRight(b.HostURL, "/"), "https", "http", 1)
	return host + ":30102"
}

// Finch is the index server WPS endpoint.
func (b BirdhouseConfig) Finch() string {
	if b.FinchURL != "" {
		return strings.TrimRight(b.FinchURL, "/")
	}
	return strings.TrimRight(b.HostURL, "/") + "/twitcher/ows/proxy/finch/wps"
}

// DatabaseConfig holds the job store connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	JobQueueURL string `envconfig:"SQS_JOBS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig selects and configures the outbound mail provider.
type EmailConfig struct {
	Provider     string       `envconfig:"EMAIL_PROVIDER" default:"smtp" validate:"oneof=smtp ses none"`
	SMTPHost     string       `envconfig:"SMTP_HOST"`
	SMTPPort     int          `envconfig:"SMTP_PORT" default:"587" validate:"gte=1,lte=65535"`
	SMTPUser     string       `envconfig:"SMTP_USER"`
	SMTPPassword SecretString `envconfig:"SMTP_PASSWORD"`
	SMTPSSL      bool         `envconfig:"SMTP_SSL" default:"false"`
	From         string       `envconfig:"SMTP_FROM" validate:"omitempty,email"`
}

// Enabled reports whether outbound email is configured at all.
func (e EmailConfig) Enabled() bool {
	switch e.Provider {
	case "ses":
		return e.From != ""
	case "smtp":
		return e.SMTPHost != ""
	}
	return false
}

// JobsConfig tunes the remote job lifecycle and the task queue.
type JobsConfig struct {
	PollInterval   time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"3s"`
	PollTimeout    time.Duration `envconfig:"JOB_POLL_TIMEOUT" default:"6h"`
	JobTimeout     time.Duration `envconfig:"JOB_TIMEOUT" default:"6h"`
	ResultTTL      time.Duration `envconfig:"JOB_RESULT_TTL" default:"168h"`
	CancelCooldown time.Duration `envconfig:"CANCEL_COOLDOWN" default:"45s"`
	WorkerBatch    int           `envconfig:"WORKER_BATCH_SIZE" default:"1" validate:"gte=1,lte=10"`
	Parallelism    int           `envconfig:"WORKER_PARALLELISM" default:"2" validate:"gte=1,lte=8"`
}

// CatalogConfig tunes THREDDS catalog scraping.
type CatalogConfig struct {
	RequestsPerSecond float64 `envconfig:"CATALOG_RPS" default:"5"`
	Burst             int     `envconfig:"CATALOG_BURST" default:"2"`
	StrictMatch       bool    `envconfig:"CATALOG_STRICT_MATCH" default:"false"`
}

// GridConfig optionally points reference-grid checks at local NetCDF copies.
type GridConfig struct {
	// Dir, when set, holds local copies of the BC and Canada masks named by
	// their remote file names.
	Dir string `envconfig:"GRID_DIR"`
}

// AuthConfig holds the wizard session settings.
type AuthConfig struct {
	SessionKey   SecretString  `envconfig:"SESSION_KEY" validate:"required,min=32"`
	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"12h"`
	CookieName   string        `envconfig:"SESSION_COOKIE_NAME" default:"odds_session"`
	CookieSecure bool          `envconfig:"SESSION_COOKIE_SECURE" default:"true"`

	// WizardIdleTTL drops wizard sessions nobody touched for this long.
	WizardIdleTTL time.Duration `envconfig:"WIZARD_IDLE_TTL" default:"2h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ODDS"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
