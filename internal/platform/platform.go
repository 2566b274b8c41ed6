// Package platform builds the collaborators shared by the odds binaries from
// a loaded config: the logger, AWS clients, the Birdhouse clients and the
// metrics recorder.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/sony/gobreaker/v2"

	"odds/internal/catalog"
	"odds/internal/config"
	"odds/internal/external"
	"odds/internal/grid"
	"odds/internal/jobs"
	"odds/internal/metrics"
	"odds/internal/opendap"
	"odds/internal/params"
)

// NewLogger creates the JSON logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// SecretProvider picks where odds secrets are resolved: Parameter Store, or
// the process environment when SECRETS_SOURCE=env or APP_ENV=local.
func SecretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" || os.Getenv("SECRETS_SOURCE") == "env" {
		return config.NewEnvVarProvider()
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// LoadAWS loads the SDK configuration. AWS_ENDPOINT_URL points every client
// at LocalStack.
func LoadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// Recorder is the CloudWatch recorder when ENABLE_METRICS is set, and a
// no-op otherwise.
type Recorder interface {
	metrics.Recorder
	RecordRequest(method, route, status string, d time.Duration)
}

// NewRecorder builds the metrics recorder.
func NewRecorder(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) Recorder {
	if !cfg.Observability.EnableMetrics {
		return metrics.Noop{}
	}
	return metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
}

// Birdhouse holds the clients for the remote climate data platform.
type Birdhouse struct {
	Resolver  *catalog.Resolver
	OPeNDAP   *opendap.Client
	Opener    grid.Opener
	Checker   *grid.Checker
	Policy    *grid.LocationPolicy
	Identity  *external.IdentityClient
	Chickadee *jobs.Manager
	Finch     *jobs.Manager
	Locations params.Locations
}

// NewBirdhouse wires the Birdhouse clients. The catalog scraper and the
// OPeNDAP reader share one THREDDS circuit breaker.
func NewBirdhouse(cfg *config.Config, rec metrics.Recorder, logger *slog.Logger) *Birdhouse {
	httpClient := &http.Client{Timeout: 60 * time.Second}
	bh := cfg.Birdhouse
	userAgent := cfg.Build.UserAgent()

	thredds := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "thredds",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	threddsBase := external.NewBaseClientWithBreaker(httpClient, thredds, external.DefaultRetryPolicy(), userAgent)

	resolver := catalog.NewResolver(threddsBase, bh.ThreddsBase(), bh.ThreddsCatalog(), catalog.Options{
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		Burst:             cfg.Catalog.Burst,
		StrictMatch:       cfg.Catalog.StrictMatch,
	}, logger)
	dap := opendap.NewClient(threddsBase, logger)
	opener := grid.RoutingOpener{Remote: dap, Local: grid.NetCDFOpener{}}
	checker := grid.NewChecker(opener, grid.DefaultReferences(bh.ThreddsBase(), cfg.Grid.Dir), logger)

	identityBase := external.NewBaseClient(httpClient, "magpie", external.DefaultRetryPolicy(), userAgent)

	jobsCfg := jobs.Config{
		PollInterval:   cfg.Jobs.PollInterval,
		PollTimeout:    cfg.Jobs.PollTimeout,
		CancelCooldown: cfg.Jobs.CancelCooldown,
		Metrics:        rec,
		Logger:         logger,
	}
	chickadee := external.NewWPSClient(httpClient, external.WPSClientConfig{
		Name:      "chickadee",
		Endpoint:  bh.Chickadee() + "/wps",
		CancelURL: bh.Chickadee() + "/wps/cancel-process",
		Logger:    logger,
	})
	finch := external.NewWPSClient(httpClient, external.WPSClientConfig{
		Name:     "finch",
		Endpoint: bh.Finch(),
		Logger:   logger,
	})

	return &Birdhouse{
		Resolver:  resolver,
		OPeNDAP:   dap,
		Opener:    opener,
		Checker:   checker,
		Policy:    grid.NewLocationPolicy(checker, resolver),
		Identity:  external.NewIdentityClient(identityBase, bh.MagpieURL, logger),
		Chickadee: jobs.NewManager(chickadee, jobsCfg),
		Finch:     jobs.NewManager(finch, jobsCfg),
		Locations: params.Locations{DodsBase: bh.ThreddsBase()},
	}
}
