// Package main is the entry point for the odds API server.
//
// It loads the configuration, connects the job store and the task queue,
// wires the Birdhouse clients into the wizard session store and mounts the
// handlers on the core chassis.
//
// In local mode it runs as a standard HTTP server on the configured port.
// Inside AWS Lambda it serves API Gateway HTTP API events through the same
// router. Wizard sessions live in process memory, so a Lambda deployment
// must run with a reserved concurrency of one.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"odds/internal/api/handlers"
	"odds/internal/auth"
	"odds/internal/config"
	"odds/internal/core"
	"odds/internal/db"
	"odds/internal/jobs"
	"odds/internal/notifications/email"
	"odds/internal/params"
	"odds/internal/platform"
	"odds/internal/queue"
	"odds/internal/wizard"
)

// sweepInterval is how often idle wizard sessions are dropped.
const sweepInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(platform.SecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.RequireJobStore(); err != nil {
		return err
	}

	logger := platform.NewLogger(cfg.LogLevel)
	logger.Info("odds API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	srv, store, err := buildServer(ctx, cfg, pool, logger)
	if err != nil {
		pool.Close()
		return err
	}
	go store.RunSweeper(ctx, sweepInterval)

	if isLambdaEnvironment() {
		lambda.Start(newLambdaHandler(srv.Handler()))
		return nil
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every API dependency and mounts the routes.
func buildServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*core.Server, *wizard.Store, error) {
	awsCfg, err := platform.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, nil, err
	}
	rec := platform.NewRecorder(cfg, awsCfg, logger)
	bh := platform.NewBirdhouse(cfg, rec, logger)

	sealer, err := auth.NewSealer(cfg.Auth.SessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("session key: %w", err)
	}
	authSvc := auth.NewService(auth.ServiceConfig{
		Identity: bh.Identity,
		Sealer:   sealer,
		TTL:      cfg.Auth.SessionTTL,
		Logger:   logger,
	})

	repo := db.NewJobsRepository(pool)
	producer := queue.NewJobProducer(sqs.NewFromConfig(awsCfg), cfg.AWS.JobQueueURL, repo, rec, logger)

	store := wizard.NewStore(wizard.Deps{
		Locator:        bh.Policy,
		Launcher:       producer,
		Canceller:      jobs.NewCanceller(repo, nil, logger, bh.Chickadee, bh.Finch),
		CancelCooldown: cfg.Jobs.CancelCooldown,
		Mailer:         email.NewProvider(cfg.Email, awsCfg, logger),
		From:           cfg.Email.From,
		Locs:           bh.Locations,
		Logger:         logger,
	}, cfg.Auth.WizardIdleTTL)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = authSvc
	srv.Metrics = rec
	if cfg.Server.RateLimitRPS > 0 {
		srv.RateLimiter = core.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return pool.Ping(ctx) }},
	}
	srv.Closers = append(srv.Closers, func() error {
		pool.Close()
		return nil
	})

	authHandler := handlers.NewAuthHandler(authSvc, srv.Validator, handlers.CookieSettings{
		Name:   srv.CookieName(),
		Secure: srv.CookieSecure(),
	}, logger)
	catalogHandler := handlers.NewCatalogHandler(bh.Resolver, params.Indices(), logger)
	sessionHandler := handlers.NewSessionHandler(store, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		authHandler.RegisterRoutes,
		catalogHandler.RegisterRoutes,
		sessionHandler.RegisterRoutes,
	)
	srv.MountRoutes()
	return srv, store, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
