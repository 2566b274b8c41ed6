// Package main is the entry point for the odds job worker.
//
// The worker receives launched job requests from the SQS job queue and runs
// each through worker.Processor: downscaling on chickadee, indices on finch,
// then the result email.
//
// Inside AWS Lambda it is an SQS event source handler using partial batch
// responses, so only failed messages are redelivered. Locally (APP_ENV=local)
// it long-polls the queue until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"odds/internal/config"
	"odds/internal/db"
	"odds/internal/notifications/email"
	"odds/internal/platform"
	"odds/internal/queue"
	"odds/internal/worker"
)

// Handler adapts SQS events to the processor.
type Handler struct {
	handle queue.HandlerFunc
	logger *slog.Logger
}

// Handle processes every record independently. Records that fail are
// returned in BatchItemFailures; undecodable records are acknowledged since
// redelivery cannot fix them.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		logger := h.logger.With("message_id", record.MessageId)
		req, err := queue.DecodeRequest(record.Body)
		if err != nil {
			logger.ErrorContext(ctx, "dropping undecodable job message", "error", err)
			continue
		}
		if err := h.handle(ctx, req); err != nil {
			logger.ErrorContext(ctx, "job failed, reporting for redelivery", "job_id", req.ID, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return resp, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(platform.SecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.RequireJobStore(); err != nil {
		return err
	}
	logger := platform.NewLogger(cfg.LogLevel)
	logger.Info("odds worker starting (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"parallelism", cfg.Jobs.Parallelism,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	awsCfg, err := platform.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	rec := platform.NewRecorder(cfg, awsCfg, logger)
	bh := platform.NewBirdhouse(cfg, rec, logger)

	processor := worker.NewProcessor(worker.Deps{
		Store:       db.NewJobsRepository(pool),
		Sources:     bh.Resolver,
		Opener:      bh.Opener,
		Chickadee:   bh.Chickadee,
		Finch:       bh.Finch,
		Locations:   bh.Locations,
		Mailer:      email.NewProvider(cfg.Email, awsCfg, logger),
		From:        cfg.Email.From,
		Metrics:     rec,
		Logger:      logger,
		Timeout:     cfg.Jobs.JobTimeout,
		Parallelism: cfg.Jobs.Parallelism,
	})

	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: long-polling the job queue", "queue_url", cfg.AWS.JobQueueURL)
		consumer := queue.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.AWS.JobQueueURL, cfg.Jobs.WorkerBatch, logger)
		err := consumer.Run(ctx, processor.Handle)
		logger.Info("worker stopped")
		return err
	}

	handler := &Handler{handle: processor.Handle, logger: logger}
	lambda.Start(handler.Handle)
	return nil
}
