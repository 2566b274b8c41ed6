// Package queue moves launched job requests from the API to the worker over
// SQS. The API side records each request in the job store before sending it;
// the worker side receives, decodes and deletes messages.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"odds/internal/metrics"
	"odds/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// JobStore records launched requests. *db.JobsRepository satisfies it.
type JobStore interface {
	Create(ctx context.Context, req types.JobRequest) error
	Position(ctx context.Context, id string) (int, error)
	Finish(ctx context.Context, id string, status types.JobStatus, errText, results string, at time.Time) error
}

// JobProducer records a request, sends it to the job queue and reports its
// position in line.
type JobProducer struct {
	client   SQSSender
	queueURL string
	store    JobStore
	metrics  metrics.Recorder
	clock    types.Clock
	logger   *slog.Logger
}

// NewJobProducer creates a producer sending to queueURL. rec may be nil.
func NewJobProducer(client SQSSender, queueURL string, store JobStore, rec metrics.Recorder, logger *slog.Logger) *JobProducer {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobProducer{
		client:   client,
		queueURL: queueURL,
		store:    store,
		metrics:  rec,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

// Enqueue stores req as queued, sends it and returns its queue position. A
// request whose message cannot be sent is marked failed so it does not hold
// a place in line.
func (p *JobProducer) Enqueue(ctx context.Context, req types.JobRequest) (int, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected, "could not encode the job request", err)
	}
	if err := p.store.Create(ctx, req); err != nil {
		return 0, err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			attrEncoding: {DataType: aws.String("String"), StringValue: aws.String(encodingZstd)},
			attrJobID:    {DataType: aws.String("String"), StringValue: aws.String(req.ID)},
		},
	})
	if err != nil {
		if ferr := p.store.Finish(ctx, req.ID, types.JobFailed, "enqueue failed: "+err.Error(), "", p.clock.Now()); ferr != nil {
			p.logger.ErrorContext(ctx, "failed to mark unsent job", "job_id", req.ID, "error", ferr)
		}
		return 0, types.NewAppError(types.ErrCodeUpstreamQueue, "The task queue is unavailable. Please try again later.",
			fmt.Errorf("queue: send job %s to %s: %w", req.ID, p.queueURL, err))
	}

	pos, err := p.store.Position(ctx, req.ID)
	if err != nil {
		// The job is queued; only the position is unknown.
		p.logger.WarnContext(ctx, "queue position unavailable", "job_id", req.ID, "error", err)
		pos = 0
	}
	p.metrics.RecordLaunch(ctx, pos)

	p.logger.InfoContext(ctx, "job request sent",
		"queue_url", p.queueURL,
		"job_id", req.ID,
		"downscale_jobs", len(req.DownscaleJobs),
		"index_jobs", len(req.IndexJobs),
		"queue_position", pos,
	)
	return pos, nil
}
