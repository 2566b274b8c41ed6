package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"odds/internal/types"
)

// SQSReceiver abstracts the SQS receive and delete operations used by the
// long-poll consumer.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// HandlerFunc processes one decoded job request. Returning an error leaves
// the message on the queue for redelivery.
type HandlerFunc func(ctx context.Context, req types.JobRequest) error

// Consumer long-polls the job queue. It is the local counterpart of the
// Lambda SQS trigger.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	batch    int32
	wait     int32
	idle     time.Duration
	logger   *slog.Logger
}

// NewConsumer creates a consumer receiving up to batch messages per poll.
func NewConsumer(client SQSReceiver, queueURL string, batch int, logger *slog.Logger) *Consumer {
	if batch < 1 {
		batch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		batch:    int32(batch),
		wait:     20,
		idle:     5 * time.Second,
		logger:   logger,
	}
}

// Run receives and handles messages until ctx is cancelled. Messages are
// handled one at a time, in the order received.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   c.batch,
			WaitTimeSeconds:       c.wait,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "receive from job queue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.idle):
			}
			continue
		}
		for _, msg := range out.Messages {
			c.process(ctx, msg, handle)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg sqsTypes.Message, handle HandlerFunc) {
	logger := c.logger.With("message_id", aws.ToString(msg.MessageId))
	req, err := DecodeRequest(aws.ToString(msg.Body))
	if err != nil {
		// A body that cannot be decoded never will be.
		logger.ErrorContext(ctx, "dropping undecodable job message", "error", err)
		c.delete(ctx, msg, logger)
		return
	}
	if err := handle(ctx, req); err != nil {
		logger.ErrorContext(ctx, "job failed, leaving message for redelivery", "job_id", req.ID, "error", err)
		return
	}
	c.delete(ctx, msg, logger)
}

func (c *Consumer) delete(ctx context.Context, msg sqsTypes.Message, logger *slog.Logger) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete job message", "error", err)
	}
}
