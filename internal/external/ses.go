package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"odds/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClient sends plain-text notifications through AWS SES v2. The SDK
// retries internally, so no BaseClient is involved.
type SESClient struct {
	api    SESAPI
	logger *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, logger *slog.Logger) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), logger)
}

// NewSESClientWithAPI creates an SESClient around an existing SESAPI.
func NewSESClientWithAPI(api SESAPI, logger *slog.Logger) *SESClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{api: api, logger: logger}
}

// Send transmits msg and returns the provider message id.
func (s *SESClient) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{
					Text: &sestypes.Content{
						Data:    aws.String(msg.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
	if msg.ReferenceID != "" {
		input.EmailTags = []sestypes.MessageTag{
			{Name: aws.String("JobID"), Value: aws.String(msg.ReferenceID)},
		}
	}

	result, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return "", mapSESError(err)
	}

	msgID := aws.ToString(result.MessageId)
	s.logger.InfoContext(ctx, "email sent via SES", "message_id", msgID, "job_id", msg.ReferenceID)
	return msgID, nil
}

func mapSESError(err error) error {
	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account sending paused: %v", err), err)
	}

	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return types.NewAppError(types.ErrCodeValidationInvalidEmail, fmt.Sprintf("SES rejected message: %v", err), err)
	}

	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}
