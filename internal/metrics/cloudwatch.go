// Package metrics publishes job and launch metrics to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"odds/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder receives job lifecycle and launch events. Implementations never
// fail the caller; publishing errors are logged.
type Recorder interface {
	RecordSubmitted(ctx context.Context, process string)
	RecordQueueFull(ctx context.Context, process string)
	RecordOutcome(ctx context.Context, process string, status types.JobStatus, elapsed time.Duration)
	RecordLaunch(ctx context.Context, position int)
}

var (
	_ Recorder = (*CloudWatchRecorder)(nil)
	_ Recorder = Noop{}
)

// CloudWatchRecorder emits metrics to AWS CloudWatch:
//   - JobSubmitted, RemoteQueueFull: Dims {Process}
//   - JobCompleted | JobFailed, JobDuration: Dims {Process}
//   - LaunchQueued, LaunchQueuePosition: no dims
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a recorder publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func processDim(process string) []cwtypes.Dimension {
	return []cwtypes.Dimension{{Name: aws.String(types.DimProcess), Value: aws.String(process)}}
}

func (m *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordSubmitted counts an accepted WPS submission.
func (m *CloudWatchRecorder) RecordSubmitted(ctx context.Context, process string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricJobSubmitted),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: processDim(process),
	})
}

// RecordQueueFull counts a submission rejected because the remote queue is
// saturated.
func (m *CloudWatchRecorder) RecordQueueFull(ctx context.Context, process string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueFull),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: processDim(process),
	})
}

// RecordOutcome counts a terminal job and its wall time in milliseconds.
func (m *CloudWatchRecorder) RecordOutcome(ctx context.Context, process string, status types.JobStatus, elapsed time.Duration) {
	name := types.MetricJobCompleted
	if status != types.JobSucceeded {
		name = types.MetricJobFailed
	}
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: processDim(process),
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricJobDuration),
			Value:      aws.Float64(float64(elapsed.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: processDim(process),
		},
	)
}

// RecordLaunch counts an enqueued launch and the queue position it got.
func (m *CloudWatchRecorder) RecordLaunch(ctx context.Context, position int) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricLaunchQueued),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricQueuePosition),
			Value:      aws.Float64(float64(position)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

// RecordRequest counts an API request and its latency by route pattern and
// status code.
func (m *CloudWatchRecorder) RecordRequest(method, route, status string, d time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimRoute), Value: aws.String(method + " " + route)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}
	m.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequests),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(d.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

// Noop discards everything. Used when ENABLE_METRICS is false.
type Noop struct{}

func (Noop) RecordSubmitted(context.Context, string)                               {}
func (Noop) RecordQueueFull(context.Context, string)                               {}
func (Noop) RecordOutcome(context.Context, string, types.JobStatus, time.Duration) {}
func (Noop) RecordLaunch(context.Context, int)                                     {}
func (Noop) RecordRequest(string, string, string, time.Duration)                   {}
