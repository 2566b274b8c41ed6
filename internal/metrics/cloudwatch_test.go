package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"odds/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, value string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != value {
				t.Errorf("dimension %s: expected %q, got %q", name, value, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestRecordSubmitted(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchRecorder(cw, "", nil)

	m.RecordSubmitted(context.Background(), "ci")

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricJobSubmitted {
		t.Errorf("expected metric name %q, got %q", types.MetricJobSubmitted, *datum.MetricName)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimProcess, "ci")
}

func TestRecordOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchRecorder(cw, "Custom", nil)

	m.RecordOutcome(context.Background(), "tg", types.JobCancelled, 1500*time.Millisecond)

	input := cw.calls[0]
	if *input.Namespace != "Custom" {
		t.Errorf("expected namespace Custom, got %q", *input.Namespace)
	}
	if len(input.MetricData) != 2 {
		t.Fatalf("expected 2 metric data, got %d", len(input.MetricData))
	}
	if *input.MetricData[0].MetricName != types.MetricJobFailed {
		t.Errorf("expected %q for a cancelled job, got %q", types.MetricJobFailed, *input.MetricData[0].MetricName)
	}
	if *input.MetricData[1].Value != 1500 {
		t.Errorf("expected 1500ms, got %f", *input.MetricData[1].Value)
	}

	m.RecordOutcome(context.Background(), "tg", types.JobSucceeded, time.Second)
	if *cw.calls[1].MetricData[0].MetricName != types.MetricJobCompleted {
		t.Errorf("expected %q, got %q", types.MetricJobCompleted, *cw.calls[1].MetricData[0].MetricName)
	}
}

func TestRecordLaunch(t *testing.T) {
	cw := &mockCloudWatchClient{}
	NewCloudWatchRecorder(cw, "", nil).RecordLaunch(context.Background(), 4)

	data := cw.calls[0].MetricData
	if *data[0].MetricName != types.MetricLaunchQueued || *data[1].Value != 4 {
		t.Errorf("unexpected launch metrics: %s=%f", *data[1].MetricName, *data[1].Value)
	}
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatchRecorder(cw, "", nil)

	m.RecordQueueFull(context.Background(), "ci")

	if len(cw.calls) != 1 {
		t.Fatalf("expected the call to be attempted once, got %d", len(cw.calls))
	}
}

func TestRecordRequest(t *testing.T) {
	cw := &mockCloudWatchClient{}
	NewCloudWatchRecorder(cw, "", nil).RecordRequest("POST", "/v1/sessions/{id}/launch", "202", 150*time.Millisecond)

	data := cw.calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(data))
	}
	if *data[0].MetricName != types.MetricAPIRequests {
		t.Errorf("expected %q, got %q", types.MetricAPIRequests, *data[0].MetricName)
	}
	if *data[1].MetricName != types.MetricAPILatency || *data[1].Value != 150 {
		t.Errorf("unexpected latency datum: %s=%f", *data[1].MetricName, *data[1].Value)
	}
	assertDimension(t, data[0].Dimensions, types.DimRoute, "POST /v1/sessions/{id}/launch")
	assertDimension(t, data[1].Dimensions, types.DimStatus, "202")
}
