package types

// CloudWatch metric names. All components MUST use these constants.
const (
	MetricJobSubmitted  = "JobSubmitted"
	MetricJobCompleted  = "JobCompleted"
	MetricJobFailed     = "JobFailed"
	MetricQueueFull     = "RemoteQueueFull"
	MetricJobDuration   = "JobDuration"
	MetricLaunchQueued  = "LaunchQueued"
	MetricQueuePosition = "LaunchQueuePosition"
	MetricAPILatency    = "APILatency"
	MetricAPIRequests   = "APIRequestCount"

	DimProcess  = "Process"
	DimVariable = "Variable"
	DimRoute    = "Route"
	DimStatus   = "Status"

	MetricNamespace = "ODDS"
)
