package external

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"odds/internal/types"
)

// Status element names reported by WPS 1.0.0 servers.
const (
	WPSProcessAccepted  = "ProcessAccepted"
	WPSProcessStarted   = "ProcessStarted"
	WPSProcessPaused    = "ProcessPaused"
	WPSProcessSucceeded = "ProcessSucceeded"
	WPSProcessFailed    = "ProcessFailed"
)

const wpsMaxBody = 4 << 20

// WPSInput is one Execute input. Reference inputs are sent as hrefs (OPeNDAP
// URLs), the rest as literal data.
type WPSInput struct {
	Identifier string
	Value      string
	Reference  bool
	MimeType   string
}

// Literal builds a literal input.
func Literal(id, value string) WPSInput {
	return WPSInput{Identifier: id, Value: value}
}

// Reference builds an OPeNDAP reference input.
func Reference(id, href string) WPSInput {
	return WPSInput{Identifier: id, Value: href, Reference: true, MimeType: "application/x-ogc-dods"}
}

// WPSStatus is the parsed Status element of an execute response.
type WPSStatus struct {
	Kind             string
	Message          string
	PercentCompleted int
}

// WPSOutput is one process output. Href is set for outputs stored by reference.
type WPSOutput struct {
	Identifier string
	Href       string
	MimeType   string
	Data       string
}

// WPSExecution is the parsed execute response document, either as returned
// by Execute or as re-fetched from its status location.
type WPSExecution struct {
	StatusLocation string
	Status         WPSStatus
	Outputs        []WPSOutput
	Raw            string
}

// JobID is the remote job identifier: the last path segment of the status
// location with its ".xml" suffix removed.
func (e *WPSExecution) JobID() string {
	return JobIDFromStatusLocation(e.StatusLocation)
}

// JobIDFromStatusLocation extracts the remote job id from a status URL.
func JobIDFromStatusLocation(loc string) string {
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	return strings.TrimSuffix(path.Base(loc), ".xml")
}

// WPSError is an OWS exception returned by a WPS server, either as a
// top-level ExceptionReport or inside a ProcessFailed status.
type WPSError struct {
	Code       string
	Text       string
	HTTPStatus int
}

func (e *WPSError) Error() string {
	if e.Code == "" {
		return e.Text
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// WPSClientConfig configures a client for one WPS server.
type WPSClientConfig struct {
	// Name labels logs and the circuit breaker ("chickadee", "finch").
	Name string
	// Endpoint is the WPS URL accepting Execute requests.
	Endpoint string
	// CancelURL, when set, accepts {"uuid": id} to cancel a running job.
	CancelURL string
	Logger    *slog.Logger
}

// WPSClient submits processes to a WPS 1.0.0 server and reads their status
// documents.
type WPSClient struct {
	submit    *BaseClient
	poll      *BaseClient
	name      string
	endpoint  string
	cancelURL string
	logger    *slog.Logger
}

// NewWPSClient creates a client with production retry settings. Execute is
// never retried; status polls and cancels are.
func NewWPSClient(httpClient *http.Client, cfg WPSClientConfig) *WPSClient {
	submit := NewBaseClient(httpClient, cfg.Name+"-execute", NoRetryPolicy(), "odds/1.0", WithResponsePassthrough())
	poll := NewBaseClient(httpClient, cfg.Name+"-status", RetryPolicy{
		MaxRetries: 2,
		MinWait:    1 * time.Second,
		MaxWait:    5 * time.Second,
	}, "odds/1.0")
	return NewWPSClientWithBase(submit, poll, cfg)
}

// NewWPSClientWithBase creates a client from pre-configured BaseClients.
func NewWPSClientWithBase(submit, poll *BaseClient, cfg WPSClientConfig) *WPSClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WPSClient{
		submit:    submit,
		poll:      poll,
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		cancelURL: cfg.CancelURL,
		logger:    logger.With("wps", cfg.Name),
	}
}

// Name returns the configured server label.
func (c *WPSClient) Name() string { return c.name }

// Execute submits process asynchronously and returns the initial response.
// A server-side rejection is returned as *WPSError.
func (c *WPSClient) Execute(ctx context.Context, process string, inputs []WPSInput) (*WPSExecution, error) {
	body, err := encodeExecute(process, inputs)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode WPS execute request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create WPS execute request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	c.logger.InfoContext(ctx, "submitting WPS process", "process", process, "inputs", len(inputs))

	resp, err := c.submit.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s execute %s: %w", c.name, process, err)
	}
	raw, err := readBody(resp, wpsMaxBody)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read WPS execute response", err)
	}

	exec, err := parseExecuteResponse(raw, resp.StatusCode)
	if err != nil {
		return nil, err
	}
	if exec.StatusLocation == "" {
		return nil, &WPSError{Code: "NoApplicableCode", Text: "execute response has no statusLocation", HTTPStatus: resp.StatusCode}
	}

	c.logger.InfoContext(ctx, "WPS process accepted",
		"process", process,
		"job_id", exec.JobID(),
		"status", exec.Status.Kind,
	)
	return exec, nil
}

// Status fetches and parses the status document at statusLocation.
func (c *WPSClient) Status(ctx context.Context, statusLocation string) (*WPSExecution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusLocation, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create WPS status request", err)
	}
	resp, err := c.poll.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s status: %w", c.name, err)
	}
	raw, err := readBody(resp, wpsMaxBody)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read WPS status document", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "status document not found", nil)
	}
	exec, err := parseExecuteResponse(raw, resp.StatusCode)
	if err != nil {
		return nil, err
	}
	if exec.StatusLocation == "" {
		exec.StatusLocation = statusLocation
	}
	return exec, nil
}

type cancelRequest struct {
	UUID string `json:"uuid"`
}

type cancelResponse struct {
	Message string `json:"message"`
}

// Cancel asks the server to stop job id and returns its message.
func (c *WPSClient) Cancel(ctx context.Context, jobID string) (string, error) {
	if c.cancelURL == "" {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, c.name+" does not support cancellation", nil)
	}
	body, err := json.Marshal(cancelRequest{UUID: jobID})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize cancel request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cancelURL, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create cancel request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.InfoContext(ctx, "cancelling WPS process", "job_id", jobID)

	resp, err := c.poll.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s cancel: %w", c.name, err)
	}
	raw, err := readBody(resp, 64<<10)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read cancel response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamJobFailed,
			fmt.Sprintf("failed to cancel. Status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			nil,
			map[string]any{"job_id": jobID, "status_code": resp.StatusCode},
		)
	}
	var cr cancelResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode cancel response", err)
	}
	return cr.Message, nil
}

// --- XML encoding ---

type xmlExecute struct {
	XMLName      xml.Name          `xml:"wps:Execute"`
	Service      string            `xml:"service,attr"`
	Version      string            `xml:"version,attr"`
	XmlnsWPS     string            `xml:"xmlns:wps,attr"`
	XmlnsOWS     string            `xml:"xmlns:ows,attr"`
	XmlnsXlink   string            `xml:"xmlns:xlink,attr"`
	Identifier   string            `xml:"ows:Identifier"`
	Inputs       []xmlInput        `xml:"wps:DataInputs>wps:Input"`
	ResponseForm xmlResponseFormat `xml:"wps:ResponseForm"`
}

type xmlInput struct {
	Identifier string        `xml:"ows:Identifier"`
	Reference  *xmlReference `xml:"wps:Reference,omitempty"`
	Literal    *string       `xml:"wps:Data>wps:LiteralData,omitempty"`
}

type xmlReference struct {
	Href     string `xml:"xlink:href,attr"`
	MimeType string `xml:"mimeType,attr,omitempty"`
}

type xmlResponseFormat struct {
	Document xmlResponseDocument `xml:"wps:ResponseDocument"`
}

type xmlResponseDocument struct {
	Store  bool `xml:"storeExecuteResponse,attr"`
	Status bool `xml:"status,attr"`
}

func encodeExecute(process string, inputs []WPSInput) ([]byte, error) {
	doc := xmlExecute{
		Service:    "WPS",
		Version:    "1.0.0",
		XmlnsWPS:   "http://www.opengis.net/wps/1.0.0",
		XmlnsOWS:   "http://www.opengis.net/ows/1.1",
		XmlnsXlink: "http://www.w3.org/1999/xlink",
		Identifier: process,
		ResponseForm: xmlResponseFormat{
			Document: xmlResponseDocument{Store: true, Status: true},
		},
	}
	for _, in := range inputs {
		xi := xmlInput{Identifier: in.Identifier}
		if in.Reference {
			xi.Reference = &xmlReference{Href: in.Value, MimeType: in.MimeType}
		} else {
			v := in.Value
			xi.Literal = &v
		}
		doc.Inputs = append(doc.Inputs, xi)
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// --- XML decoding ---

type xmlException struct {
	Code string   `xml:"exceptionCode,attr"`
	Text []string `xml:"ExceptionText"`
}

type xmlExceptionReport struct {
	Exceptions []xmlException `xml:"Exception"`
}

type xmlStatusValue struct {
	Message string `xml:",chardata"`
	Percent int    `xml:"percentCompleted,attr"`
}

type xmlFailed struct {
	Report xmlExceptionReport `xml:"ExceptionReport"`
}

type xmlStatus struct {
	Accepted  *xmlStatusValue `xml:"ProcessAccepted"`
	Started   *xmlStatusValue `xml:"ProcessStarted"`
	Paused    *xmlStatusValue `xml:"ProcessPaused"`
	Succeeded *xmlStatusValue `xml:"ProcessSucceeded"`
	Failed    *xmlFailed      `xml:"ProcessFailed"`
}

type xmlOutput struct {
	Identifier string `xml:"Identifier"`
	Reference  *struct {
		Href     string `xml:"href,attr"`
		MimeType string `xml:"mimeType,attr"`
	} `xml:"Reference"`
	Literal string `xml:"Data>LiteralData"`
	Complex string `xml:"Data>ComplexData"`
}

type xmlExecuteResponse struct {
	XMLName        xml.Name
	StatusLocation string         `xml:"statusLocation,attr"`
	Status         xmlStatus      `xml:"Status"`
	Outputs        []xmlOutput    `xml:"ProcessOutputs>Output"`
	Exceptions     []xmlException `xml:"Exception"`
}

func (e xmlException) asError(status int) *WPSError {
	return &WPSError{
		Code:       e.Code,
		Text:       strings.TrimSpace(strings.Join(e.Text, " ")),
		HTTPStatus: status,
	}
}

// parseExecuteResponse decodes either an ExecuteResponse or a top-level
// ExceptionReport. Exception reports become *WPSError.
func parseExecuteResponse(raw []byte, httpStatus int) (*WPSExecution, error) {
	var doc xmlExecuteResponse
	if err := xml.Unmarshal(raw, &doc); err != nil {
		if httpStatus >= 400 {
			return nil, &WPSError{Code: "NoApplicableCode", Text: strings.TrimSpace(string(raw)), HTTPStatus: httpStatus}
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "malformed WPS response document", err)
	}

	if doc.XMLName.Local == "ExceptionReport" {
		if len(doc.Exceptions) == 0 {
			return nil, &WPSError{Code: "NoApplicableCode", Text: "empty exception report", HTTPStatus: httpStatus}
		}
		return nil, doc.Exceptions[0].asError(httpStatus)
	}
	if doc.XMLName.Local != "ExecuteResponse" {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "unexpected WPS document "+doc.XMLName.Local, nil)
	}

	exec := &WPSExecution{StatusLocation: doc.StatusLocation, Raw: string(raw)}
	s := doc.Status
	switch {
	case s.Failed != nil:
		exec.Status.Kind = WPSProcessFailed
		if len(s.Failed.Report.Exceptions) > 0 {
			exec.Status.Message = s.Failed.Report.Exceptions[0].asError(httpStatus).Error()
		}
	case s.Succeeded != nil:
		exec.Status = WPSStatus{Kind: WPSProcessSucceeded, Message: strings.TrimSpace(s.Succeeded.Message), PercentCompleted: 100}
	case s.Started != nil:
		exec.Status = WPSStatus{Kind: WPSProcessStarted, Message: strings.TrimSpace(s.Started.Message), PercentCompleted: s.Started.Percent}
	case s.Paused != nil:
		exec.Status = WPSStatus{Kind: WPSProcessPaused, Message: strings.TrimSpace(s.Paused.Message), PercentCompleted: s.Paused.Percent}
	case s.Accepted != nil:
		exec.Status = WPSStatus{Kind: WPSProcessAccepted, Message: strings.TrimSpace(s.Accepted.Message)}
	default:
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "WPS response has no status", nil)
	}

	for _, o := range doc.Outputs {
		out := WPSOutput{Identifier: strings.TrimSpace(o.Identifier), Data: strings.TrimSpace(o.Literal + o.Complex)}
		if o.Reference != nil {
			out.Href = o.Reference.Href
			out.MimeType = o.Reference.MimeType
		}
		exec.Outputs = append(exec.Outputs, out)
	}
	return exec, nil
}
