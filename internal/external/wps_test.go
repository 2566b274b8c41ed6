package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"odds/internal/types"
)

const acceptedDoc = `<?xml version="1.0" encoding="UTF-8"?>
<wps:ExecuteResponse xmlns:wps="http://www.opengis.net/wps/1.0.0" service="WPS" version="1.0.0"
  statusLocation="https://host/wpsoutputs/chickadee/3f2a9c1e-1111-2222-3333-444455556666.xml">
  <wps:Status creationTime="2024-01-01T00:00:00Z">
    <wps:ProcessAccepted>Process ci accepted</wps:ProcessAccepted>
  </wps:Status>
</wps:ExecuteResponse>`

const succeededDoc = `<?xml version="1.0" encoding="UTF-8"?>
<wps:ExecuteResponse xmlns:wps="http://www.opengis.net/wps/1.0.0" xmlns:ows="http://www.opengis.net/ows/1.1"
  xmlns:xlink="http://www.w3.org/1999/xlink" statusLocation="https://host/wpsoutputs/chickadee/abc.xml">
  <wps:Status><wps:ProcessSucceeded>done</wps:ProcessSucceeded></wps:Status>
  <wps:ProcessOutputs>
    <wps:Output>
      <ows:Identifier>output</ows:Identifier>
      <wps:Reference xlink:href="https://host/wpsoutputs/chickadee/abc/pr_out.nc" mimeType="application/x-netcdf"/>
    </wps:Output>
  </wps:ProcessOutputs>
</wps:ExecuteResponse>`

const failedDoc = `<?xml version="1.0" encoding="UTF-8"?>
<wps:ExecuteResponse xmlns:wps="http://www.opengis.net/wps/1.0.0" xmlns:ows="http://www.opengis.net/ows/1.1">
  <wps:Status>
    <wps:ProcessFailed>
      <wps:ExceptionReport>
        <ows:Exception exceptionCode="NoApplicableCode"><ows:ExceptionText>R failed</ows:ExceptionText></ows:Exception>
      </wps:ExceptionReport>
    </wps:ProcessFailed>
  </wps:Status>
</wps:ExecuteResponse>`

const busyDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1" version="1.0.0">
  <ows:Exception exceptionCode="ServerBusy" locator="">
    <ows:ExceptionText>Maximum number of processes in queue reached. Please try later.</ows:ExceptionText>
  </ows:Exception>
</ows:ExceptionReport>`

func newTestWPSClient(t *testing.T, endpoint, cancelURL string) *WPSClient {
	t.Helper()
	return NewWPSClientWithBase(
		newTestClient(t, NoRetryPolicy(), WithResponsePassthrough()),
		newTestClient(t, fastPolicy(1)),
		WPSClientConfig{Name: "chickadee", Endpoint: endpoint, CancelURL: cancelURL},
	)
}

func TestWPSExecute_Accepted(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(acceptedDoc))
	}))
	defer server.Close()

	client := newTestWPSClient(t, server.URL, "")
	exec, err := client.Execute(context.Background(), "ci", []WPSInput{
		Literal("gcm_varname", "pr"),
		Reference("gcm_file", "https://host/dodsC/pr.nc?time[0:1]"),
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if exec.Status.Kind != WPSProcessAccepted {
		t.Errorf("status = %s", exec.Status.Kind)
	}
	if exec.JobID() != "3f2a9c1e-1111-2222-3333-444455556666" {
		t.Errorf("job id = %s", exec.JobID())
	}
	for _, want := range []string{
		`<ows:Identifier>ci</ows:Identifier>`,
		`storeExecuteResponse="true"`,
		`status="true"`,
		`<wps:LiteralData>pr</wps:LiteralData>`,
		`xlink:href="https://host/dodsC/pr.nc?time[0:1]"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("execute body missing %q:\n%s", want, body)
		}
	}
}

func TestWPSExecute_ServerBusy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(busyDoc))
	}))
	defer server.Close()

	client := newTestWPSClient(t, server.URL, "")
	_, err := client.Execute(context.Background(), "ci", nil)

	var wpsErr *WPSError
	if !errors.As(err, &wpsErr) {
		t.Fatalf("expected WPSError, got %T: %v", err, err)
	}
	if wpsErr.Code != "ServerBusy" {
		t.Errorf("code = %s", wpsErr.Code)
	}
	if !strings.Contains(err.Error(), "Maximum number of processes in queue reached") {
		t.Errorf("error text = %s", err.Error())
	}
}

func TestWPSStatus_SucceededWithOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(succeededDoc))
	}))
	defer server.Close()

	client := newTestWPSClient(t, server.URL, "")
	exec, err := client.Status(context.Background(), server.URL+"/abc.xml")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if exec.Status.Kind != WPSProcessSucceeded {
		t.Fatalf("status = %s", exec.Status.Kind)
	}
	if len(exec.Outputs) != 1 || exec.Outputs[0].Href != "https://host/wpsoutputs/chickadee/abc/pr_out.nc" {
		t.Errorf("unexpected outputs: %+v", exec.Outputs)
	}
}

func TestWPSStatus_Failed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(failedDoc))
	}))
	defer server.Close()

	client := newTestWPSClient(t, server.URL, "")
	exec, err := client.Status(context.Background(), server.URL+"/x.xml")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if exec.Status.Kind != WPSProcessFailed {
		t.Errorf("status = %s", exec.Status.Kind)
	}
	if exec.Status.Message != "NoApplicableCode: R failed" {
		t.Errorf("message = %q", exec.Status.Message)
	}
	if exec.StatusLocation != server.URL+"/x.xml" {
		t.Errorf("status location not defaulted: %s", exec.StatusLocation)
	}
}

func TestWPSStatus_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestWPSClient(t, server.URL, "")
	_, err := client.Status(context.Background(), server.URL+"/gone.xml")
	if !types.IsCode(err, types.ErrCodeNotFoundJob) {
		t.Errorf("expected not_found_job, got %v", err)
	}
}

func TestWPSCancel(t *testing.T) {
	var got cancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		if got.UUID == "missing" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("no such job"))
			return
		}
		w.Write([]byte(`{"message":"Process cancelled"}`))
	}))
	defer server.Close()

	client := newTestWPSClient(t, "", server.URL)

	msg, err := client.Cancel(context.Background(), "abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if msg != "Process cancelled" || got.UUID != "abc" {
		t.Errorf("msg = %q, uuid = %q", msg, got.UUID)
	}

	_, err = client.Cancel(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "failed to cancel. Status 400: no such job") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWPSCancel_Unsupported(t *testing.T) {
	client := newTestWPSClient(t, "http://finch", "")
	if _, err := client.Cancel(context.Background(), "abc"); err == nil {
		t.Error("expected error when no cancel endpoint is configured")
	}
}

func TestJobIDFromStatusLocation(t *testing.T) {
	tests := map[string]string{
		"https://h/wpsoutputs/abc-123.xml":     "abc-123",
		"https://h/wpsoutputs/abc-123.xml?x=1": "abc-123",
		"https://h/processes/jobs/abc-123":     "abc-123",
	}
	for in, want := range tests {
		if got := JobIDFromStatusLocation(in); got != want {
			t.Errorf("JobIDFromStatusLocation(%q) = %q, want %q", in, got, want)
		}
	}
}
