package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestLambdaHandler_RoundTrip(t *testing.T) {
	var gotBody, gotCookie, gotQuery, gotMethod, gotAccept string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if c, err := r.Cookie("odds_session"); err == nil {
			gotCookie = c.Value
		}
		gotQuery = r.URL.Query().Get("page")
		gotMethod = r.Method
		gotAccept = r.Header.Get("Accept")
		http.SetCookie(w, &http.Cookie{Name: "odds_session", Value: "v"})
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="tasmax,tasmin.nc"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	ev := events.APIGatewayV2HTTPRequest{
		RawPath:         "/v1/sessions",
		RawQueryString:  "page=2",
		Headers:         map[string]string{"accept": "application/json"},
		Cookies:         []string{"odds_session=abc", "other=1"},
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"lat":1}`)),
		IsBase64Encoded: true,
	}
	ev.RequestContext.HTTP.Method = http.MethodPost
	ev.RequestContext.HTTP.SourceIP = "203.0.113.9"

	resp, err := newLambdaHandler(next)(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.Body != `{"ok":true}` {
		t.Errorf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	if gotBody != `{"lat":1}` || gotQuery != "2" || gotAccept != "application/json" {
		t.Errorf("request body=%q page=%q accept=%q", gotBody, gotQuery, gotAccept)
	}
	if gotCookie != "abc" {
		t.Errorf("odds_session cookie = %q", gotCookie)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q", gotMethod)
	}
	if len(resp.Cookies) != 1 || !strings.HasPrefix(resp.Cookies[0], "odds_session=v") {
		t.Errorf("cookies = %v", resp.Cookies)
	}
	if got := resp.Headers["Content-Disposition"]; got != `attachment; filename="tasmax,tasmin.nc"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if _, ok := resp.Headers["Set-Cookie"]; ok {
		t.Error("Set-Cookie must travel in Cookies, not Headers")
	}
}

func TestLambdaHandler_BadBody(t *testing.T) {
	ev := events.APIGatewayV2HTTPRequest{RawPath: "/", Body: "%%%", IsBase64Encoded: true}
	ev.RequestContext.HTTP.Method = http.MethodPost
	if _, err := newLambdaHandler(http.NotFoundHandler())(context.Background(), ev); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	if !isLambdaEnvironment() {
		t.Error("expected Lambda mode")
	}
}
