package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"odds/internal/types"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestError_AppError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	err := fmt.Errorf("resolve: %w", types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundSourceFile, "No CMIP6 file for var=pr.", errors.New("listing empty"),
		map[string]any{"variable": "pr"},
	))
	Error(rec, req, err)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != string(types.ErrCodeNotFoundSourceFile) {
		t.Errorf("code = %q", got.Code)
	}
	if got.Message != "No CMIP6 file for var=pr." {
		t.Errorf("message = %q", got.Message)
	}
	if got.RequestID != "req-1" {
		t.Errorf("request_id = %q", got.RequestID)
	}
	if got.Details["variable"] != "pr" {
		t.Errorf("details = %v", got.Details)
	}
	if strings.Contains(rec.Body.String(), "listing empty") {
		t.Error("wrapped cause leaked into the response")
	}
}

func TestError_StatusMapping(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrCodeValidationPointOutOfBounds, http.StatusBadRequest},
		{types.ErrCodeAuthSessionMissing, http.StatusUnauthorized},
		{types.ErrCodeConflictCooldown, http.StatusConflict},
		{types.ErrCodeUpstreamQueueFull, http.StatusServiceUnavailable},
		{types.ErrCodeUpstreamJobTimeout, http.StatusGatewayTimeout},
		{types.ErrCodeUpstreamCatalogUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), types.NewAppError(tt.code, "x", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestError_GenericErrorIsOpaque(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	got := decodeError(t, rec)
	if got.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q", got.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("internal error text leaked")
	}
}

func TestDecodeJSON(t *testing.T) {
	type point struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"lat":49.25,"lon":-123.1}`},
		{name: "empty", body: ``, wantErr: "must not be empty"},
		{name: "syntax", body: `{"lat":`, wantErr: "JSON"},
		{name: "unknown field", body: `{"lat":1,"lon":2,"alt":3}`, wantErr: "unknown field"},
		{name: "wrong type", body: `{"lat":"north"}`, wantErr: "invalid value"},
		{name: "trailing value", body: `{"lat":1}{"lat":2}`, wantErr: "single JSON value"},
		{name: "too large", body: `{"lat":1,"pad":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, wantErr: "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p point
			err := DecodeJSON(httptest.NewRecorder(), req, &p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeJSON: %v", err)
				}
				if p.Lat != 49.25 || p.Lon != -123.1 {
					t.Errorf("decoded %+v", p)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !types.IsCode(err, errCodeInvalidJSON) {
				t.Errorf("code = %s, want %s", types.CodeOf(err), errCodeInvalidJSON)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
