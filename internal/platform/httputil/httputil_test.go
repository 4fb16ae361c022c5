package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, nil, http.StatusBadRequest, "bad", "nope", map[string]any{"field": "symbol"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "bad" || body.Message != "nope" {
		t.Fatalf("body = %+v, want code=bad message=nope", body)
	}
}

func TestWriteErrorResponse_DefaultsCodeFromStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, nil, http.StatusServiceUnavailable, "", "unavailable", nil)

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "HTTP_503" {
		t.Fatalf("code = %q, want HTTP_503", body.Code)
	}
}

func TestWriteErrorResponse_PropagatesTraceIDFromRequestHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "trace-abc")
	rr := httptest.NewRecorder()

	WriteErrorResponse(rr, req, http.StatusInternalServerError, "", "boom", nil)

	if got := rr.Header().Get("X-Trace-ID"); got != "trace-abc" {
		t.Fatalf("X-Trace-ID header = %q, want trace-abc", got)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.TraceID != "trace-abc" {
		t.Fatalf("TraceID = %q, want trace-abc", body.TraceID)
	}
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]string{"status": "ok"})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}
