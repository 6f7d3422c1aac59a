package httputil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONOK(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"count": 3})

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["count"] != 3 {
		t.Errorf("count = %d, want 3", body["count"])
	}
}

func TestWriteJSONErrorIncludesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONError(rec, 400, "timestamp_skew", "timestamp outside tolerance")

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "timestamp_skew" {
		t.Errorf("code = %q, want timestamp_skew", body["code"])
	}
	if body["error"] == "" {
		t.Error("error message missing")
	}
}

func TestServiceUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	ServiceUnavailable(rec, "overloaded", "queue full")
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
