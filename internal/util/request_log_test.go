package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusRecorderCapturesFirstStatus(t *testing.T) {
	rec := NewStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusOK)
	if rec.StatusCode() != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.StatusCode(), http.StatusConflict)
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := NewStatusRecorder(httptest.NewRecorder())
	if _, err := rec.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.StatusCode() != http.StatusOK || rec.Bytes != 2 {
		t.Fatalf("unexpected recorder state: status=%d bytes=%d", rec.StatusCode(), rec.Bytes)
	}
	if again := NewStatusRecorder(rec); again != rec {
		t.Fatalf("expected wrapping a recorder to return it unchanged")
	}
}
