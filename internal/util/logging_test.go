package util

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestNewLoggerTagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("libctl", "Warning", &buf)
	logger.Info("skipped")
	logger.Warn("schedules expired", "count", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single warn line: %v (%q)", err, buf.String())
	}
	if line["service"] != "libctl" || line["msg"] != "schedules expired" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("library", "verbose", &buf)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info, got %q", buf.String())
	}
	logger.Info("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected info output")
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
	var buf bytes.Buffer
	logger := newLogger("library", "info", &buf)
	if got := LoggerFromContext(ContextWithLogger(context.Background(), logger)); got != logger {
		t.Fatalf("expected stored logger")
	}
}
