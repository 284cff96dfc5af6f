package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInfoProducesLogfmtWithTimestamp(t *testing.T) {
	buf := new(bytes.Buffer)
	original := Logger()
	ReplaceLogger(slog.New(newHandler(buf)))
	t.Cleanup(func() {
		ReplaceLogger(original)
	})

	Info(context.Background(), "hello", "user", "test")

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}
	if !strings.Contains(line, "ts=") {
		t.Fatalf("expected timestamp field in log line, got %q", line)
	}
	if !strings.Contains(line, "level=info") {
		t.Fatalf("expected level field in log line, got %q", line)
	}
	if !strings.Contains(line, "msg=hello") {
		t.Fatalf("expected message field in log line, got %q", line)
	}
	if !strings.Contains(line, "user=test") {
		t.Fatalf("expected structured field in log line, got %q", line)
	}
}

func TestWarnRespectsLevel(t *testing.T) {
	buf := new(bytes.Buffer)
	original := Logger()
	ReplaceLogger(slog.New(newHandler(buf)))
	t.Cleanup(func() {
		ReplaceLogger(original)
		_ = SetLevel("info")
	})

	if err := SetLevel("error"); err != nil {
		t.Fatalf("SetLevel(error) error = %v", err)
	}
	Warn(context.Background(), "suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected warn to be suppressed at error level, got %q", buf.String())
	}

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel(warn) error = %v", err)
	}
	Warn(context.Background(), "cache write failed", "recipe", 7)
	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "level=warn") {
		t.Fatalf("expected warn level in log line, got %q", line)
	}
	if !strings.Contains(line, "recipe=7") {
		t.Fatalf("expected structured field in log line, got %q", line)
	}
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	if err := SetLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestJSONHandlerUsesShortKeys(t *testing.T) {
	buf := new(bytes.Buffer)
	original := Logger()
	ReplaceLogger(slog.New(newJSONHandler(buf)))
	t.Cleanup(func() {
		ReplaceLogger(original)
	})

	Info(context.Background(), "resolved", "recipe", 1)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	for _, key := range []string{"ts", "level", "msg", "recipe"} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected key %q in %v", key, record)
		}
	}
	if record["level"] != "info" {
		t.Fatalf("expected level info, got %v", record["level"])
	}
}

func TestSetFormat(t *testing.T) {
	original := Logger()
	t.Cleanup(func() {
		ReplaceLogger(original)
	})

	if err := SetFormat("json"); err != nil {
		t.Fatalf("SetFormat(json) error = %v", err)
	}
	if _, ok := Logger().Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("expected a JSON handler, got %T", Logger().Handler())
	}
	if err := SetFormat(""); err != nil {
		t.Fatalf("SetFormat(\"\") error = %v", err)
	}
	if _, ok := Logger().Handler().(*slog.TextHandler); !ok {
		t.Fatalf("expected a text handler, got %T", Logger().Handler())
	}
	if err := SetFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
