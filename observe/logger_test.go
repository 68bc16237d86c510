package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, data []byte) map[string]any {
	t.Helper()
	line, _, _ := bytes.Cut(data, []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", line, err)
	}
	return entry
}

func TestLogger_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "entry stored", F("key_length", 12))

	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("log entry should end with a newline")
	}
	entry := decodeLine(t, buf.Bytes())
	if entry["msg"] != "entry stored" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["key_length"] != float64(12) {
		t.Errorf("key_length = %v", entry["key_length"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestLogger_WithAddsBaseFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter("info", &buf)
	refresh := base.With(F("component", "refresh"))
	_ = base.With(F("component", "janitor"))

	refresh.Warn(context.Background(), "background refresh failed", F("operation", "lookup"))

	entry := decodeLine(t, buf.Bytes())
	if entry["component"] != "refresh" {
		t.Errorf("component = %v, want refresh", entry["component"])
	}
	if entry["operation"] != "lookup" {
		t.Errorf("operation = %v", entry["operation"])
	}
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", &buf)

	logger.Debug(context.Background(), "set",
		F("value", "customer payload"),
		F("dsn", "postgres://user:pw@db/cache"),
		F("jwt_secret", "hunter2"),
		F("key", "acme:billing.lookup:0a1b"),
	)

	out := buf.String()
	for _, leaked := range []string{"customer payload", "user:pw", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	entry := decodeLine(t, buf.Bytes())
	if entry["value"] != "[REDACTED]" {
		t.Errorf("value = %v, want [REDACTED]", entry["value"])
	}
	if entry["key"] != "acme:billing.lookup:0a1b" {
		t.Errorf("key = %v", entry["key"])
	}
}

func TestLogger_ErrorValuesUseMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Error(context.Background(), "snapshot failed", F("error", errors.New("disk full")))

	entry := decodeLine(t, buf.Bytes())
	if entry["error"] != "disk full" {
		t.Errorf("error = %v, want disk full", entry["error"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logs    func(Logger)
		written bool
	}{
		{"warn", func(l Logger) { l.Info(context.Background(), "x") }, false},
		{"warn", func(l Logger) { l.Warn(context.Background(), "x") }, true},
		{"error", func(l Logger) { l.Warn(context.Background(), "x") }, false},
		{"info", func(l Logger) { l.Debug(context.Background(), "x") }, false},
		{"debug", func(l Logger) { l.Debug(context.Background(), "x") }, true},
		{"bogus", func(l Logger) { l.Info(context.Background(), "x") }, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		tt.logs(NewLoggerWithWriter(tt.level, &buf))
		if got := buf.Len() > 0; got != tt.written {
			t.Errorf("level %s: written = %v, want %v", tt.level, got, tt.written)
		}
	}
}

func TestLogger_ConcurrentWritesStayLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter("info", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			base.With(F("worker", i)).Info(context.Background(), "tick")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("interleaved line %q: %v", line, err)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		if got := ParseLogLevel(s).String(); got != s {
			t.Errorf("ParseLogLevel(%q).String() = %q", s, got)
		}
	}
	if ParseLogLevel("") != LevelInfo {
		t.Error("empty level should default to info")
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Info(context.Background(), "discarded", F("value", "x"))
	if l.With(F("a", 1)) == nil {
		t.Fatal("With should return non-nil logger")
	}
}
