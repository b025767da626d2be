package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level Level, f Formatter, opts ...LoggerOption) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	all := append([]LoggerOption{WithLevel(level), WithFormatter(f), WithOutput(NewWriterOutput(buf))}, opts...)
	return NewLogger(all...), buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, WarnLevel, &TextFormatter{})
	l.Info("dropped")
	l.Warn("kept", Str("k", "v"))
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN  kept k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestJSONFormatterFields(t *testing.T) {
	l, buf := newBufferLogger(t, DebugLevel, &JSONFormatter{})
	l.With(Component("coordinator")).Error("claim failed", Err(errors.New("boom")), Int("active", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json: %v (%q)", err, buf.String())
	}
	if m["msg"] != "claim failed" || m["level"] != "ERROR" {
		t.Fatalf("unexpected entry: %v", m)
	}
	if m["component"] != "coordinator" || m["error"] != "boom" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["active"].(float64) != 2 {
		t.Fatalf("active field: %v", m["active"])
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{})
	child := l.WithComponent("store")
	l.SetLevel(ErrorLevel)
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("child should follow parent level, got %q", buf.String())
	}
	if child.GetLevel() != ErrorLevel {
		t.Fatalf("level = %v", child.GetLevel())
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{}, WithRedactedKeys("token"))
	l.Info("status", Str("token", "secret"))
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token leaked: %q", buf.String())
	}
}

func TestSampling(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{}, WithSampling(1, 3))
	for i := 0; i < 7; i++ {
		l.Info("tick")
	}
	// first one, then every third of the remainder: n=0,1,4 pass -> 3 lines
	if got := strings.Count(buf.String(), "tick"); got != 3 {
		t.Fatalf("sampled lines = %d", got)
	}
}

func TestWithContextRequestID(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{})
	ctx := ContextWithRequestID(context.Background(), "abc")
	l.WithContext(ctx).Info("handled")
	if !strings.Contains(buf.String(), "request_id=abc") {
		t.Fatalf("missing request id: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"", InfoLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v want %v", tt.in, got, tt.want)
		}
	}
}

func TestApplyConfigRejectsUnknownFormat(t *testing.T) {
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := ApplyConfig(&Config{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestToStdLogger(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{})
	std := ToStdLogger(l, WarnLevel)
	std.Printf("pebble: %s", "compacting")
	if !strings.Contains(buf.String(), "WARN  pebble: compacting") {
		t.Fatalf("std output: %q", buf.String())
	}
	var _ *stdlog.Logger = std
}
