package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "pstree", Module: "store", Level: "info", writer: &buf})

	l.Info("version created", "version", 3)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	rec := lines[0]
	if rec["service"] != "pstree" || rec["module"] != "store" || rec["version"] != float64(3) {
		t.Errorf("unexpected record %v", rec)
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Error("time key should be renamed to timestamp")
	}
}

func TestSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "pstree", Level: "warn", writer: &buf})

	l.Info("dropped")
	l.With("query").SetLevel("debug")
	l.Debug("kept")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Errorf("unexpected output %v", lines)
	}
}

// 各 Logger 的级别互相独立，创建或取用默认 Logger 不会改动已有 Logger。
func TestLoggerLevelsAreIndependent(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "pstree", Level: "debug", writer: &buf})

	l.Debug("before")
	Default()
	NewLogger("pstree", "other", "error")
	SetLevel("error")
	l.Debug("after")
	SetLevel("info")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 || lines[1]["msg"] != "after" {
		t.Errorf("debug logger was demoted by unrelated calls: %v", lines)
	}
}

func TestInitFromConfigReplacesDefault(t *testing.T) {
	var buf bytes.Buffer
	l := InitFromConfig(Config{Service: "pstree", Module: "bootstrap", Level: "warn", writer: &buf})
	defer InitFromConfig(Config{Service: "default", Module: "default", Level: "info", writer: io.Discard})

	if Default() != l {
		t.Fatal("Default should return the logger installed by InitFromConfig")
	}
	Default().Info("dropped")
	SetLevel("debug")
	Default().Debug("kept")
	slog.Debug("via slog default")
	SetLevel("info")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 || lines[0]["msg"] != "kept" || lines[1]["module"] != "bootstrap" {
		t.Errorf("unexpected output %v", lines)
	}
}

func TestLogDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "pstree", Level: "debug", writer: &buf})

	done := l.LogDuration(context.Background(), "pstree.query", "store", "s1")
	done()

	rec := decodeLines(t, &buf)[0]
	if rec["msg"] != "pstree.query finished" || rec["store"] != "s1" || rec["duration"] == nil {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestTraceHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "pstree", Level: "info", writer: &buf})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	l.With("query").InfoContext(ctx, "traced")
	span.End()

	rec := decodeLines(t, &buf)[0]
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", rec["trace_id"])
	}
	if rec["span_id"] == nil || rec["component"] != "query" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := newMultiHandler(
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	l := slog.New(h).With("k", "v")

	l.Info("info only")
	l.Error("both")

	if n := len(decodeLines(t, &a)); n != 2 {
		t.Errorf("first handler got %d lines", n)
	}
	lines := decodeLines(t, &b)
	if len(lines) != 1 || lines[0]["k"] != "v" {
		t.Errorf("second handler got %v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
