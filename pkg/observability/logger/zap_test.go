package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.opentelemetry.io/otel/trace"
)

func newBufferLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log, &buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("entry is not JSON: %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewZapLogger_Formats(t *testing.T) {
	for _, format := range []LogFormat{JSONFormat, TextFormat, ""} {
		var buf bytes.Buffer
		log, err := NewZapLogger(Config{Level: InfoLevel, Format: format, Output: &buf})
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		log.Info("container ready", "container", "orders")
		if !strings.Contains(buf.String(), "container ready") {
			t.Errorf("format %q wrote %q", format, buf.String())
		}
	}
	if _, err := NewZapLogger(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestZapLogger_StructuredFields(t *testing.T) {
	log, buf := newBufferLogger(t, DebugLevel)
	child := log.With("container", "orders")
	child.Debug("document read", "id", "o-1", "charge", 1.0)
	child.Warn("cache read failed", "error", "timeout")

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first["level"] != "debug" || first["message"] != "document read" {
		t.Errorf("unexpected entry: %v", first)
	}
	if first["container"] != "orders" || first["id"] != "o-1" || first["charge"] != 1.0 {
		t.Errorf("missing structured fields: %v", first)
	}
	for _, key := range []string{"timestamp", "caller"} {
		if _, ok := first[key]; !ok {
			t.Errorf("missing %s: %v", key, first)
		}
	}
	if entries[1]["level"] != "warn" {
		t.Errorf("second entry level = %v", entries[1]["level"])
	}
}

func TestZapLogger_WithContextAddsTraceIDs(t *testing.T) {
	log, buf := newBufferLogger(t, InfoLevel)

	log.WithContext(context.Background()).Info("no span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	log.WithContext(ctx).Info("with span")

	entries := decodeEntries(t, buf)
	if _, ok := entries[0]["trace_id"]; ok {
		t.Errorf("entry without span should not carry trace_id: %v", entries[0])
	}
	if entries[1]["trace_id"] != traceID.String() || entries[1]["span_id"] != spanID.String() {
		t.Errorf("unexpected trace fields: %v", entries[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		" INFO ":  InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseLogFormat(t *testing.T) {
	for in, want := range map[string]LogFormat{"json": JSONFormat, "text": TextFormat, "Console": TextFormat} {
		got, err := ParseLogFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseLogFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLogFormat("yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNop()
	log.With("k", "v").WithContext(context.Background()).Error("discarded")
}

func TestProperty_LogLevelFiltering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	rank := map[LogLevel]int{DebugLevel: 0, InfoLevel: 1, WarnLevel: 2, ErrorLevel: 3}
	genLevel := gen.OneConstOf(DebugLevel, InfoLevel, WarnLevel, ErrorLevel)

	properties.Property("an entry is written only at or above the configured level", prop.ForAll(
		func(configLevel, entryLevel LogLevel, message string) bool {
			var buf bytes.Buffer
			log, err := NewZapLogger(Config{Level: configLevel, Format: JSONFormat, Output: &buf})
			if err != nil {
				return false
			}
			switch entryLevel {
			case DebugLevel:
				log.Debug(message)
			case InfoLevel:
				log.Info(message)
			case WarnLevel:
				log.Warn(message)
			case ErrorLevel:
				log.Error(message)
			}
			written := buf.Len() > 0
			if !written {
				return rank[entryLevel] < rank[configLevel]
			}
			var entry map[string]any
			return rank[entryLevel] >= rank[configLevel] &&
				json.Unmarshal(buf.Bytes(), &entry) == nil &&
				entry["message"] == message
		},
		genLevel,
		genLevel,
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
