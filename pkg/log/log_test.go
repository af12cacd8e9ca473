package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newCaptureLogger(level Level, f Formatter) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(level), WithFormatter(f), WithOutput(&WriterOutput{W: &buf}))
	return l, &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newCaptureLogger(WarnLevel, &TextFormatter{})
	l.Debug("nope")
	l.Info("nope")
	l.Warn("yes")
	l.Error("also")
	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Fatalf("want 2 lines, got %d: %q", lines, buf.String())
	}
}

func TestJSONFormatterFields(t *testing.T) {
	l, buf := newCaptureLogger(DebugLevel, &JSONFormatter{})
	l.Info("append done", Str("topic", "orders"), Uint64("offset", 41), Err(errors.New("boom")))

	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not valid json: %v (%q)", err, buf.String())
	}
	if m["msg"] != "append done" {
		t.Fatalf("msg = %v", m["msg"])
	}
	if m["topic"] != "orders" {
		t.Fatalf("topic = %v", m["topic"])
	}
	if m["offset"] != float64(41) {
		t.Fatalf("offset = %v", m["offset"])
	}
	if m["error"] != "boom" {
		t.Fatalf("error = %v", m["error"])
	}
}

func TestWithBindsFields(t *testing.T) {
	l, buf := newCaptureLogger(DebugLevel, &TextFormatter{})
	child := l.WithComponent("sweeper").With(Str("group", "g1"))
	child.Info("tick")
	out := buf.String()
	if !strings.Contains(out, "component=sweeper") || !strings.Contains(out, "group=g1") {
		t.Fatalf("bound fields missing: %q", out)
	}
}

func TestCallSiteOverridesBoundField(t *testing.T) {
	l, buf := newCaptureLogger(DebugLevel, &TextFormatter{})
	l.With(Str("group", "old")).Info("x", Str("group", "new"))
	out := buf.String()
	if strings.Contains(out, "group=old") || !strings.Contains(out, "group=new") {
		t.Fatalf("override failed: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSlogBridge(t *testing.T) {
	l, buf := newCaptureLogger(DebugLevel, &JSONFormatter{})
	base := l.(*BaseLogger)
	base.Slog().Info("via slog", "k", "v")

	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json: %v", err)
	}
	if m["msg"] != "via slog" || m["k"] != "v" {
		t.Fatalf("bridge lost data: %v", m)
	}
}
