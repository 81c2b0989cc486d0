package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") {
		t.Errorf("log output = %q, want it to contain %q", out, "hello")
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("log output = %q, want it to contain %q", out, "key=value")
	}
}

func TestNewWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("log output = %q, want JSON with msg field", out)
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelWarn})

	logger.Debug("too quiet")
	logger.Info("still too quiet")

	if buf.Len() != 0 {
		t.Errorf("log output = %q, want empty below warn level", buf.String())
	}

	logger.Warn("loud enough")
	if !strings.Contains(buf.String(), "loud enough") {
		t.Errorf("log output = %q, want warn entry", buf.String())
	}
}

func TestNewNop_Discards(t *testing.T) {
	logger := NewNop()
	// Must not panic and must not write anywhere observable.
	logger.Info("discarded", "key", "value")
}
