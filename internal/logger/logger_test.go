package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestSetLevelPropagates(t *testing.T) {
	l, err := New(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := l.WithComponent("session").WithSession("abc")

	if err := l.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if child.Level() != zapcore.DebugLevel {
		t.Fatalf("child level = %v, want debug", child.Level())
	}
	if !child.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("child core should accept debug after SetLevel")
	}
	if err := l.SetLevel("nope"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	l, err := New(Config{
		Level:  "info",
		Format: "console",
		File:   &FileConfig{Enabled: true, Path: path, MaxSize: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithSession("s-1").Info("Session started")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"session_id":"s-1"`) || !strings.Contains(line, `"timestamp"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestSafeHeaders(t *testing.T) {
	got := SafeHeaders(map[string][]string{
		"Authorization": {"Basic abc"},
		"X-Api-Key":     {"k"},
		"Accept":        {"application/json"},
	})
	if got["Authorization"] != "[REDACTED]" || got["X-Api-Key"] != "[REDACTED]" {
		t.Fatalf("credentials not redacted: %v", got)
	}
	if got["Accept"] != "application/json" {
		t.Fatalf("Accept = %q", got["Accept"])
	}
}
