package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitDefaultsUnknownLevelToDebug(t *testing.T) {
	if err := Init("nonsense", ""); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if Log == nil {
		t.Fatal("Log is nil after Init")
	}
	if !Log.Enabled(nil, -4) { // slog.LevelDebug
		t.Errorf("expected debug level to be enabled for unknown level string")
	}
}

func TestInitWritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "agentkerneld.log")

	if err := Init("info", logFile); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	Info("hello from test", "key", "value")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log file to contain the logged line, got empty file")
	}
}

func TestInitRejectsUnwritableLogFile(t *testing.T) {
	if err := Init("info", "/nonexistent-dir/agentkerneld.log"); err == nil {
		t.Error("expected error opening log file in a nonexistent directory")
	}
}
