package audit

import (
	"path/filepath"
	"testing"
)

func TestLogWriteRead(t *testing.T) {
	dir := t.TempDir()
	log := NewAt(filepath.Join(dir, "audit.jsonl"))

	log.Record(Entry{Type: SandboxCreated, Name: "test1", Image: "alpine", Backend: "docker"})
	log.Record(Entry{Type: CommandExecuted, Sandbox: "test1", Command: []string{"echo", "hello"}, ExitCode: ExitCodeField(0)})

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != SandboxCreated || entries[0].Name != "test1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
}

func TestLogFilterBySandbox(t *testing.T) {
	dir := t.TempDir()
	log := NewAt(filepath.Join(dir, "audit.jsonl"))

	log.Record(Entry{Type: SandboxCreated, Name: "test1", Image: "alpine", Backend: "docker"})
	log.Record(Entry{Type: SandboxCreated, Name: "test2", Image: "alpine", Backend: "docker"})

	filtered, err := log.ReadBySandbox("test1")
	if err != nil {
		t.Fatalf("ReadBySandbox: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(filtered))
	}
}

func TestLogReadLast(t *testing.T) {
	dir := t.TempDir()
	log := NewAt(filepath.Join(dir, "audit.jsonl"))

	for i := 0; i < 5; i++ {
		log.Record(Entry{Type: SandboxStarted, Name: "sandbox"})
	}

	last, err := log.ReadLast(2)
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(last))
	}
}

func TestLogEmptyFile(t *testing.T) {
	dir := t.TempDir()
	log := NewAt(filepath.Join(dir, "nonexistent.jsonl"))

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
}

func TestLogDisabledByEnv(t *testing.T) {
	t.Setenv("AGENTKERNEL_AUDIT", "0")
	log := New()
	if log.enabled {
		t.Fatalf("expected logger to be disabled")
	}
}
