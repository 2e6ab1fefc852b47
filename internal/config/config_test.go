package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMergesProjectOverUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	writeJSON(t, filepath.Join(userDir, "settings.json"), `{"default_profile":"permissive","rootfs_size_mb":128}`)
	writeJSON(t, filepath.Join(projectDir, ".agentkernel", "settings.json"), `{"default_profile":"restrictive"}`)

	m := NewManager()
	if err := m.Load(userDir, projectDir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := m.Get()
	if got.DefaultProfile != "restrictive" {
		t.Fatalf("expected project override, got %q", got.DefaultProfile)
	}
	if got.RootfsSizeMB != 128 {
		t.Fatalf("expected user-layer value to survive, got %d", got.RootfsSizeMB)
	}
}

func TestLoadDefaultsWhenNoFiles(t *testing.T) {
	m := NewManager()
	if err := m.Load(t.TempDir(), t.TempDir()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := m.Get()
	if got.DefaultProfile != "moderate" {
		t.Fatalf("expected moderate default, got %q", got.DefaultProfile)
	}
	if got.Pool.MinWarm != 3 || got.Pool.MaxWarm != 5 || got.Pool.InUseLimit != 2 {
		t.Fatalf("unexpected pool defaults: %+v", got.Pool)
	}
}

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
