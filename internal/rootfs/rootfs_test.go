package rootfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImageToRootfsName(t *testing.T) {
	cases := map[string]string{
		"alpine:3.20":              "alpine-3.20.ext4",
		"my-app/image:latest":      "my-app-image-latest.ext4",
		"agentkernel-project:abc123": "agentkernel-project-abc123.ext4",
		"registry.example.com/ns/img@sha256:deadbeef": "registry.example.com-ns-img-sha256-deadbeef.ext4",
	}
	for image, want := range cases {
		if got := ImageToRootfsName(image); got != want {
			t.Errorf("ImageToRootfsName(%q) = %q, want %q", image, got, want)
		}
	}
}

func TestNeedsConversion(t *testing.T) {
	dir := t.TempDir()

	if !NeedsConversion("test:latest", dir) {
		t.Fatal("expected conversion to be needed before caching")
	}

	rootfsPath := filepath.Join(dir, "test-latest.ext4")
	if err := os.WriteFile(rootfsPath, []byte("fake rootfs"), 0o644); err != nil {
		t.Fatalf("failed to write fake rootfs: %v", err)
	}

	if NeedsConversion("test:latest", dir) {
		t.Fatal("expected conversion to be cached after writing rootfs")
	}
}

func TestRootfsPathForImage(t *testing.T) {
	dir := "/tmp/cache"
	got := RootfsPathForImage("alpine:3.20", dir)
	want := filepath.Join(dir, "alpine-3.20.ext4")
	if got != want {
		t.Errorf("RootfsPathForImage = %q, want %q", got, want)
	}
}

func TestFindGuestAgentExplicitMissing(t *testing.T) {
	_, err := findGuestAgent("/nonexistent/path/to/agent")
	if err == nil {
		t.Fatal("expected error for missing explicit guest agent path")
	}
}

func TestFindGuestAgentExplicitFound(t *testing.T) {
	dir := t.TempDir()
	agentPath := filepath.Join(dir, "agent")
	if err := os.WriteFile(agentPath, []byte("fake"), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}

	got, err := findGuestAgent(agentPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != agentPath {
		t.Errorf("findGuestAgent = %q, want %q", got, agentPath)
	}
}
