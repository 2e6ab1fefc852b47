//go:build darwin

package sandbox

import (
	"strings"
	"testing"

	"github.com/thrashr888/agentkernel/internal/permissions"
)

func TestGenerateSBPLProfileRestrictive(t *testing.T) {
	perms := permissions.FromProfile(permissions.Restrictive)
	profile := generateSBPLProfile(perms, "/tmp/agentkernel-sandbox-test")

	if !strings.Contains(profile, "(deny default)") {
		t.Error("restrictive profile should deny by default")
	}
	if strings.Contains(profile, "(allow network*)") {
		t.Error("restrictive profile must not allow network")
	}
	if !strings.Contains(profile, "/tmp/agentkernel-sandbox-test") {
		t.Error("restrictive profile should scope writes to the working directory")
	}
}

func TestGenerateSBPLProfilePermissive(t *testing.T) {
	perms := permissions.FromProfile(permissions.Permissive)
	profile := generateSBPLProfile(perms, "/tmp/agentkernel-sandbox-test")

	if !strings.Contains(profile, "(allow default)") {
		t.Error("permissive profile should allow by default")
	}
	if !strings.Contains(profile, `(deny file-write* (subpath "/System"))`) {
		t.Error("permissive profile should still deny writes to /System")
	}
}

func TestGenerateSBPLProfileModerate(t *testing.T) {
	perms := permissions.FromProfile(permissions.Moderate)
	profile := generateSBPLProfile(perms, "/tmp/agentkernel-sandbox-test")

	if !strings.Contains(profile, "(allow network*)") {
		t.Error("moderate profile should allow network")
	}
	if strings.Contains(profile, "(allow default)") {
		t.Error("moderate profile should not allow everything by default")
	}
}

func TestResolveUnderWorkingDir(t *testing.T) {
	tests := []struct {
		workingDir string
		path       string
		want       string
	}{
		{"/tmp/box", "out.txt", "/tmp/box/out.txt"},
		{"/tmp/box", "/abs/path", "/abs/path"},
		{"/tmp/box", "", "/tmp/box"},
	}
	for _, tt := range tests {
		if got := resolveUnderWorkingDir(tt.workingDir, tt.path); got != tt.want {
			t.Errorf("resolveUnderWorkingDir(%q, %q) = %q, want %q", tt.workingDir, tt.path, got, tt.want)
		}
	}
}

func TestParentDir(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/a/b/c", "/a/b"},
		{"noslash", "."},
		{"", "."},
	}
	for _, tt := range tests {
		if got := parentDir(tt.path); got != tt.want {
			t.Errorf("parentDir(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
