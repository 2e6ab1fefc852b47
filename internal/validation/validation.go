// Package validation rejects unsafe names, paths, and image
// references before any value reaches a shell command, a file path,
// or a sandbox-profile string. Every rule here is security critical:
// loosening one reopens the injection it was added to close.
package validation

import (
	"path/filepath"
	"strings"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
)

const (
	maxSandboxNameLen = 63
	maxRuntimeNameLen = 32
	maxImageNameLen   = 256
)

// AllowedRuntimes is the enumerated allowlist from the data model.
// Validated by membership, never by pattern, so a path-traversal
// payload can never slip through as a "runtime".
var AllowedRuntimes = []string{
	"base", "python", "node", "go", "rust", "ruby", "java", "c", "dotnet",
}

// SandboxName enforces: 1..63 chars, first/last alphanumeric, interior
// limited to [A-Za-z0-9_-], no consecutive separators.
func SandboxName(name string) error {
	if name == "" {
		return kernelerr.Validationf("sandbox name cannot be empty")
	}
	if len(name) > maxSandboxNameLen {
		return kernelerr.Validationf("sandbox name too long (max %d characters)", maxSandboxNameLen)
	}

	first := rune(name[0])
	if !isAlphaNumASCII(first) {
		return kernelerr.Validationf("sandbox name must start with a letter or number")
	}
	last := rune(name[len(name)-1])
	if !isAlphaNumASCII(last) {
		return kernelerr.Validationf("sandbox name must end with a letter or number")
	}

	for _, ch := range name {
		if !isAlphaNumASCII(ch) && ch != '-' && ch != '_' {
			return kernelerr.Validationf(
				"sandbox name contains invalid character %q: only letters, numbers, hyphens, and underscores are allowed", ch)
		}
	}

	for _, pair := range []string{"--", "__", "-_", "_-"} {
		if strings.Contains(name, pair) {
			return kernelerr.Validationf("sandbox name cannot contain consecutive hyphens or underscores")
		}
	}

	return nil
}

// Runtime checks membership in AllowedRuntimes. Anything else,
// including path-traversal-shaped strings, is rejected outright.
func Runtime(runtime string) error {
	if runtime == "" {
		return kernelerr.Validationf("runtime name cannot be empty")
	}
	if len(runtime) > maxRuntimeNameLen {
		return kernelerr.Validationf("runtime name too long (max %d characters)", maxRuntimeNameLen)
	}
	for _, r := range AllowedRuntimes {
		if r == runtime {
			return nil
		}
	}
	return kernelerr.Validationf("unknown runtime %q: allowed runtimes: %s", runtime, strings.Join(AllowedRuntimes, ", "))
}

// SeatbeltPath validates a working directory destined for
// interpolation into an SBPL profile string. SBPL is Lisp-like, so
// the characters that can break out of a quoted path are blacklisted
// rather than escaped.
func SeatbeltPath(path string) (string, error) {
	if path == "" {
		return "", kernelerr.Validationf("path cannot be empty")
	}

	for _, ch := range []string{`"`, ")", "(", "\n", "\r", "\x00"} {
		if strings.Contains(path, ch) {
			return "", kernelerr.Validationf("path contains invalid character for seatbelt profile: %q", ch)
		}
	}

	if !strings.HasPrefix(path, "/") {
		return "", kernelerr.Validationf("seatbelt working directory must be an absolute path")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", kernelerr.Validationf("path cannot contain parent directory references (..)")
		}
	}

	return path, nil
}

// DockerImage validates an OCI image reference before it reaches a
// container-runtime CLI invocation.
func DockerImage(image string) error {
	if image == "" {
		return kernelerr.Validationf("image name cannot be empty")
	}
	if len(image) > maxImageNameLen {
		return kernelerr.Validationf("image name too long (max %d characters)", maxImageNameLen)
	}

	for _, ch := range image {
		if !isAlphaNumASCII(ch) && !strings.ContainsRune(".-_/:@", ch) {
			return kernelerr.Validationf(
				"image name contains invalid character %q: use only alphanumeric characters, periods, hyphens, underscores, slashes, colons, and @", ch)
		}
	}

	for _, pattern := range []string{"$(", "`", "&&", "||", ";", "|", ">", "<", "\n"} {
		if strings.Contains(image, pattern) {
			return kernelerr.Validationf("image name contains suspicious pattern: %s", pattern)
		}
	}

	return nil
}

func isAlphaNumASCII(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}
