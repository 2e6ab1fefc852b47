//go:build darwin

// macOS process sandbox driver: generates a Sandbox Profile Language
// profile for the requested permission level, writes it to a temp
// file, and launches commands under `sandbox-exec -f`. Lightweight
// process isolation without a VM or container.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
	"github.com/thrashr888/agentkernel/internal/validation"
)

type seatbeltDriver struct {
	name       string
	workingDir string
	perms      permissions.Permissions

	mu      sync.Mutex
	running bool
}

func newSeatbeltDriver(cfg Config) (Driver, error) {
	if _, err := exec.LookPath("sandbox-exec"); err != nil {
		return nil, kernelerr.Unavailablef("sandbox-exec not found: %v", err)
	}
	return &seatbeltDriver{name: cfg.Name}, nil
}

func (d *seatbeltDriver) Backend() Backend { return BackendProcessSandbox }

// StartWithPermissions records the working directory and permission
// profile; Seatbelt has no persistent daemon process, so there is
// nothing to launch until Exec.
func (d *seatbeltDriver) StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return kernelerr.Conflictf("seatbelt sandbox %s is already running", d.name)
	}
	dir := image
	if dir == "" {
		dir = fmt.Sprintf("/tmp/agentkernel-sandbox-%s", d.name)
	}
	validated, err := validation.SeatbeltPath(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(validated, 0o755); err != nil {
		return kernelerr.Backendf(err, "failed to create working directory %s", validated)
	}
	d.workingDir = validated
	d.running = true
	d.perms = perms
	return nil
}

func (d *seatbeltDriver) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return d.ExecWithEnv(ctx, command, nil)
}

func (d *seatbeltDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, kernelerr.Validationf("empty command")
	}

	profile := generateSBPLProfile(d.perms, d.workingDir)

	profilePath := fmt.Sprintf("/tmp/agentkernel-seatbelt-%d.sb", os.Getpid())
	if err := os.WriteFile(profilePath, []byte(profile), 0o600); err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "failed to write seatbelt profile")
	}
	defer os.Remove(profilePath)

	args := append([]string{"-f", profilePath}, command...)
	cmd := exec.CommandContext(ctx, "sandbox-exec", args...)
	cmd.Dir = d.workingDir
	if len(env) > 0 {
		cmd.Env = mergeEnv(env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, kernelerr.Backendf(err, "failed to run sandboxed command")
	}
	return result, nil
}

func (d *seatbeltDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	full := resolveUnderWorkingDir(d.workingDir, path)
	if err := os.MkdirAll(parentDir(full), 0o755); err != nil {
		return kernelerr.Backendf(err, "failed to create parent directory for %s", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return kernelerr.Backendf(err, "failed to write file %s", path)
	}
	return nil
}

func (d *seatbeltDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(resolveUnderWorkingDir(d.workingDir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernelerr.NotFoundf("file %s not found", path)
		}
		return nil, kernelerr.Backendf(err, "failed to read file %s", path)
	}
	return data, nil
}

func (d *seatbeltDriver) RemoveFile(ctx context.Context, path string) error {
	if err := os.Remove(resolveUnderWorkingDir(d.workingDir, path)); err != nil && !os.IsNotExist(err) {
		return kernelerr.Backendf(err, "failed to remove file %s", path)
	}
	return nil
}

func (d *seatbeltDriver) InjectFiles(ctx context.Context, files []FileInjection) error {
	for _, f := range files {
		if err := d.WriteFile(ctx, f.Dest, f.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (d *seatbeltDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *seatbeltDriver) Remove(ctx context.Context) error {
	d.mu.Lock()
	workingDir := d.workingDir
	d.running = false
	d.mu.Unlock()
	if workingDir != "" {
		_ = os.RemoveAll(workingDir)
	}
	return nil
}

func (d *seatbeltDriver) IsRunning(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// generateSBPLProfile builds the Sandbox Profile Language text for
// the three fixed permission levels. The directive set is fixed;
// only the working directory is interpolated, and it must have
// passed validation.SeatbeltPath first.
func generateSBPLProfile(perms permissions.Permissions, workingDir string) string {
	if workingDir == "" {
		workingDir = "/tmp/agentkernel-sandbox"
	}

	if perms.ReadOnlyRoot && !perms.Network {
		return fmt.Sprintf(`(version 1)
(deny default)
(allow signal (target self))
(allow process-fork)
(allow process-exec)
(allow sysctl-read)
(allow mach-lookup)
(allow ipc-posix*)

; NO network access

(allow file-read* (subpath "/usr"))
(allow file-read* (subpath "/bin"))
(allow file-read* (subpath "/sbin"))
(allow file-read* (subpath "/opt"))
(allow file-read* (subpath "/Library/Frameworks"))
(allow file-read* (subpath "/System/Library"))
(allow file-read* (subpath "/private/etc"))
(allow file-read* (subpath "/dev"))

(allow file-read* (subpath %q))
(allow file-write* (subpath %q))
(allow file-write* (subpath "/tmp"))
(allow file-write* (subpath "/private/tmp"))
(allow file-write* (subpath "/dev/null"))
(allow file-write* (subpath "/dev/tty"))

(allow process-exec (subpath "/usr/bin"))
(allow process-exec (subpath "/bin"))
(allow process-exec (subpath "/opt/homebrew/bin"))
`, workingDir, workingDir)
	}

	if !perms.Network || perms.ReadOnlyRoot || perms.MaxMemoryMB != nil {
		// Moderate: network allowed, filesystem limited to the
		// working directory plus standard temp locations.
		return fmt.Sprintf(`(version 1)
(deny default)
(allow signal (target self))
(allow process-fork)
(allow process-exec)
(allow sysctl-read)
(allow mach-lookup)
(allow mach-register)
(allow ipc-posix*)
(allow system-socket)

(allow network*)

(allow file-read* (subpath "/"))

(allow file-write* (subpath %q))
(allow file-write* (subpath "/tmp"))
(allow file-write* (subpath "/var/folders"))
(allow file-write* (subpath "/private/tmp"))
(allow file-write* (subpath "/private/var/folders"))

(allow process-exec (subpath "/usr/bin"))
(allow process-exec (subpath "/usr/local/bin"))
(allow process-exec (subpath "/opt/homebrew/bin"))
(allow process-exec (subpath "/bin"))
(allow process-exec (subpath "/sbin"))
`, workingDir)
	}

	// Permissive: allow almost everything, deny writes/exec into
	// core system directories only.
	return `(version 1)
(allow default)
(deny file-write* (subpath "/System"))
(deny file-write* (subpath "/Library"))
(deny file-write* (subpath "/usr"))
(deny process-exec* (subpath "/System"))
`
}

func resolveUnderWorkingDir(workingDir, path string) string {
	if path == "" {
		return workingDir
	}
	if path[0] == '/' {
		return path
	}
	return workingDir + "/" + path
}

func parentDir(path string) string {
	idx := lastSlash(path)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
