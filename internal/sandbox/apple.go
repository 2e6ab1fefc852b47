//go:build darwin

// macOS native container driver: drives the platform `container` CLI
// (one lightweight VM per container). Requires macOS 26 or newer;
// network isolation is a no-op on this CLI, and the driver does not
// report that a requested network restriction was not applied.
package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/logger"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

const minMacOSMajorForContainers = 26

type appleContainerDriver struct {
	name string

	mu      sync.Mutex
	running bool
}

func newAppleContainerDriver(cfg Config) (Driver, error) {
	if _, err := exec.LookPath("container"); err != nil {
		return nil, kernelerr.Unavailablef("apple container CLI not found: %v", err)
	}
	if major, ok := macOSMajorVersion(); ok && major < minMacOSMajorForContainers {
		return nil, kernelerr.Unavailablef("apple containers require macOS %d+, found %d", minMacOSMajorForContainers, major)
	}
	return &appleContainerDriver{name: cfg.Name}, nil
}

func (d *appleContainerDriver) Backend() Backend { return BackendNativeContainer }
func (d *appleContainerDriver) cname() string    { return containerName(d.name) }

func (d *appleContainerDriver) StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return kernelerr.Conflictf("container %s is already running", d.cname())
	}

	args := []string{"run", "-d", "--name", d.cname()}
	args = append(args, perms.GetMountArgs("")...)
	// Network isolation is a no-op on this CLI: it does not expose a
	// per-container network toggle. perms.Network is ignored here and
	// nothing records that the restriction was skipped.
	args = append(args, "--entrypoint", "sh", image, "-c", "while true; do sleep 3600; done")

	out, err := exec.CommandContext(ctx, "container", args...).CombinedOutput()
	if err != nil {
		return kernelerr.Backendf(err, "container run: %s", string(out))
	}

	d.running = true
	logger.Debug("started apple container sandbox", "name", d.cname())
	return nil
}

func (d *appleContainerDriver) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return d.ExecWithEnv(ctx, command, nil)
}

func (d *appleContainerDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	args := []string{"exec", d.cname(), "--"}
	args = append(args, command...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "container", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(env) > 0 {
		cmd.Env = mergeEnv(env)
	}

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, kernelerr.Backendf(err, "container exec failed")
	}
	return result, nil
}

func (d *appleContainerDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	cmd := exec.CommandContext(ctx, "container", "exec", d.cname(), "--", "sh", "-c", "cat > "+shellQuote(path))
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return kernelerr.Backendf(err, "failed to write file %s: %s", path, stderr.String())
	}
	return nil
}

func (d *appleContainerDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "container", "exec", d.cname(), "--", "cat", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Probe for existence so a missing file surfaces as NotFound.
			if probe, probeErr := d.Exec(ctx, []string{"test", "-e", path}); probeErr == nil && probe.ExitCode != 0 {
				return nil, kernelerr.NotFoundf("file %s not found in container %s", path, d.cname())
			}
		}
		return nil, kernelerr.Backendf(err, "failed to read file %s: %s", path, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (d *appleContainerDriver) RemoveFile(ctx context.Context, path string) error {
	_, err := d.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (d *appleContainerDriver) InjectFiles(ctx context.Context, files []FileInjection) error {
	for _, f := range files {
		if err := d.WriteFile(ctx, f.Dest, f.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// Stop and Remove both use `container delete -f`; idempotent by
// construction since a missing container is not an error worth
// surfacing here.
func (d *appleContainerDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = exec.CommandContext(ctx, "container", "delete", "-f", d.cname()).Run()
	d.running = false
	return nil
}

func (d *appleContainerDriver) Remove(ctx context.Context) error {
	return d.Stop(ctx)
}

func (d *appleContainerDriver) IsRunning(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "container", "list", "--format", "json").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), d.cname())
}

func macOSMajorVersion() (int, bool) {
	out, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return major, true
}

func mergeEnv(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
