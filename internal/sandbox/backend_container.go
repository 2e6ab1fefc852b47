// OCI container driver (Docker/Podman): runtime auto-detection
// preferring Podman, a long-lived sentinel container so repeated
// execs reuse one namespace, and rm -f for both stop and remove.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/logger"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

// containerRuntime is the CLI binary driving the container, selected
// once at detection time.
type containerRuntime string

const (
	runtimePodman containerRuntime = "podman"
	runtimeDocker containerRuntime = "docker"
)

// detectContainerRuntime prefers Podman (rootless, daemonless) over
// Docker.
func detectContainerRuntime() (containerRuntime, error) {
	if cliAvailable(string(runtimePodman), "version") {
		return runtimePodman, nil
	}
	if cliAvailable(string(runtimeDocker), "version") {
		return runtimeDocker, nil
	}
	return "", kernelerr.Unavailablef("no container runtime found: install docker or podman")
}

func cliAvailable(cmd string, args ...string) bool {
	return exec.Command(cmd, args...).Run() == nil
}

type containerDriver struct {
	name    string
	runtime containerRuntime

	mu      sync.Mutex
	running bool
}

func newContainerDriver(cfg Config) (Driver, error) {
	rt, err := detectContainerRuntime()
	if err != nil {
		return nil, err
	}
	return &containerDriver{name: cfg.Name, runtime: rt}, nil
}

func (d *containerDriver) Backend() Backend { return BackendOCIContainer }

func (d *containerDriver) cname() string { return containerName(d.name) }

// StartWithPermissions launches a long-lived sentinel container so
// later Exec calls reuse the same process namespace instead of
// paying a fresh boot cost each time.
func (d *containerDriver) StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return kernelerr.Conflictf("container %s is already running", d.cname())
	}

	// Fast-path: remove any stale container with this name first.
	_ = exec.CommandContext(ctx, string(d.runtime), "rm", "-f", d.cname()).Run()

	args := []string{"run", "-d", "--rm", "--name", d.cname(), "--hostname", "agentkernel"}
	args = append(args, perms.ToDockerArgs()...)
	args = append(args, perms.GetEnvArgs()...)
	args = append(args, perms.GetMountArgs("")...)
	args = append(args, "--entrypoint", "sh", image, "-c", "while true; do sleep 3600; done")

	out, err := runCombined(ctx, string(d.runtime), args...)
	if err != nil {
		return kernelerr.Backendf(err, "failed to start container: %s", out)
	}

	d.running = true
	logger.Debug("started container sandbox", "name", d.cname(), "runtime", d.runtime)
	return nil
}

func (d *containerDriver) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return d.ExecWithEnv(ctx, command, nil)
}

// ExecEphemeral implements EphemeralDriver: a one-shot `run --rm`
// bypassing the sentinel container entirely.
func (d *containerDriver) ExecEphemeral(ctx context.Context, image string, command []string, perms permissions.Permissions) (ExecResult, error) {
	return runEphemeral(ctx, d.runtime, image, command, perms)
}

func (d *containerDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	args := []string{"exec"}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, d.cname())
	args = append(args, command...)

	return d.runArgs(ctx, args)
}

func (d *containerDriver) runArgs(ctx context.Context, args []string) (ExecResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, string(d.runtime), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, kernelerr.Backendf(err, "failed to exec in container %s", d.cname())
	}
	result.ExitCode = 0
	return result, nil
}

func (d *containerDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	cmd := exec.CommandContext(ctx, string(d.runtime), "exec", "-i", d.cname(), "sh", "-c", fmt.Sprintf("cat > %s", shellQuote(path)))
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return kernelerr.Backendf(err, "failed to write file %s: %s", path, stderr.String())
	}
	return nil
}

func (d *containerDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, string(d.runtime), "exec", d.cname(), "cat", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		// cat failed inside the container. A missing file must surface
		// as NotFound, not a backend failure, so probe for existence
		// before deciding.
		if probe, probeErr := d.runArgs(ctx, []string{"exec", d.cname(), "test", "-e", path}); probeErr == nil && probe.ExitCode != 0 {
			return nil, kernelerr.NotFoundf("file %s not found in container %s", path, d.cname())
		}
	}
	return nil, kernelerr.Backendf(err, "failed to read file %s: %s", path, stderr.String())
}

func (d *containerDriver) RemoveFile(ctx context.Context, path string) error {
	_, err := d.runArgs(ctx, []string{"exec", d.cname(), "rm", "-f", path})
	return err
}

func (d *containerDriver) InjectFiles(ctx context.Context, files []FileInjection) error {
	for _, f := range files {
		if err := d.WriteFile(ctx, f.Dest, f.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// Stop uses rm -f, a single CLI call that kills and removes, for
// fast cleanup.
func (d *containerDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = exec.CommandContext(ctx, string(d.runtime), "rm", "-f", d.cname()).Run()
	d.running = false
	return nil
}

// Remove is safe to call even if Stop already removed the container.
func (d *containerDriver) Remove(ctx context.Context) error {
	return d.Stop(ctx)
}

func (d *containerDriver) IsRunning(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, string(d.runtime), "ps", "-q", "-f", "name="+d.cname()).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// runEphemeral runs a one-shot `run --rm` command, skipping the
// long-lived sentinel entirely — the fast path Pool.Exec takes when a
// fresh instance would otherwise be created and immediately torn
// down.
func runEphemeral(ctx context.Context, rt containerRuntime, image string, command []string, perms permissions.Permissions) (ExecResult, error) {
	args := []string{"run", "--rm"}
	args = append(args, perms.ToDockerArgs()...)
	args = append(args, perms.GetEnvArgs()...)
	args = append(args, perms.GetMountArgs("")...)
	args = append(args, image)
	args = append(args, command...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, string(rt), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, kernelerr.Backendf(err, "failed to run ephemeral container")
	}
	return result, nil
}

func runCombined(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
