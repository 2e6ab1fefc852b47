// Linux microVM driver. Each instance is a Firecracker VM booted
// from a kernel image and an ext4 rootfs produced by the rootfs
// builder, reachable over a vsock-backed Unix socket. The
// platform-specific supervisor in microvm_linux.go launches and
// confines the Firecracker process; this file owns the parts common
// to every platform: CID/vsock-path allocation and the guest-agent
// wire protocol.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

var cidCounter uint32 = 2 // 0 and 1 are reserved by the vsock address family

func nextCID() uint32 {
	return atomic.AddUint32(&cidCounter, 1)
}

type microVMDriver struct {
	name            string
	rootfsDir       string
	kernelImagePath string

	cid       uint32
	vsockPath string

	mu       sync.Mutex
	running  bool
	launcher microVMLauncher
}

// microVMLauncher is implemented per-platform: Linux launches a real
// Firecracker process under a confining supervisor; every other
// platform reports Unavailable at construction time.
type microVMLauncher interface {
	Launch(ctx context.Context, kernelImagePath, rootfsPath, vsockPath string, cid uint32, perms permissions.Permissions) error
	Kill() error
}

func newMicroVMDriver(cfg Config) (Driver, error) {
	launcher, err := newPlatformLauncher()
	if err != nil {
		return nil, err
	}
	if cfg.KernelImagePath == "" {
		return nil, kernelerr.Unavailablef("microvm backend requires a kernel image path")
	}

	cid := nextCID()
	vsockPath := filepath.Join(os.TempDir(), fmt.Sprintf("agentkernel-vsock-%s.sock", cfg.Name))

	return &microVMDriver{
		name:            cfg.Name,
		rootfsDir:       cfg.RootfsDir,
		kernelImagePath: cfg.KernelImagePath,
		cid:             cid,
		vsockPath:       vsockPath,
		launcher:        launcher,
	}, nil
}

func (d *microVMDriver) Backend() Backend { return BackendMicroVM }

// CID and VsockPath are surfaced by the pool/daemon on Acquire so the
// wire response can carry the VM-specific handle.
func (d *microVMDriver) CID() uint32       { return d.cid }
func (d *microVMDriver) VsockPath() string { return d.vsockPath }

func (d *microVMDriver) StartWithPermissions(ctx context.Context, rootfsPath string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return kernelerr.Conflictf("microvm %s is already running", d.name)
	}

	if err := d.launcher.Launch(ctx, d.kernelImagePath, rootfsPath, d.vsockPath, d.cid, perms); err != nil {
		return kernelerr.Backendf(err, "failed to launch microvm %s", d.name)
	}

	if err := waitForSocket(d.vsockPath, 10*time.Second); err != nil {
		_ = d.launcher.Kill()
		return kernelerr.Backendf(err, "guest agent did not come up on %s", d.vsockPath)
	}

	d.running = true
	return nil
}

func (d *microVMDriver) Exec(ctx context.Context, command []string) (ExecResult, error) {
	return d.ExecWithEnv(ctx, command, nil)
}

// guestRequest/guestResponse are the newline-delimited JSON messages
// exchanged with the in-VM agent over the vsock socket, a single
// request/response pair per call. Stdin carries bytes the agent feeds
// to the command's standard input (base64 on the wire, as
// encoding/json renders []byte) — there is no streaming channel, so
// file writes ride in the request itself.
type guestRequest struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   []byte            `json:"stdin,omitempty"`
}

type guestResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

func (d *microVMDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error) {
	return d.roundTrip(ctx, guestRequest{Command: command, Env: env})
}

func (d *microVMDriver) roundTrip(ctx context.Context, req guestRequest) (ExecResult, error) {
	conn, err := net.Dial("unix", d.vsockPath)
	if err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "failed to reach guest agent at %s", d.vsockPath)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return ExecResult{}, kernelerr.Internalf("failed to encode guest request: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "failed to send guest request")
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadString('\n')
	if err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "failed to read guest response")
	}

	var resp guestResponse
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return ExecResult{}, kernelerr.Backendf(err, "malformed guest response")
	}
	if resp.Error != "" {
		return ExecResult{}, kernelerr.Backendf(fmt.Errorf("%s", resp.Error), "guest agent reported an error")
	}

	return ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

func (d *microVMDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	result, err := d.roundTrip(ctx, guestRequest{
		Command: []string{"sh", "-c", fmt.Sprintf("cat > %s", shellQuote(path))},
		Stdin:   data,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return kernelerr.Backendf(nil, "failed to write file %s in guest: %s", path, result.Stderr)
	}
	return nil
}

func (d *microVMDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	result, err := d.Exec(ctx, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, kernelerr.NotFoundf("file %s not found in guest", path)
	}
	return []byte(result.Stdout), nil
}

func (d *microVMDriver) RemoveFile(ctx context.Context, path string) error {
	_, err := d.Exec(ctx, []string{"rm", "-f", path})
	return err
}

func (d *microVMDriver) InjectFiles(ctx context.Context, files []FileInjection) error {
	for _, f := range files {
		if err := d.WriteFile(ctx, f.Dest, f.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (d *microVMDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launcher != nil {
		_ = d.launcher.Kill()
	}
	d.running = false
	return nil
}

func (d *microVMDriver) Remove(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	_ = os.Remove(d.vsockPath)
	return nil
}

func (d *microVMDriver) IsRunning(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", path)
}
