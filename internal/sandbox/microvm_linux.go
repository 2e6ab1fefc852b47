//go:build linux

// Linux supervisor for the microVM backend: launches the
// Firecracker process in its own mount/PID namespace with a seccomp
// filter and rlimits applied. The Firecracker/KVM boundary does the
// actual isolation work for the workload; the supervisor only
// confines the VMM process itself.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

// hostInitSubcommand is the hidden re-exec entrypoint this binary
// calls itself with to install a seccomp filter before handing off
// to firecracker via execve. A process cannot apply seccomp to an
// already-running child, so the filter is installed between fork and
// exec by re-entering this same binary.
const hostInitSubcommand = "_microvm_init"

// MaybeRunHostInit must be called at the very top of main() in
// cmd/agentkerneld. When this process was re-exec'd as the hidden
// init subcommand it installs the host seccomp filter, then execve's
// into the real firecracker binary and never returns; otherwise it is
// a no-op.
func MaybeRunHostInit() {
	if len(os.Args) < 2 || os.Args[1] != hostInitSubcommand {
		return
	}
	if err := installHostSeccompFilter(buildHostSeccompFilter()); err != nil {
		fmt.Fprintf(os.Stderr, "agentkernel: failed to install host seccomp filter: %v\n", err)
		os.Exit(1)
	}
	target := os.Args[2]
	if err := syscall.Exec(target, os.Args[2:], os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "agentkernel: failed to exec %s: %v\n", target, err)
		os.Exit(1)
	}
}

// deniedHostSyscalls blocks the Firecracker process itself from
// doing anything beyond running VMs: no remounting, no module
// loading, no reboot. pivot_root stays allowed; the jailer relies
// on it.
var deniedHostSyscalls = []uint32{
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
}

type linuxMicroVMLauncher struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

func newPlatformLauncher() (microVMLauncher, error) {
	if _, err := exec.LookPath("firecracker"); err != nil {
		return nil, kernelerr.Unavailablef("firecracker binary not found: %v", err)
	}
	return &linuxMicroVMLauncher{}, nil
}

func (l *linuxMicroVMLauncher) Launch(ctx context.Context, kernelImagePath, rootfsPath, vsockPath string, cid uint32, perms permissions.Permissions) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	firecrackerPath, err := exec.LookPath("firecracker")
	if err != nil {
		return kernelerr.Unavailablef("firecracker binary not found: %v", err)
	}
	selfExe, err := os.Executable()
	if err != nil {
		return kernelerr.Internalf("failed to resolve own executable path: %v", err)
	}

	reexecArgs := []string{hostInitSubcommand, firecrackerPath, "--no-api", "--config-file", "-"}
	cmd := exec.CommandContext(ctx, selfExe, reexecArgs...)
	configJSON, err := firecrackerConfig(kernelImagePath, rootfsPath, vsockPath, cid, perms)
	if err != nil {
		return kernelerr.Internalf("failed to build firecracker config: %v", err)
	}
	cmd.Stdin = configJSON
	cmd.SysProcAttr = hostSupervisorAttr(perms)

	if err := cmd.Start(); err != nil {
		return kernelerr.Backendf(err, "failed to start firecracker")
	}

	if err := applyHostRlimits(cmd.Process.Pid, perms); err != nil {
		_ = cmd.Process.Kill()
		return kernelerr.Backendf(err, "failed to apply rlimits to firecracker")
	}

	l.cmd = cmd
	go func() { _ = cmd.Wait() }()
	return nil
}

func (l *linuxMicroVMLauncher) Kill() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return nil
	}
	return l.cmd.Process.Kill()
}

// hostSupervisorAttr confines the Firecracker process to its own
// mount/PID namespace. The network namespace is left alone: the
// tap-device setup must see the host network.
func hostSupervisorAttr(perms permissions.Permissions) *syscall.SysProcAttr {
	flags := syscall.CLONE_NEWNS | syscall.CLONE_NEWPID
	return &syscall.SysProcAttr{
		Cloneflags: uintptr(flags),
		Pdeathsig:  syscall.SIGKILL,
	}
}

// applyHostRlimits applies the permission profile's memory ceiling
// to the already-started Firecracker process.
func applyHostRlimits(pid int, perms permissions.Permissions) error {
	if perms.MaxMemoryMB != nil {
		limit := uint64(*perms.MaxMemoryMB) * 1024 * 1024
		rlim := unix.Rlimit{Cur: limit, Max: limit}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
			return fmt.Errorf("failed to set RLIMIT_AS: %w", err)
		}
	}
	return nil
}

// buildHostSeccompFilter assembles a BPF program that allows every
// syscall except deniedHostSyscalls, which return EPERM instead of
// killing the process outright: load the syscall number, one jump
// per denied syscall, default allow.
const (
	hostSeccompRetAllow = 0x7fff0000
	hostSeccompRetErrno = 0x00050000
)

func buildHostSeccompFilter() []unix.SockFilter {
	nDenied := len(deniedHostSyscalls)
	if nDenied == 0 {
		return nil
	}

	prog := make([]unix.SockFilter, 0, nDenied+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})

	for i, nr := range deniedHostSyscalls {
		jmpToDeny := uint8(nDenied - i)
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   jmpToDeny,
			Jf:   0,
			K:    nr,
		})
	}

	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    hostSeccompRetAllow,
	})
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    hostSeccompRetErrno | uint32(unix.EPERM),
	})

	return prog
}

func installHostSeccompFilter(filter []unix.SockFilter) error {
	if len(filter) == 0 {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %w", err)
	}
	return nil
}

// firecrackerMachineConfig mirrors the subset of Firecracker's own
// --config-file JSON schema this supervisor needs: boot source, a
// single rootfs drive, and a vsock device for guest-agent traffic.
type firecrackerMachineConfig struct {
	BootSource struct {
		KernelImagePath string `json:"kernel_image_path"`
		BootArgs        string `json:"boot_args"`
	} `json:"boot-source"`
	Drives []struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	} `json:"drives"`
	Vsock struct {
		VsockID  string `json:"vsock_id"`
		GuestCID uint32 `json:"guest_cid"`
		UdsPath  string `json:"uds_path"`
	} `json:"vsock"`
	MachineConfig struct {
		VcpuCount  int  `json:"vcpu_count"`
		MemSizeMib int  `json:"mem_size_mib"`
		SMT        bool `json:"smt"`
	} `json:"machine-config"`
}

func firecrackerConfig(kernelImagePath, rootfsPath, vsockPath string, cid uint32, perms permissions.Permissions) (io.Reader, error) {
	var cfg firecrackerMachineConfig
	cfg.BootSource.KernelImagePath = kernelImagePath
	cfg.BootSource.BootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

	cfg.Drives = append(cfg.Drives, struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	}{DriveID: "rootfs", PathOnHost: rootfsPath, IsRootDevice: true, IsReadOnly: perms.ReadOnlyRoot})

	cfg.Vsock.VsockID = "agentkernel-vsock"
	cfg.Vsock.GuestCID = cid
	cfg.Vsock.UdsPath = vsockPath

	cfg.MachineConfig.VcpuCount = 1
	cfg.MachineConfig.MemSizeMib = 256
	if perms.MaxMemoryMB != nil {
		cfg.MachineConfig.MemSizeMib = int(*perms.MaxMemoryMB)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
