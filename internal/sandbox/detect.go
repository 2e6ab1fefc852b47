// Backend detection: which isolation mechanisms this host can run,
// and which one to pick when the caller doesn't say. Selection
// order: microVM on Linux with virtualization support, native
// container on macOS, OCI container elsewhere, process sandbox as
// last resort.
package sandbox

import (
	"os"
	"os/exec"
	"runtime"
)

// DetectBackends probes the host for every available backend, in
// preference order. The orchestrator backend is excluded: it needs a
// cluster endpoint configured, not a local binary, so its availability
// is only known at driver construction time.
func DetectBackends() []Backend {
	var available []Backend

	if runtime.GOOS == "linux" && hasFirecracker() && hasKVM() {
		available = append(available, BackendMicroVM)
	}
	if runtime.GOOS == "darwin" && hasBinary("container") {
		available = append(available, BackendNativeContainer)
	}
	if hasBinary("podman") || hasBinary("docker") {
		available = append(available, BackendOCIContainer)
	}
	if runtime.GOOS == "darwin" && hasBinary("sandbox-exec") {
		available = append(available, BackendProcessSandbox)
	}

	return available
}

// DefaultBackend returns the platform default: the first available
// backend in preference order, or the OCI container backend when
// nothing probes as available (its driver will report Unavailable
// with an actionable message at construction time).
func DefaultBackend() Backend {
	if detected := DetectBackends(); len(detected) > 0 {
		return detected[0]
	}
	return BackendOCIContainer
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func hasFirecracker() bool {
	return hasBinary("firecracker")
}

func hasKVM() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}
