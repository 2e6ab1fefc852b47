// Package sandbox implements the uniform backend contract: every
// isolation mechanism (microVM, OCI container, macOS native
// container, macOS process sandbox, and the optional cluster
// orchestrator) is driven through the same Driver interface so the
// pool and daemon never special-case a backend.
package sandbox

import (
	"context"
	"fmt"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
)

// Backend names one of the isolation mechanisms a Driver implements.
type Backend int

const (
	BackendMicroVM Backend = iota
	BackendOCIContainer
	BackendNativeContainer
	BackendProcessSandbox
	BackendOrchestrator
)

func (b Backend) String() string {
	switch b {
	case BackendMicroVM:
		return "microvm"
	case BackendOCIContainer:
		return "oci-container"
	case BackendNativeContainer:
		return "native-container"
	case BackendProcessSandbox:
		return "process-sandbox"
	case BackendOrchestrator:
		return "orchestrator"
	default:
		return "unknown"
	}
}

// ParseBackend parses a wire-level backend tag. Unknown tags return
// ok=false rather than silently defaulting, so the daemon can respond
// with a Validation error instead of guessing.
func ParseBackend(s string) (Backend, bool) {
	switch s {
	case "microvm", "firecracker":
		return BackendMicroVM, true
	case "oci-container", "docker", "podman":
		return BackendOCIContainer, true
	case "native-container", "apple":
		return BackendNativeContainer, true
	case "process-sandbox", "seatbelt":
		return BackendProcessSandbox, true
	case "orchestrator":
		return BackendOrchestrator, true
	default:
		return 0, false
	}
}

// ExecResult is the uniform result of exec/exec_with_env across every
// backend.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileInjection is one entry of an InjectFiles batch.
type FileInjection struct {
	Dest  string
	Bytes []byte
}

// Driver is the contract every backend implements. Start is not
// idempotent (Conflict on an already-running instance); Stop and
// Remove MUST be idempotent and MUST best-effort clean up even when
// the caller abandons the instance without calling them.
type Driver interface {
	StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error
	Exec(ctx context.Context, command []string) (ExecResult, error)
	ExecWithEnv(ctx context.Context, command []string, env map[string]string) (ExecResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	RemoveFile(ctx context.Context, path string) error
	InjectFiles(ctx context.Context, files []FileInjection) error
	Stop(ctx context.Context) error
	Remove(ctx context.Context) error
	IsRunning(ctx context.Context) bool
	Backend() Backend
}

// EphemeralDriver is an optional capability: a backend that can run
// a single command without a persisted instance at all (the
// container driver's `run --rm <image> <cmd>`), for callers that
// would otherwise create a fresh instance and tear it down
// immediately after one exec.
type EphemeralDriver interface {
	ExecEphemeral(ctx context.Context, image string, command []string, perms permissions.Permissions) (ExecResult, error)
}

// Config is construction-time configuration for a new Driver. Only
// the fields relevant to the requested backend need to be set.
type Config struct {
	Name            string
	RootfsDir       string // microVM backend
	KernelImagePath string // microVM backend
	GuestAgentPath  string // microVM backend
	Namespace       string // orchestrator backend
	Kubeconfig      string // orchestrator backend
}

// New constructs a Driver for the given backend and name. It never
// starts the instance — callers still call StartWithPermissions.
func New(backend Backend, cfg Config) (Driver, error) {
	switch backend {
	case BackendOCIContainer:
		return newContainerDriver(cfg)
	case BackendNativeContainer:
		return newAppleContainerDriver(cfg)
	case BackendProcessSandbox:
		return newSeatbeltDriver(cfg)
	case BackendMicroVM:
		return newMicroVMDriver(cfg)
	case BackendOrchestrator:
		return newOrchestratorDriver(cfg)
	default:
		return nil, kernelerr.Internalf("unknown backend %d", backend)
	}
}

// EnforcementError reports that a requested isolation property could
// not be honored on the current platform. No driver in this package
// returns it: the macOS native-container driver ignores a network
// restriction without reporting one.
type EnforcementError struct {
	Gaps     []string
	Platform string
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("sandbox enforcement gaps on %s: %v", e.Platform, e.Gaps)
}

func containerName(name string) string {
	return "agentkernel-" + name
}
