//go:build !linux

package sandbox

import "github.com/thrashr888/agentkernel/internal/kernelerr"

// newPlatformLauncher reports Unavailable everywhere except Linux:
// Firecracker requires KVM, which only exists on Linux hosts.
func newPlatformLauncher() (microVMLauncher, error) {
	return nil, kernelerr.Unavailablef("microvm backend requires a Linux host with KVM")
}

// MaybeRunHostInit is a no-op outside Linux: there is no seccomp
// re-exec trick to perform since the microVM backend is unavailable.
func MaybeRunHostInit() {}
