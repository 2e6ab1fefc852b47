//go:build !darwin

package sandbox

import "github.com/thrashr888/agentkernel/internal/kernelerr"

func newAppleContainerDriver(cfg Config) (Driver, error) {
	return nil, kernelerr.Unavailablef("apple native containers are only available on macOS")
}
