//go:build !darwin

package sandbox

import "github.com/thrashr888/agentkernel/internal/kernelerr"

// newSeatbeltDriver reports Unavailable on every non-macOS platform;
// sandbox-exec does not exist anywhere else.
func newSeatbeltDriver(cfg Config) (Driver, error) {
	return nil, kernelerr.Unavailablef("seatbelt sandbox is only available on macOS")
}
