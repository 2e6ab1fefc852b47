// Package permissions maps a security profile to a uniform
// Permission record and translates that record into backend-specific
// isolation flags.
package permissions

import "fmt"

// SecurityProfile selects one of the fixed profile mappings, or
// Custom for a caller-supplied Permissions value.
type SecurityProfile int

const (
	Permissive SecurityProfile = iota
	Moderate
	Restrictive
	Custom
)

func (p SecurityProfile) String() string {
	switch p {
	case Permissive:
		return "permissive"
	case Moderate:
		return "moderate"
	case Restrictive:
		return "restrictive"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseSecurityProfile parses a profile name, defaulting to Moderate
// on anything unrecognized (Moderate is the system default).
func ParseSecurityProfile(s string) SecurityProfile {
	switch s {
	case "permissive":
		return Permissive
	case "restrictive":
		return Restrictive
	case "custom":
		return Custom
	default:
		return Moderate
	}
}

// Permissions is the uniform permission record every backend driver
// consumes, regardless of which profile produced it.
type Permissions struct {
	Network        bool
	MountCWD       bool
	MountHome      bool
	PassEnv        bool
	AllowPrivilege bool
	ReadOnlyRoot   bool
	MaxMemoryMB    *uint
	MaxCPUPercent  *uint
}

func uintp(v uint) *uint { return &v }

// Default returns the Moderate profile's permission record, the
// system-wide default: network on, no mounts, no env passthrough,
// 512MB, one CPU.
func Default() Permissions {
	return FromProfile(Moderate)
}

// FromProfile is the pure function from profile to permission record.
// Custom returns the zero value; callers build their own record for
// Custom instead of deriving one.
func FromProfile(profile SecurityProfile) Permissions {
	switch profile {
	case Permissive:
		return Permissions{
			Network:        true,
			MountCWD:       true,
			MountHome:      true,
			PassEnv:        true,
			AllowPrivilege: false,
			ReadOnlyRoot:   false,
		}
	case Restrictive:
		return Permissions{
			Network:        false,
			MountCWD:       false,
			MountHome:      false,
			PassEnv:        false,
			AllowPrivilege: false,
			ReadOnlyRoot:   true,
			MaxMemoryMB:    uintp(256),
			MaxCPUPercent:  uintp(50),
		}
	case Custom:
		return Permissions{}
	default: // Moderate
		return Permissions{
			Network:        true,
			MountCWD:       false,
			MountHome:      false,
			PassEnv:        false,
			AllowPrivilege: false,
			ReadOnlyRoot:   false,
			MaxMemoryMB:    uintp(512),
			MaxCPUPercent:  uintp(100),
		}
	}
}

// ToDockerArgs produces the security/resource flags inserted between
// `run` and the image reference for the OCI container driver.
func (p Permissions) ToDockerArgs() []string {
	var args []string

	if !p.Network {
		args = append(args, "--network=none")
	}
	if p.MaxMemoryMB != nil {
		args = append(args, fmt.Sprintf("--memory=%dm", *p.MaxMemoryMB), "--oom-kill-disable")
	}
	if p.MaxCPUPercent != nil {
		args = append(args, fmt.Sprintf("--cpus=%.2f", float64(*p.MaxCPUPercent)/100.0))
	}
	if p.ReadOnlyRoot {
		args = append(args, "--read-only", "--tmpfs=/tmp:rw,noexec,nosuid,size=64m")
	}
	if !p.AllowPrivilege {
		args = append(args, "--security-opt=no-new-privileges", "--cap-drop=ALL",
			"--cap-add=CHOWN", "--cap-add=SETUID", "--cap-add=SETGID")
	}

	return args
}

// GetMountArgs produces the -v/-w flags for mounting the working
// directory and home directory. cwd overrides os.Getwd's result when
// non-empty (tests pass a fixed directory).
func (p Permissions) GetMountArgs(cwd string) []string {
	var args []string

	if p.MountCWD && cwd == "" {
		cwd = workingDir()
	}
	if p.MountCWD && cwd != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/workspace:rw", cwd), "-w", "/workspace")
	}
	if p.MountHome {
		if home := homeDir(); home != "" {
			args = append(args, "-v", fmt.Sprintf("%s:/home/user:ro", home))
		}
	}

	return args
}

// GetEnvArgs produces -e flags passing through a fixed allowlist of
// host environment variables when PassEnv is set.
func (p Permissions) GetEnvArgs() []string {
	var args []string
	if !p.PassEnv {
		return args
	}
	for _, name := range []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM"} {
		if val, ok := lookupEnv(name); ok {
			args = append(args, "-e", fmt.Sprintf("%s=%s", name, val))
		}
	}
	return args
}
