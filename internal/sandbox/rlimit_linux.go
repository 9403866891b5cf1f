//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// savedMemLimit snapshots the address-space limit in force before activation.
type savedMemLimit struct {
	prev unix.Rlimit
}

// installMemLimit applies a soft address-space ceiling for the process and
// returns the prior limit for restoration. The hard limit is never lowered,
// so deactivation can always restore the previous soft limit.
func installMemLimit(limitMB int) (*savedMemLimit, error) {
	var prev unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &prev); err != nil {
		return nil, err
	}

	ceiling := uint64(limitMB) * 1024 * 1024
	if prev.Max != unix.RLIM_INFINITY && ceiling > prev.Max {
		ceiling = prev.Max
	}

	next := unix.Rlimit{Cur: ceiling, Max: prev.Max}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &next); err != nil {
		return nil, err
	}
	return &savedMemLimit{prev: prev}, nil
}

// restoreMemLimit puts back the saved soft limit.
func restoreMemLimit(saved *savedMemLimit) error {
	return unix.Setrlimit(unix.RLIMIT_AS, &saved.prev)
}
