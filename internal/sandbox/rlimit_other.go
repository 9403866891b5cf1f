//go:build !linux

package sandbox

// savedMemLimit is unused on platforms without address-space limits.
type savedMemLimit struct{}

// installMemLimit reports that the platform cannot apply an address-space
// ceiling. The caller degrades this to a warning.
func installMemLimit(limitMB int) (*savedMemLimit, error) {
	return nil, ErrResourceLimitUnavailable
}

func restoreMemLimit(saved *savedMemLimit) error {
	return nil
}
