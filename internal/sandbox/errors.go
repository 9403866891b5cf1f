package sandbox

import (
	"errors"
	"fmt"
)

// Sandbox errors.
var (
	// ErrSandboxNotFound is returned when no sandbox exists for a plugin id.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrPolicyNotFound is returned when no policy exists for a plugin id.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrNilPlugin is returned when a nil plugin is registered.
	ErrNilPlugin = errors.New("plugin is nil")

	// ErrNoEnvironment is returned when a sandbox has no execution
	// environment to guard.
	ErrNoEnvironment = errors.New("sandbox has no execution environment")

	// ErrResourceLimitUnavailable is returned by the memory-limit installer
	// when the platform cannot apply address-space limits. Activation
	// degrades it to a warning; it never blocks the mandatory restrictions.
	ErrResourceLimitUnavailable = errors.New("resource limit not supported on this platform")
)

// SecurityError reports a restricted operation attempted by a plugin. The
// violation is always logged to the sandbox's action log before the error is
// raised. The caller may recover, typically by disabling the plugin.
type SecurityError struct {
	// PluginID is the offending plugin.
	PluginID string

	// Restriction is the policy restriction that denied the operation.
	Restriction Restriction

	// Attempted is the value the plugin tried to use (path, module, host,
	// or code chunk name).
	Attempted string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("sandbox violation by plugin %q: %s restriction denied %q",
		e.PluginID, e.Restriction, e.Attempted)
}

// ExecutionError reports that a guarded function itself failed. Sandbox
// bookkeeping succeeded and deactivation has already run; the original
// failure is preserved as the cause.
type ExecutionError struct {
	// PluginID is the plugin whose call failed.
	PluginID string

	// Cause is the guarded function's error.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sandboxed call for plugin %q failed: %v", e.PluginID, e.Cause)
}

// Unwrap returns the guarded function's error.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
