package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox is the runtime enforcement engine bound to one plugin. It guards
// the plugin's execution environment by swapping the environment's entry
// points (module load, file open, network dial, code load, process spawn)
// for guards derived from the policy, and records every decision in an
// append-only action log.
//
// Each plugin owns its environment, so interception state is never shared
// between plugins. Within one sandbox, Execute serializes guarded calls;
// nested activation is the only legal re-entrancy.
type Sandbox struct {
	mu sync.Mutex

	pluginID string
	env      *lua.LState
	policy   *Policy
	log      *ActionLog
	logger   *slog.Logger

	// Enforcement state, valid only while active.
	active    bool
	depth     int
	saved     []savedHook
	savedMem  *savedMemLimit
	violation *SecurityError
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithLogger sets the structured logger for enforcement warnings.
func WithLogger(logger *slog.Logger) SandboxOption {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSandbox creates a sandbox for the plugin, bound to its execution
// environment. The policy is referenced, not copied; the Manager may replace
// it wholesale, which affects the next activation.
func NewSandbox(pluginID string, policy *Policy, env *lua.LState, opts ...SandboxOption) *Sandbox {
	if policy == nil {
		policy = DefaultPolicy()
	}
	s := &Sandbox{
		pluginID: pluginID,
		env:      env,
		policy:   policy,
		log:      NewActionLog(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PluginID returns the plugin the sandbox is bound to.
func (s *Sandbox) PluginID() string {
	return s.pluginID
}

// Policy returns the current policy reference.
func (s *Sandbox) Policy() *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// setPolicy replaces the policy reference. A live activation keeps the hooks
// it installed; the new policy takes effect on the next activation.
func (s *Sandbox) setPolicy(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Active returns true while enforcement hooks are installed.
func (s *Sandbox) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Activate installs an enforcement hook for every restriction in the policy,
// capturing whatever behavior is currently installed so Deactivate restores
// exactly that state. Calling Activate on an active sandbox is a no-op.
//
// Failure to install the optional memory ceiling degrades to a warning and
// never blocks the mandatory restrictions.
func (s *Sandbox) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked()
}

func (s *Sandbox) activateLocked() error {
	if s.active {
		return nil
	}
	if s.env == nil {
		return ErrNoEnvironment
	}

	p := s.policy
	s.installHooks(p)

	if p.Restrictions.Has(RestrictMemory) {
		saved, err := installMemLimit(p.MemoryLimitMB)
		if err != nil {
			s.logger.Warn("memory limit unavailable",
				"plugin", s.pluginID,
				"limit_mb", p.MemoryLimitMB,
				"error", err)
		} else {
			s.savedMem = saved
		}
	}

	if p.Restrictions.Has(RestrictCPU) {
		// Declared intent only. The enforcement mechanism (cooperative
		// check vs. OS scheduling) is an open design question.
		s.logger.Debug("cpu limit declared but not enforced",
			"plugin", s.pluginID,
			"limit_percent", p.CPULimitPercent)
	}

	s.active = true
	return nil
}

// Deactivate restores every saved hook in reverse installation order, then
// clears the saved state. It is idempotent and never fails: if restoring one
// hook fails, the failure is logged and the rest are still restored.
func (s *Sandbox) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked()
}

func (s *Sandbox) deactivateLocked() {
	if !s.active {
		return
	}

	s.restoreHooks()

	if s.savedMem != nil {
		if err := restoreMemLimit(s.savedMem); err != nil {
			s.logger.Warn("failed to restore memory limit",
				"plugin", s.pluginID,
				"error", err)
		}
		s.savedMem = nil
	}

	s.active = false
	s.depth = 0
}

// Execute runs fn under enforcement. If the sandbox is already active the
// call runs nested and the outer activation owns deactivation; otherwise the
// sandbox activates, runs fn, and deactivates on every exit path.
//
// A policy violation raised by a hook surfaces as *SecurityError; any other
// failure of fn is wrapped in *ExecutionError with the original cause.
func (s *Sandbox) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.active {
		// Nested call: the outer activation owns the hooks.
		s.depth++
		s.mu.Unlock()

		err := s.run(fn)

		s.mu.Lock()
		s.depth--
		s.mu.Unlock()
		return s.finish(err)
	}

	if err := s.activateLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.violation = nil
	s.mu.Unlock()

	defer s.Deactivate()
	return s.finish(s.run(fn))
}

// run invokes fn with panic recovery so a Lua runtime panic cannot leave the
// hooks installed.
func (s *Sandbox) run(fn func(L *lua.LState) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn(s.env)
}

// finish converts a guarded call's failure into the sandbox error taxonomy.
func (s *Sandbox) finish(err error) error {
	if err == nil {
		return nil
	}
	if v := s.takeViolation(); v != nil {
		return v
	}
	return &ExecutionError{PluginID: s.pluginID, Cause: err}
}

// recordViolation logs the blocked action and remembers the typed error so
// Execute can surface it after the Lua unwind.
func (s *Sandbox) recordViolation(kind ActionKind, r Restriction, attempted string, details map[string]string) *SecurityError {
	s.log.Append(s.pluginID, kind, details)

	v := &SecurityError{PluginID: s.pluginID, Restriction: r, Attempted: attempted}
	s.mu.Lock()
	if s.violation == nil {
		s.violation = v
	}
	s.mu.Unlock()
	return v
}

// takeViolation returns and clears the recorded violation, if any.
func (s *Sandbox) takeViolation() *SecurityError {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.violation
	s.violation = nil
	return v
}

// LogAction appends a monitored action to the sandbox's log. It never fails.
func (s *Sandbox) LogAction(kind ActionKind, details map[string]string) {
	s.log.Append(s.pluginID, kind, details)
}

// Actions returns a copy of the action log in insertion order.
func (s *Sandbox) Actions() []Action {
	return s.log.Snapshot()
}

// IsPathAllowed reports whether the plugin may touch the path. When neither
// file restriction is in the policy the answer is always true; otherwise the
// normalized absolute path must equal, or nest under, an allowed entry.
func (s *Sandbox) IsPathAllowed(path string) bool {
	p := s.Policy()
	if !p.Restrictions.Has(RestrictFileRead) && !p.Restrictions.Has(RestrictFileWrite) {
		return true
	}
	return pathAllowed(p, path)
}

// IsImportAllowed reports whether the plugin may load the module. The module
// name must equal an allowed entry or be a dotted sub-path of one, so "os"
// never matches "osmium".
func (s *Sandbox) IsImportAllowed(module string) bool {
	p := s.Policy()
	if !p.Restrictions.Has(RestrictImport) {
		return true
	}
	return importAllowed(p, module)
}

// IsHostAllowed reports whether the plugin may connect to the host. The
// hostname must equal an allowed entry or end with "." plus one.
func (s *Sandbox) IsHostAllowed(host string) bool {
	p := s.Policy()
	if !p.Restrictions.Has(RestrictNetwork) {
		return true
	}
	return hostAllowed(p, host)
}

// pathAllowed matches the normalized path against the allow-list at a
// separator boundary, so "/allowed/root" does not admit "/allowed/root_x".
func pathAllowed(p *Policy, path string) bool {
	abs := normalizePath(path)
	for _, allowed := range p.AllowedPaths {
		if isWithinPath(abs, normalizePath(allowed)) {
			return true
		}
	}
	return false
}

func importAllowed(p *Policy, module string) bool {
	for _, allowed := range p.AllowedImports {
		if module == allowed || strings.HasPrefix(module, allowed+".") {
			return true
		}
	}
	return false
}

func hostAllowed(p *Policy, host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// normalizePath returns an absolute, clean path.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// isWithinPath checks if target is within or equal to base using
// filepath.Rel, which handles sibling-prefix edge cases correctly.
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
