package sandbox

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Plugin is the sandbox-facing view of a loaded extension. The loader owns
// plugin discovery and lifecycle; the sandbox only needs a stable identifier,
// the execution environment to guard, and somewhere to attach the policy.
type Plugin interface {
	// ID returns the stable plugin identifier.
	ID() string

	// Env returns the plugin's execution environment.
	Env() *lua.LState

	// AttachPolicy hands the plugin its sandbox policy.
	AttachPolicy(policy *Policy)
}

// Manifest carries the loader-supplied security inputs for a plugin. The
// Signed flag is an opaque boolean; signature verification happens elsewhere.
type Manifest struct {
	Signed                 bool     `json:"signed"`
	Permissions            []string `json:"permissions"`
	RequestedSecurityLevel string   `json:"requested_security_level,omitempty"`
	AllowedImports         []string `json:"allowed_imports,omitempty"`
	AllowedPaths           []string `json:"allowed_paths,omitempty"`
	AllowedHosts           []string `json:"allowed_network_hosts,omitempty"`
	MemoryLimitMB          int      `json:"memory_limit_mb,omitempty"`
	CPULimitPercent        int      `json:"cpu_limit_percent,omitempty"`
}

// Manager is the process-wide registry of policies and sandboxes, keyed by
// plugin id. It determines trust levels at registration and aggregates
// risk reports across plugins.
type Manager struct {
	mu sync.RWMutex

	policies  map[string]*Policy
	sandboxes map[string]*Sandbox

	// FullTrust roots: plugins installed under any of these directories
	// bypass the signed/permissions classification.
	trustedRoots []string

	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTrustedRoots sets the FullTrust plugin roots.
func WithTrustedRoots(roots ...string) ManagerOption {
	return func(m *Manager) {
		m.trustedRoots = append([]string(nil), roots...)
	}
}

// WithManagerLogger sets the structured logger shared with created sandboxes.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates an empty sandbox registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		policies:  make(map[string]*Policy),
		sandboxes: make(map[string]*Sandbox),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetTrustedRoots replaces the FullTrust roots. Existing policies are not
// re-evaluated; the new roots apply to future registrations.
func (m *Manager) SetTrustedRoots(roots ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustedRoots = append([]string(nil), roots...)
}

// DetermineSecurityLevel classifies a plugin's trust tier. A plugin installed
// under a trusted root is FullTrust; otherwise the tier follows from the
// manifest's signing status and whether it requests permissions. The mapping
// is deterministic and total.
func (m *Manager) DetermineSecurityLevel(pluginID, pluginPath string, mf Manifest) SecurityLevel {
	m.mu.RLock()
	roots := m.trustedRoots
	m.mu.RUnlock()

	abs := normalizePath(pluginPath)
	for _, root := range roots {
		if isWithinPath(abs, normalizePath(root)) {
			return FullTrust
		}
	}

	hasPermissions := len(mf.Permissions) > 0
	var level SecurityLevel
	switch {
	case mf.Signed && !hasPermissions:
		level = HighTrust
	case mf.Signed && hasPermissions:
		level = MediumTrust
	case !mf.Signed && !hasPermissions:
		level = LowTrust
	default:
		level = Untrusted
	}

	// A requested level is advisory: it is logged for the operator but
	// never changes the classification.
	if mf.RequestedSecurityLevel != "" && ParseSecurityLevel(mf.RequestedSecurityLevel) != level {
		m.logger.Debug("plugin requested a different security level",
			"plugin", pluginID,
			"requested", mf.RequestedSecurityLevel,
			"determined", level.String())
	}
	return level
}

// policyFromManifest builds a plugin's policy: the determined level plus the
// manifest's allow-lists and limits, with the plugin's own directory always
// readable and writable.
func policyFromManifest(level SecurityLevel, mf Manifest, pluginPath string) *Policy {
	paths := append(append([]string(nil), mf.AllowedPaths...), pluginPath)
	return NewPolicy(level,
		WithAllowedImports(mf.AllowedImports...),
		WithAllowedPaths(paths...),
		WithAllowedHosts(mf.AllowedHosts...),
		WithMemoryLimitMB(mf.MemoryLimitMB),
		WithCPULimitPercent(mf.CPULimitPercent),
	)
}

// Register determines the plugin's trust level, builds and stores its
// policy, creates a sandbox bound to the plugin's environment, and attaches
// the policy to the plugin. A previous registration for the same id is
// replaced.
func (m *Manager) Register(p Plugin, mf Manifest, pluginPath string) (*Sandbox, error) {
	if p == nil {
		return nil, ErrNilPlugin
	}

	level := m.DetermineSecurityLevel(p.ID(), pluginPath, mf)
	policy := policyFromManifest(level, mf, pluginPath)
	sb := NewSandbox(p.ID(), policy, p.Env(), WithLogger(m.logger))

	m.mu.Lock()
	m.policies[p.ID()] = policy
	m.sandboxes[p.ID()] = sb
	m.mu.Unlock()

	p.AttachPolicy(policy)

	m.logger.Info("plugin sandbox registered",
		"plugin", p.ID(),
		"level", level.String(),
		"restrictions", policy.Restrictions.String())
	return sb, nil
}

// CreateOption adjusts CreateSandbox behavior.
type CreateOption func(*createConfig)

type createConfig struct {
	level *SecurityLevel
}

// AtLevel overrides the stored policy's level and its derived restriction
// set when creating a sandbox.
func AtLevel(level SecurityLevel) CreateOption {
	return func(c *createConfig) {
		c.level = &level
	}
}

// CreateSandbox returns the plugin's sandbox, creating it (and a default
// policy, if none is stored) on first use. An explicit AtLevel option
// replaces the stored policy's level and derived restrictions; the
// replacement policy keeps the existing allow-lists and limits.
func (m *Manager) CreateSandbox(pluginID string, env *lua.LState, opts ...CreateOption) *Sandbox {
	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[pluginID]
	if !ok {
		policy = DefaultPolicy()
	}
	if cfg.level != nil && *cfg.level != policy.Level {
		replacement := policy.Clone()
		replacement.Level = *cfg.level
		replacement.Restrictions = RestrictionsFor(*cfg.level)
		policy = replacement
	}
	m.policies[pluginID] = policy

	if sb, ok := m.sandboxes[pluginID]; ok {
		sb.setPolicy(policy)
		return sb
	}

	sb := NewSandbox(pluginID, policy, env, WithLogger(m.logger))
	m.sandboxes[pluginID] = sb
	return sb
}

// GetSandbox returns the sandbox for a plugin id.
func (m *Manager) GetSandbox(pluginID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[pluginID]
	return sb, ok
}

// GetPolicy returns the stored policy for a plugin id.
func (m *Manager) GetPolicy(pluginID string) (*Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[pluginID]
	return p, ok
}

// SetPolicy replaces a plugin's stored policy wholesale. A live sandbox's
// reference is updated, which affects its next activation, not a current one.
func (m *Manager) SetPolicy(pluginID string, policy *Policy) {
	if policy == nil {
		return
	}

	m.mu.Lock()
	m.policies[pluginID] = policy
	sb, ok := m.sandboxes[pluginID]
	m.mu.Unlock()

	if ok {
		sb.setPolicy(policy)
	}
}

// Report computes the security report for one plugin.
func (m *Manager) Report(pluginID string) (SecurityReport, error) {
	m.mu.RLock()
	sb, ok := m.sandboxes[pluginID]
	policy := m.policies[pluginID]
	m.mu.RUnlock()

	if !ok {
		return SecurityReport{}, fmt.Errorf("plugin %q: %w", pluginID, ErrSandboxNotFound)
	}
	if policy == nil {
		policy = sb.Policy()
	}
	return buildReport(pluginID, policy, sb.log), nil
}

// Reports computes security reports for every registered plugin, ordered by
// plugin id.
func (m *Manager) Reports() []SecurityReport {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	reports := make([]SecurityReport, 0, len(ids))
	for _, id := range ids {
		if r, err := m.Report(id); err == nil {
			reports = append(reports, r)
		}
	}
	return reports
}

// Count returns the number of registered sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}
