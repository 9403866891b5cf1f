package sandbox

// Default policy limits.
const (
	DefaultMemoryLimitMB   = 100
	DefaultCPULimitPercent = 50
)

// Policy is the concrete per-plugin configuration: a trust level, its derived
// restriction set, allow-lists, and resource limits.
//
// A Policy is built once and never mutated; re-evaluation replaces the whole
// value (Manager.SetPolicy) so a live sandbox can swap its reference
// atomically between activations.
type Policy struct {
	// Level is the trust tier the policy was derived from.
	Level SecurityLevel

	// Restrictions is the restriction set cached from Level at build time
	// (or overridden wholesale by CreateSandbox).
	Restrictions RestrictionSet

	// AllowedImports are module-name prefixes permitted under
	// RestrictImport. Matching is exact or at a dot boundary.
	AllowedImports []string

	// AllowedPaths are directory prefixes permitted under RestrictFileRead
	// and RestrictFileWrite. Matching is exact or at a separator boundary.
	AllowedPaths []string

	// AllowedHosts are hostname suffixes permitted under RestrictNetwork.
	// Matching is exact or at a "." boundary.
	AllowedHosts []string

	// MemoryLimitMB is the best-effort address-space ceiling in megabytes.
	MemoryLimitMB int

	// CPULimitPercent is declared intent only; the engine never enforces it.
	CPULimitPercent int
}

// PolicyOption configures a Policy at construction.
type PolicyOption func(*Policy)

// WithAllowedImports sets the import allow-list.
func WithAllowedImports(imports ...string) PolicyOption {
	return func(p *Policy) {
		p.AllowedImports = append([]string(nil), imports...)
	}
}

// WithAllowedPaths sets the path allow-list.
func WithAllowedPaths(paths ...string) PolicyOption {
	return func(p *Policy) {
		p.AllowedPaths = append([]string(nil), paths...)
	}
}

// WithAllowedHosts sets the network host allow-list.
func WithAllowedHosts(hosts ...string) PolicyOption {
	return func(p *Policy) {
		p.AllowedHosts = append([]string(nil), hosts...)
	}
}

// WithMemoryLimitMB sets the memory ceiling in megabytes.
func WithMemoryLimitMB(mb int) PolicyOption {
	return func(p *Policy) {
		if mb > 0 {
			p.MemoryLimitMB = mb
		}
	}
}

// WithCPULimitPercent sets the declared CPU budget.
func WithCPULimitPercent(pct int) PolicyOption {
	return func(p *Policy) {
		if pct > 0 {
			p.CPULimitPercent = pct
		}
	}
}

// NewPolicy builds a policy for the given level. The restriction set is
// derived from the level; all matching logic lives on Sandbox so policies
// stay inert values that can be swapped atomically.
func NewPolicy(level SecurityLevel, opts ...PolicyOption) *Policy {
	p := &Policy{
		Level:           level,
		Restrictions:    RestrictionsFor(level),
		MemoryLimitMB:   DefaultMemoryLimitMB,
		CPULimitPercent: DefaultCPULimitPercent,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultPolicy returns the MediumTrust policy with default limits and empty
// allow-lists.
func DefaultPolicy() *Policy {
	return NewPolicy(MediumTrust)
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	clone := *p
	clone.AllowedImports = append([]string(nil), p.AllowedImports...)
	clone.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	clone.AllowedHosts = append([]string(nil), p.AllowedHosts...)
	return &clone
}

// callOverrides are per-call adjustments applied by the Sandboxed wrapper.
type callOverrides struct {
	level          *SecurityLevel
	allowedImports []string
	allowedPaths   []string
}

// merge derives a fresh per-call policy from p with the overrides winning.
// A level override also replaces the derived restriction set.
func (p *Policy) merge(o callOverrides) *Policy {
	merged := p.Clone()
	if o.level != nil {
		merged.Level = *o.level
		merged.Restrictions = RestrictionsFor(*o.level)
	}
	if o.allowedImports != nil {
		merged.AllowedImports = append([]string(nil), o.allowedImports...)
	}
	if o.allowedPaths != nil {
		merged.AllowedPaths = append([]string(nil), o.allowedPaths...)
	}
	return merged
}
