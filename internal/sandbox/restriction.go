package sandbox

import "strings"

// Restriction is one independently-togglable capability-denial category.
type Restriction int

// Restrictions a policy can enforce.
const (
	// RestrictFileRead denies reading files outside the allowed paths.
	RestrictFileRead Restriction = iota

	// RestrictFileWrite denies writing files outside the allowed paths.
	RestrictFileWrite

	// RestrictNetwork denies outbound connections to non-allowed hosts.
	RestrictNetwork

	// RestrictExec denies dynamic code execution and process spawning.
	RestrictExec

	// RestrictImport denies loading modules outside the allowed imports.
	RestrictImport

	// RestrictMemory applies a best-effort address-space ceiling.
	RestrictMemory

	// RestrictCPU declares a CPU budget. It is recorded in the policy but
	// never enforced by the engine (see Sandbox.Activate).
	RestrictCPU

	numRestrictions
)

// String returns the restriction name.
func (r Restriction) String() string {
	switch r {
	case RestrictFileRead:
		return "file_read"
	case RestrictFileWrite:
		return "file_write"
	case RestrictNetwork:
		return "network_access"
	case RestrictExec:
		return "exec_external"
	case RestrictImport:
		return "import"
	case RestrictMemory:
		return "memory_limit"
	case RestrictCPU:
		return "cpu_limit"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Restriction) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RestrictionSet is an immutable value set of restrictions. The zero value
// is the empty set.
type RestrictionSet uint8

// NewRestrictionSet builds a set from the given restrictions.
func NewRestrictionSet(rs ...Restriction) RestrictionSet {
	var s RestrictionSet
	for _, r := range rs {
		s |= 1 << uint(r)
	}
	return s
}

// Has returns true if the restriction is in the set.
func (s RestrictionSet) Has(r Restriction) bool {
	return s&(1<<uint(r)) != 0
}

// Len returns the number of restrictions in the set.
func (s RestrictionSet) Len() int {
	n := 0
	for r := Restriction(0); r < numRestrictions; r++ {
		if s.Has(r) {
			n++
		}
	}
	return n
}

// Contains returns true if every restriction in other is also in s.
func (s RestrictionSet) Contains(other RestrictionSet) bool {
	return s&other == other
}

// Slice returns the restrictions in declaration order.
func (s RestrictionSet) Slice() []Restriction {
	out := make([]Restriction, 0, s.Len())
	for r := Restriction(0); r < numRestrictions; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// String returns a comma-separated list of restriction names.
func (s RestrictionSet) String() string {
	names := make([]string, 0, s.Len())
	for _, r := range s.Slice() {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}

// MarshalJSON implements json.Marshaler, encoding the set as a name array.
func (s RestrictionSet) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range s.Slice() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(r.String())
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// SecurityLevel is a named trust tier. Each level owns a fixed restriction
// set; sets are monotonically nested from Untrusted (everything restricted)
// down to FullTrust (nothing restricted).
type SecurityLevel int

// Trust tiers, least trusted first.
const (
	Untrusted SecurityLevel = iota
	LowTrust
	MediumTrust
	HighTrust
	FullTrust
)

// String returns the level name.
func (l SecurityLevel) String() string {
	switch l {
	case Untrusted:
		return "untrusted"
	case LowTrust:
		return "low_trust"
	case MediumTrust:
		return "medium_trust"
	case HighTrust:
		return "high_trust"
	case FullTrust:
		return "full_trust"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l SecurityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseSecurityLevel converts a level name to a SecurityLevel.
// Unknown names map to MediumTrust, the default tier.
func ParseSecurityLevel(s string) SecurityLevel {
	switch s {
	case "untrusted":
		return Untrusted
	case "low_trust":
		return LowTrust
	case "medium_trust":
		return MediumTrust
	case "high_trust":
		return HighTrust
	case "full_trust":
		return FullTrust
	default:
		return MediumTrust
	}
}

// levelRestrictions is the static trust table. It is only ever read; callers
// receive value copies, so no tier can be weakened at runtime.
var levelRestrictions = [...]RestrictionSet{
	Untrusted: NewRestrictionSet(
		RestrictFileRead, RestrictFileWrite, RestrictNetwork,
		RestrictExec, RestrictImport, RestrictMemory, RestrictCPU,
	),
	LowTrust: NewRestrictionSet(
		RestrictFileRead, RestrictFileWrite, RestrictNetwork,
		RestrictExec, RestrictImport, RestrictMemory,
	),
	MediumTrust: NewRestrictionSet(
		RestrictFileWrite, RestrictNetwork, RestrictImport,
		RestrictExec, RestrictMemory,
	),
	HighTrust: NewRestrictionSet(
		RestrictExec, RestrictMemory,
	),
	FullTrust: 0,
}

// RestrictionsFor returns the restriction set enforced at the given level.
// The lookup is pure and total; out-of-range levels get the MediumTrust set.
func RestrictionsFor(level SecurityLevel) RestrictionSet {
	if level < Untrusted || level > FullTrust {
		return levelRestrictions[MediumTrust]
	}
	return levelRestrictions[level]
}
