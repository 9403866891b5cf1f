package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionKind classifies a monitored action. The set of kinds is closed so
// that risk scoring can switch over it exhaustively instead of matching
// free-form strings.
type ActionKind int

// Monitored action kinds.
const (
	// ActionImportAllowed records a permitted module load.
	ActionImportAllowed ActionKind = iota

	// ActionImportBlocked records a module load denied by RestrictImport.
	ActionImportBlocked

	// ActionFileAccess records a permitted file open.
	ActionFileAccess

	// ActionFileReadBlocked records a read denied by RestrictFileRead.
	ActionFileReadBlocked

	// ActionFileWriteBlocked records a write denied by RestrictFileWrite.
	ActionFileWriteBlocked

	// ActionNetworkAccess records a permitted outbound connection.
	ActionNetworkAccess

	// ActionNetworkBlocked records a connection denied by RestrictNetwork.
	ActionNetworkBlocked

	// ActionEvalBlocked records a denied dynamic code-load (load, dofile).
	ActionEvalBlocked

	// ActionExecBlocked records a denied shell execution (os.execute).
	ActionExecBlocked

	// ActionSubprocessBlocked records a denied process spawn (io.popen).
	ActionSubprocessBlocked

	numActionKinds
)

// String returns the action kind name.
func (k ActionKind) String() string {
	switch k {
	case ActionImportAllowed:
		return "import_allowed"
	case ActionImportBlocked:
		return "import_blocked"
	case ActionFileAccess:
		return "file_access"
	case ActionFileReadBlocked:
		return "file_read_blocked"
	case ActionFileWriteBlocked:
		return "file_write_blocked"
	case ActionNetworkAccess:
		return "network_access"
	case ActionNetworkBlocked:
		return "network_blocked"
	case ActionEvalBlocked:
		return "eval_blocked"
	case ActionExecBlocked:
		return "exec_blocked"
	case ActionSubprocessBlocked:
		return "subprocess_blocked"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds serialize by name.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Blocked returns true if the kind records a denied operation.
func (k ActionKind) Blocked() bool {
	switch k {
	case ActionImportBlocked, ActionFileReadBlocked, ActionFileWriteBlocked,
		ActionNetworkBlocked, ActionEvalBlocked, ActionExecBlocked,
		ActionSubprocessBlocked:
		return true
	default:
		return false
	}
}

// Action is one enforcement decision recorded by a sandbox.
type Action struct {
	// ID uniquely identifies the log entry.
	ID string `json:"id"`

	// PluginID is the plugin the decision applies to.
	PluginID string `json:"plugin_id"`

	// Kind classifies the decision.
	Kind ActionKind `json:"kind"`

	// Details carries per-kind context (path, module, host, mode).
	Details map[string]string `json:"details,omitempty"`

	// Time is when the decision was recorded.
	Time time.Time `json:"time"`
}

// ActionLog is an append-only record of enforcement decisions. Entries are
// totally ordered by insertion within one sandbox.
type ActionLog struct {
	mu      sync.Mutex
	entries []Action
}

// NewActionLog creates an empty action log.
func NewActionLog() *ActionLog {
	return &ActionLog{}
}

// Append records a decision. It never fails.
func (l *ActionLog) Append(pluginID string, kind ActionKind, details map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Action{
		ID:       uuid.NewString(),
		PluginID: pluginID,
		Kind:     kind,
		Details:  details,
		Time:     time.Now(),
	})
}

// Snapshot returns a copy of the log entries in insertion order.
func (l *ActionLog) Snapshot() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Action(nil), l.entries...)
}

// Len returns the number of recorded entries.
func (l *ActionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Counts tallies entries per kind.
func (l *ActionLog) Counts() map[ActionKind]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[ActionKind]int)
	for _, a := range l.entries {
		counts[a.Kind]++
	}
	return counts
}
