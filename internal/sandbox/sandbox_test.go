package sandbox

import (
	"context"
	"errors"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

// testPolicy builds a policy literal with an explicit restriction set so
// tests control exactly which hooks install. Level-derived sets include the
// memory ceiling, which would lower the test process's own address-space
// limit.
func testPolicy(restrictions RestrictionSet, opts ...PolicyOption) *Policy {
	p := &Policy{
		Level:           Untrusted,
		Restrictions:    restrictions,
		MemoryLimitMB:   DefaultMemoryLimitMB,
		CPULimitPercent: DefaultCPULimitPercent,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func TestIsPathAllowed(t *testing.T) {
	pol := testPolicy(
		NewRestrictionSet(RestrictFileRead, RestrictFileWrite),
		WithAllowedPaths("/allowed/root"),
	)
	s := NewSandbox("p1", pol, nil)

	tests := []struct {
		path     string
		expected bool
	}{
		{"/allowed/root", true},
		{"/allowed/root/file.txt", true},
		{"/allowed/root/sub/file.txt", true},
		{"/allowed/root/sub/../file.txt", true},
		{"/allowed/root_sibling/file.txt", false},
		{"/allowed/rootfile.txt", false},
		{"/allowed/root/../../etc/passwd", false},
		{"/allowed", false},
		{"/etc/passwd", false},
	}

	for _, tt := range tests {
		if got := s.IsPathAllowed(tt.path); got != tt.expected {
			t.Errorf("IsPathAllowed(%q) = %v, want %v", tt.path, got, tt.expected)
		}
	}
}

func TestIsPathAllowedNoFileRestrictions(t *testing.T) {
	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictNetwork)), nil)
	if !s.IsPathAllowed("/anywhere/at/all") {
		t.Error("path checks should pass when no file restriction is active")
	}
}

func TestIsImportAllowed(t *testing.T) {
	pol := testPolicy(
		NewRestrictionSet(RestrictImport),
		WithAllowedImports("os", "json"),
	)
	s := NewSandbox("p1", pol, nil)

	tests := []struct {
		module   string
		expected bool
	}{
		{"os", true},
		{"os.path", true},
		{"os.path.sep", true},
		{"osmium", false},
		{"json", true},
		{"jsonx", false},
		{"socket", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := s.IsImportAllowed(tt.module); got != tt.expected {
			t.Errorf("IsImportAllowed(%q) = %v, want %v", tt.module, got, tt.expected)
		}
	}
}

func TestIsHostAllowed(t *testing.T) {
	pol := testPolicy(
		NewRestrictionSet(RestrictNetwork),
		WithAllowedHosts("example.com"),
	)
	s := NewSandbox("p1", pol, nil)

	tests := []struct {
		host     string
		expected bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"EXAMPLE.COM", true},
		{"badexample.com", false},
		{"example.com.evil.net", false},
		{"example.org", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := s.IsHostAllowed(tt.host); got != tt.expected {
			t.Errorf("IsHostAllowed(%q) = %v, want %v", tt.host, got, tt.expected)
		}
	}
}

func TestActivateIdempotent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec, RestrictImport)), L)
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	installed := len(s.saved)
	if installed == 0 {
		t.Fatal("Activate installed no hooks")
	}

	if err := s.Activate(); err != nil {
		t.Fatalf("second Activate failed: %v", err)
	}
	if len(s.saved) != installed {
		t.Errorf("second Activate grew saved hooks from %d to %d", installed, len(s.saved))
	}

	s.Deactivate()
	if s.Active() {
		t.Error("sandbox still active after Deactivate")
	}
	s.Deactivate() // second call is a no-op
}

func TestActivateNoEnvironment(t *testing.T) {
	s := NewSandbox("p1", DefaultPolicy(), nil)
	if err := s.Activate(); !errors.Is(err, ErrNoEnvironment) {
		t.Errorf("Activate = %v, want ErrNoEnvironment", err)
	}
}

func TestDeactivateRestoresEntryPoints(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	ioTbl := L.GetGlobal("io").(*lua.LTable)
	osTbl := L.GetGlobal("os").(*lua.LTable)
	before := map[string]lua.LValue{
		"require":    L.GetGlobal("require"),
		"load":       L.GetGlobal("load"),
		"loadstring": L.GetGlobal("loadstring"),
		"dofile":     L.GetGlobal("dofile"),
		"loadfile":   L.GetGlobal("loadfile"),
		"io.open":    ioTbl.RawGetString("open"),
		"io.lines":   ioTbl.RawGetString("lines"),
		"io.popen":   ioTbl.RawGetString("popen"),
		"os.execute": osTbl.RawGetString("execute"),
	}

	pol := testPolicy(NewRestrictionSet(
		RestrictFileRead, RestrictFileWrite, RestrictExec, RestrictImport,
	))
	s := NewSandbox("p1", pol, L)
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	after := map[string]lua.LValue{
		"require":    L.GetGlobal("require"),
		"load":       L.GetGlobal("load"),
		"io.open":    ioTbl.RawGetString("open"),
		"os.execute": osTbl.RawGetString("execute"),
	}
	for name, v := range after {
		if v == before[name] {
			t.Errorf("%s not replaced while active", name)
		}
	}

	s.Deactivate()

	restored := map[string]lua.LValue{
		"require":    L.GetGlobal("require"),
		"load":       L.GetGlobal("load"),
		"loadstring": L.GetGlobal("loadstring"),
		"dofile":     L.GetGlobal("dofile"),
		"loadfile":   L.GetGlobal("loadfile"),
		"io.open":    ioTbl.RawGetString("open"),
		"io.lines":   ioTbl.RawGetString("lines"),
		"io.popen":   ioTbl.RawGetString("popen"),
		"os.execute": osTbl.RawGetString("execute"),
	}
	for name, v := range restored {
		if v != before[name] {
			t.Errorf("%s not restored to its prior value", name)
		}
	}
}

func TestDeactivateRestoresPriorGuard(t *testing.T) {
	// A second sandbox stacked on the same environment must restore the
	// first sandbox's guards, not the pristine entry points.
	L := lua.NewState()
	defer L.Close()

	pol := testPolicy(NewRestrictionSet(RestrictExec))
	outer := NewSandbox("outer", pol, L)
	if err := outer.Activate(); err != nil {
		t.Fatalf("outer Activate failed: %v", err)
	}
	outerLoad := L.GetGlobal("load")

	inner := NewSandbox("inner", pol, L)
	if err := inner.Activate(); err != nil {
		t.Fatalf("inner Activate failed: %v", err)
	}
	if L.GetGlobal("load") == outerLoad {
		t.Fatal("inner sandbox did not install its own guard")
	}

	inner.Deactivate()
	if L.GetGlobal("load") != outerLoad {
		t.Error("inner Deactivate did not restore the outer guard")
	}
	outer.Deactivate()
}

func TestExecuteSuccess(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`answer = 21 * 2`)
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if s.Active() {
		t.Error("sandbox still active after Execute")
	}
	if n, ok := L.GetGlobal("answer").(lua.LNumber); !ok || n != 42 {
		t.Errorf("answer = %v, want 42", L.GetGlobal("answer"))
	}
}

func TestExecuteViolation(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`os.execute("rm -rf /")`)
	})

	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("Execute = %v, want *SecurityError", err)
	}
	if secErr.PluginID != "p1" {
		t.Errorf("PluginID = %q", secErr.PluginID)
	}
	if secErr.Restriction != RestrictExec {
		t.Errorf("Restriction = %v, want RestrictExec", secErr.Restriction)
	}
	if secErr.Attempted != "rm -rf /" {
		t.Errorf("Attempted = %q", secErr.Attempted)
	}
	if s.Active() {
		t.Error("sandbox still active after violation")
	}

	counts := s.log.Counts()
	if counts[ActionExecBlocked] != 1 {
		t.Errorf("exec_blocked count = %d, want 1", counts[ActionExecBlocked])
	}
}

func TestExecuteWrapsFailure(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	boom := errors.New("boom")
	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(context.Background(), func(L *lua.LState) error {
		return boom
	})

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute = %v, want *ExecutionError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("cause not preserved through Unwrap")
	}
	if execErr.PluginID != "p1" {
		t.Errorf("PluginID = %q", execErr.PluginID)
	}
	if s.Active() {
		t.Error("sandbox still active after failed call")
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	prevLoad := L.GetGlobal("load")
	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(context.Background(), func(L *lua.LState) error {
		panic("unexpected")
	})

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute = %v, want *ExecutionError", err)
	}
	if s.Active() {
		t.Error("sandbox still active after panic")
	}
	if L.GetGlobal("load") != prevLoad {
		t.Error("entry points not restored after panic")
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(ctx, func(L *lua.LState) error {
		t.Error("fn ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute = %v, want context.Canceled", err)
	}
}

func TestExecuteNested(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := NewSandbox("p1", testPolicy(NewRestrictionSet(RestrictExec)), L)
	err := s.Execute(context.Background(), func(L *lua.LState) error {
		inner := s.Execute(context.Background(), func(L *lua.LState) error {
			return L.DoString(`nested = true`)
		})
		if inner != nil {
			return inner
		}
		// The outer activation owns the hooks; the nested exit must not
		// deactivate.
		if !s.Active() {
			t.Error("nested Execute deactivated the sandbox")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if s.Active() {
		t.Error("sandbox still active after outer Execute")
	}
}

func TestLogAction(t *testing.T) {
	s := NewSandbox("p1", DefaultPolicy(), nil)
	s.LogAction(ActionFileAccess, map[string]string{"path": "/tmp/x"})

	actions := s.Actions()
	if len(actions) != 1 {
		t.Fatalf("Actions() returned %d entries, want 1", len(actions))
	}
	if actions[0].PluginID != "p1" || actions[0].Kind != ActionFileAccess {
		t.Errorf("unexpected action %+v", actions[0])
	}
}
