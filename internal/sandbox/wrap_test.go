package sandbox

import (
	"context"
	"errors"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestSandboxedUnknownPlugin(t *testing.T) {
	m := NewManager()
	call := m.Sandboxed("ghost")
	err := call(context.Background(), func(L *lua.LState) error { return nil })
	if !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("call = %v, want ErrSandboxNotFound", err)
	}
}

func TestSandboxedRunsUnderBasePolicy(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := NewManager()
	m.SetPolicy("p1", testPolicy(NewRestrictionSet(RestrictExec)))
	m.CreateSandbox("p1", L)

	call := m.Sandboxed("p1")
	err := call(context.Background(), func(L *lua.LState) error {
		return L.DoString(`os.execute("ls")`)
	})

	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("call = %v, want *SecurityError", err)
	}
}

func TestSandboxedOverridesWin(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := NewManager()
	m.SetPolicy("p1", testPolicy(NewRestrictionSet(RestrictExec)))
	m.CreateSandbox("p1", L)

	// Lifting the level for one call removes the exec restriction.
	call := m.Sandboxed("p1", WithLevel(FullTrust))
	err := call(context.Background(), func(L *lua.LState) error {
		if L.GetGlobal("os").(*lua.LTable).RawGetString("execute") == lua.LNil {
			t.Error("os.execute missing from the environment")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	// The stored policy is untouched.
	if stored, _ := m.GetPolicy("p1"); stored.Restrictions != NewRestrictionSet(RestrictExec) {
		t.Error("per-call override leaked into the stored policy")
	}
}

func TestSandboxedCallImports(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LTrue)
		return 1
	}))

	m := NewManager()
	m.SetPolicy("p1", testPolicy(NewRestrictionSet(RestrictImport), WithAllowedImports("json")))
	m.CreateSandbox("p1", L)

	call := m.Sandboxed("p1", WithCallImports("socket"))
	err := call(context.Background(), func(L *lua.LState) error {
		return L.DoString(`require("socket")`)
	})
	if err != nil {
		t.Fatalf("override import should be allowed, got %v", err)
	}

	// The base list is replaced for the call, so the formerly allowed
	// module is now denied.
	err = call(context.Background(), func(L *lua.LState) error {
		return L.DoString(`require("json")`)
	})
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("call = %v, want *SecurityError", err)
	}
}

func TestSandboxedSharesActionLog(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := NewManager()
	m.SetPolicy("p1", testPolicy(NewRestrictionSet(RestrictExec)))
	registered := m.CreateSandbox("p1", L)

	call := m.Sandboxed("p1")
	_ = call(context.Background(), func(L *lua.LState) error {
		return L.DoString(`os.execute("ls")`)
	})

	// The one-shot sandbox is gone, but its decision must survive in the
	// registered sandbox's audit trail.
	if registered.log.Counts()[ActionExecBlocked] != 1 {
		t.Error("wrapped call's decision missing from the registered log")
	}

	r, err := m.Report("p1")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if r.RiskScore != 15 {
		t.Errorf("RiskScore = %d, want 15", r.RiskScore)
	}
}

func TestSandboxedLeavesRegisteredSandboxInactive(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := NewManager()
	m.SetPolicy("p1", testPolicy(NewRestrictionSet(RestrictExec)))
	registered := m.CreateSandbox("p1", L)

	prevLoad := L.GetGlobal("load")
	call := m.Sandboxed("p1")
	if err := call(context.Background(), func(L *lua.LState) error { return nil }); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	if registered.Active() {
		t.Error("wrapped call activated the registered sandbox")
	}
	if L.GetGlobal("load") != prevLoad {
		t.Error("entry points not restored after the wrapped call")
	}
}
