package sandbox

import (
	"net/url"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// savedHook remembers the value a guard replaced so deactivation can restore
// exactly the prior state, including a previously installed guard.
type savedHook struct {
	tbl  *lua.LTable // nil for globals
	name string
	prev lua.LValue
}

// Entry points guarded for RestrictExec. The code loaders are the dynamic
// code-execution primitives of the environment.
var evalEntryPoints = []string{"load", "loadstring", "dofile", "loadfile"}

// installHooks swaps the environment entry points required by the policy's
// restriction set for guards. Every replaced value is captured first.
// Caller holds s.mu.
func (s *Sandbox) installHooks(p *Policy) {
	if p.Restrictions.Has(RestrictImport) {
		s.swapGlobal("require", s.guardRequire(p, s.env.GetGlobal("require")))
	}

	if p.Restrictions.Has(RestrictFileRead) || p.Restrictions.Has(RestrictFileWrite) {
		if io, ok := s.env.GetGlobal("io").(*lua.LTable); ok {
			s.swapField(io, "open", s.guardOpen(p, io.RawGetString("open")))
			s.swapField(io, "lines", s.guardLines(p, io.RawGetString("lines")))
		}
	}

	if p.Restrictions.Has(RestrictNetwork) {
		if netMod, ok := s.env.GetGlobal("net").(*lua.LTable); ok {
			s.swapField(netMod, "dial", s.guardDial(p, netMod.RawGetString("dial")))
			s.swapField(netMod, "get", s.guardGet(p, netMod.RawGetString("get")))
		}
	}

	if p.Restrictions.Has(RestrictExec) {
		for _, name := range evalEntryPoints {
			s.swapGlobal(name, s.guardEval(name))
		}
		if osMod, ok := s.env.GetGlobal("os").(*lua.LTable); ok {
			s.swapField(osMod, "execute", s.guardSpawn(ActionExecBlocked))
		}
		if io, ok := s.env.GetGlobal("io").(*lua.LTable); ok {
			s.swapField(io, "popen", s.guardSpawn(ActionSubprocessBlocked))
		}
	}
}

// restoreHooks puts back every saved entry point in reverse installation
// order. Caller holds s.mu.
func (s *Sandbox) restoreHooks() {
	for i := len(s.saved) - 1; i >= 0; i-- {
		h := s.saved[i]
		if h.tbl != nil {
			h.tbl.RawSetString(h.name, h.prev)
		} else {
			s.env.SetGlobal(h.name, h.prev)
		}
	}
	s.saved = nil
}

func (s *Sandbox) swapGlobal(name string, guard *lua.LFunction) {
	s.saved = append(s.saved, savedHook{name: name, prev: s.env.GetGlobal(name)})
	s.env.SetGlobal(name, guard)
}

func (s *Sandbox) swapField(tbl *lua.LTable, name string, guard *lua.LFunction) {
	s.saved = append(s.saved, savedHook{tbl: tbl, name: name, prev: tbl.RawGetString(name)})
	tbl.RawSetString(name, guard)
}

// deny records the violation and unwinds the Lua call. RaiseError panics
// through the enclosing PCall, so code after it is unreachable.
func (s *Sandbox) deny(L *lua.LState, kind ActionKind, r Restriction, attempted string, details map[string]string) {
	v := s.recordViolation(kind, r, attempted, details)
	L.RaiseError("%s", v.Error())
}

// delegate forwards the guard's arguments to the captured prior entry point
// and returns all of its results.
func delegate(L *lua.LState, prev lua.LValue) int {
	n := L.GetTop()
	L.Push(prev)
	for i := 1; i <= n; i++ {
		L.Push(L.Get(i))
	}
	L.Call(n, lua.MultRet)
	return L.GetTop() - n
}

// guardRequire checks the module-load primitive against the import
// allow-list.
func (s *Sandbox) guardRequire(p *Policy, prev lua.LValue) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		module := L.CheckString(1)
		details := map[string]string{"module": module}
		if !importAllowed(p, module) {
			s.deny(L, ActionImportBlocked, RestrictImport, module, details)
			return 0
		}
		s.log.Append(s.pluginID, ActionImportAllowed, details)
		return delegate(L, prev)
	})
}

// isWriteMode classifies a file-open mode string.
func isWriteMode(mode string) bool {
	return strings.ContainsAny(mode, "wa+")
}

// guardOpen checks the file-open primitive against the matching file
// restriction and the path allow-list.
func (s *Sandbox) guardOpen(p *Policy, prev lua.LValue) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		mode := L.OptString(2, "r")
		details := map[string]string{"path": path, "mode": mode}

		if isWriteMode(mode) {
			if p.Restrictions.Has(RestrictFileWrite) && !pathAllowed(p, path) {
				s.deny(L, ActionFileWriteBlocked, RestrictFileWrite, path, details)
				return 0
			}
		} else if p.Restrictions.Has(RestrictFileRead) && !pathAllowed(p, path) {
			s.deny(L, ActionFileReadBlocked, RestrictFileRead, path, details)
			return 0
		}

		s.log.Append(s.pluginID, ActionFileAccess, details)
		return delegate(L, prev)
	})
}

// guardLines checks io.lines, which is always a read.
func (s *Sandbox) guardLines(p *Policy, prev lua.LValue) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		details := map[string]string{"path": path, "mode": "r"}
		if p.Restrictions.Has(RestrictFileRead) && !pathAllowed(p, path) {
			s.deny(L, ActionFileReadBlocked, RestrictFileRead, path, details)
			return 0
		}
		s.log.Append(s.pluginID, ActionFileAccess, details)
		return delegate(L, prev)
	})
}

// guardDial checks the address-based connection primitive.
func (s *Sandbox) guardDial(p *Policy, prev lua.LValue) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		host := L.CheckString(1)
		details := map[string]string{"host": host}
		if !hostAllowed(p, host) {
			s.deny(L, ActionNetworkBlocked, RestrictNetwork, host, details)
			return 0
		}
		s.log.Append(s.pluginID, ActionNetworkAccess, details)
		return delegate(L, prev)
	})
}

// guardGet checks the URL-based connection primitive. An unparseable URL
// fails closed.
func (s *Sandbox) guardGet(p *Policy, prev lua.LValue) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		details := map[string]string{"url": rawURL}

		host := ""
		if u, err := url.Parse(rawURL); err == nil {
			host = u.Hostname()
		}
		if host == "" || !hostAllowed(p, host) {
			s.deny(L, ActionNetworkBlocked, RestrictNetwork, rawURL, details)
			return 0
		}
		details["host"] = host
		s.log.Append(s.pluginID, ActionNetworkAccess, details)
		return delegate(L, prev)
	})
}

// guardEval blocks a dynamic code-execution primitive unconditionally.
// RestrictExec is binary: there is no allow-list.
func (s *Sandbox) guardEval(name string) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		attempted := name
		if L.GetTop() >= 1 {
			if chunk, ok := L.Get(1).(lua.LString); ok {
				attempted = string(chunk)
			}
		}
		s.deny(L, ActionEvalBlocked, RestrictExec, attempted,
			map[string]string{"function": name, "chunk": attempted})
		return 0
	})
}

// guardSpawn blocks a process-spawn primitive unconditionally.
func (s *Sandbox) guardSpawn(kind ActionKind) *lua.LFunction {
	return s.env.NewFunction(func(L *lua.LState) int {
		command := L.OptString(1, "")
		s.deny(L, kind, RestrictExec, command,
			map[string]string{"command": command})
		return 0
	})
}
