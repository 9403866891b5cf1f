// Package sandbox enforces per-plugin security policies at runtime.
//
// A plugin runs inside its own Lua execution environment; the sandbox guards
// that environment by swapping its shared entry points for guards derived
// from the plugin's policy. The guarded entry points are the module-load
// primitive (require), the file-open primitives (io.open, io.lines), the
// outbound-connection primitives (net.dial, net.get), the dynamic
// code-execution primitives (load, loadstring, dofile, loadfile), and the
// process-spawn primitives (os.execute, io.popen).
//
// # Trust tiers
//
// Every plugin is classified into one of five security levels, each owning a
// fixed restriction set:
//
//	Untrusted   - everything restricted
//	LowTrust    - everything but the CPU budget
//	MediumTrust - writes, network, imports, exec, memory (the default)
//	HighTrust   - exec and memory only
//	FullTrust   - nothing restricted
//
// The sets are monotonically nested and the level table is immutable, so no
// caller can weaken a tier at runtime.
//
// # Activation
//
// Sandbox.Activate installs one hook per restriction, first capturing
// whatever value was installed at each entry point; Deactivate restores
// exactly those values. Both are idempotent, and Execute guarantees
// deactivation on every exit path, including a Lua panic. Nested Execute
// calls run under the outer activation, which owns deactivation.
//
// # Decisions and audit
//
// Every permitted or blocked operation is appended to the sandbox's action
// log. A blocked operation surfaces as *SecurityError naming the plugin,
// the restriction, and the attempted value; a failure of the guarded call
// itself surfaces as *ExecutionError wrapping the cause. The Manager
// aggregates logs into SecurityReports with a weighted risk score.
//
// # Typical use
//
//	mgr := sandbox.NewManager(sandbox.WithTrustedRoots("/usr/lib/luaguard"))
//	sb, err := mgr.Register(plug, manifest, plug.Dir())
//	if err != nil {
//	    return err
//	}
//	err = sb.Execute(ctx, func(L *lua.LState) error {
//	    return L.DoFile(entry)
//	})
//	report, _ := mgr.Report(plug.ID())
package sandbox
