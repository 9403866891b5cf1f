package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// GuardedFunc is a plugin call routed through a sandbox.
type GuardedFunc func(L *lua.LState) error

// CallOption adjusts the per-call policy derived by Sandboxed. Overrides win
// over the plugin's base policy.
type CallOption func(*callOverrides)

// WithLevel overrides the security level (and its derived restriction set)
// for the wrapped call.
func WithLevel(level SecurityLevel) CallOption {
	return func(o *callOverrides) {
		o.level = &level
	}
}

// WithCallImports overrides the import allow-list for the wrapped call.
func WithCallImports(imports ...string) CallOption {
	return func(o *callOverrides) {
		o.allowedImports = append([]string(nil), imports...)
	}
}

// WithCallPaths overrides the path allow-list for the wrapped call.
func WithCallPaths(paths ...string) CallOption {
	return func(o *callOverrides) {
		o.allowedPaths = append([]string(nil), paths...)
	}
}

// Sandboxed returns a wrapper that runs plugin calls under a one-shot
// sandbox. The per-call policy is the plugin's stored policy merged with the
// given overrides; decisions still land in the registered sandbox's action
// log so the audit trail stays complete.
func (m *Manager) Sandboxed(pluginID string, opts ...CallOption) func(ctx context.Context, fn GuardedFunc) error {
	var o callOverrides
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, fn GuardedFunc) error {
		m.mu.RLock()
		base, haveBase := m.policies[pluginID]
		registered, haveSB := m.sandboxes[pluginID]
		m.mu.RUnlock()

		if !haveSB {
			return fmt.Errorf("plugin %q: %w", pluginID, ErrSandboxNotFound)
		}
		if !haveBase {
			base = DefaultPolicy()
		}

		sb := NewSandbox(pluginID, base.merge(o), registered.env, WithLogger(m.logger))
		sb.log = registered.log
		return sb.Execute(ctx, fn)
	}
}
