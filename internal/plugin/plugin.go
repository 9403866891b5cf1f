// Package plugin holds the loader-side plugin representation handed to the
// sandbox subsystem: a stable identifier, the install directory, and the
// execution environment the sandbox guards. Discovery and directory
// scanning live with the host application, not here.
package plugin

import (
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luaguard/internal/luaenv"
	"github.com/dshills/luaguard/internal/sandbox"
)

// Plugin is one loaded extension unit.
type Plugin struct {
	mu sync.RWMutex

	id     string
	dir    string
	env    *luaenv.Env
	policy *sandbox.Policy
}

// New creates a plugin bound to its install directory and environment.
func New(id, dir string, env *luaenv.Env) *Plugin {
	return &Plugin{
		id:  id,
		dir: dir,
		env: env,
	}
}

// ID returns the stable plugin identifier.
func (p *Plugin) ID() string {
	return p.id
}

// Dir returns the plugin's install directory.
func (p *Plugin) Dir() string {
	return p.dir
}

// Env returns the Lua state the sandbox guards.
func (p *Plugin) Env() *lua.LState {
	return p.env.State()
}

// Environment returns the wrapped execution environment.
func (p *Plugin) Environment() *luaenv.Env {
	return p.env
}

// AttachPolicy hands the plugin its sandbox policy.
func (p *Plugin) AttachPolicy(policy *sandbox.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// Policy returns the attached policy, or nil before registration.
func (p *Plugin) Policy() *sandbox.Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Close releases the plugin's execution environment.
func (p *Plugin) Close() error {
	return p.env.Close()
}
