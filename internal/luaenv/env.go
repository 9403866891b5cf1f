// Package luaenv provides the Lua execution environment that plugins run in.
//
// Unlike a hardened interpreter, the environment opens the full io and os
// libraries and installs a Go-backed net module: restriction is the
// sandbox's job, applied per call by swapping these entry points. The
// environment only has to make them exist.
package luaenv

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Default environment settings.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes caps net.get response bodies.
	maxResponseBytes = 4 * 1024 * 1024
)

// Env wraps a gopher-lua state with the host modules installed.
//
// gopher-lua's LState is not goroutine-safe; the mutex serializes access
// from Go code. Lua execution itself is single-threaded and synchronous.
type Env struct {
	L *lua.LState

	mu     sync.Mutex
	closed bool

	dialTimeout time.Duration
	httpClient  *http.Client
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithDialTimeout sets the timeout for net.dial.
func WithDialTimeout(d time.Duration) EnvOption {
	return func(e *Env) {
		e.dialTimeout = d
	}
}

// WithHTTPClient sets the client backing net.get.
func WithHTTPClient(c *http.Client) EnvOption {
	return func(e *Env) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// NewEnv creates a plugin execution environment with the standard libraries
// and the host net module installed.
func NewEnv(opts ...EnvOption) *Env {
	e := &Env{
		dialTimeout: DefaultDialTimeout,
		httpClient:  &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenIo(L)
	lua.OpenOs(L)

	e.L = L
	e.installNetModule()
	return e
}

// installNetModule registers the outbound-connection primitives. net.dial is
// the address-based entry point, net.get the URL-based one.
func (e *Env) installNetModule() {
	mod := e.L.SetFuncs(e.L.NewTable(), map[string]lua.LGFunction{
		"dial": e.luaDial,
		"get":  e.luaGet,
	})
	e.L.SetGlobal("net", mod)
}

// luaDial opens a TCP connection and returns true on success.
// Usage: ok, err = net.dial(host, port)
func (e *Env) luaDial(L *lua.LState) int {
	host := L.CheckString(1)
	port := L.CheckInt(2)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), e.dialTimeout)
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	conn.Close()
	L.Push(lua.LTrue)
	return 1
}

// luaGet fetches a URL and returns the body.
// Usage: body, err = net.get(url)
func (e *Env) luaGet(L *lua.LState) int {
	rawURL := L.CheckString(1)

	resp, err := e.httpClient.Get(rawURL)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(body))
	return 1
}

// State returns the underlying Lua state for the sandbox to guard.
func (e *Env) State() *lua.LState {
	return e.L
}

// DoFile executes a Lua file with panic recovery.
func (e *Env) DoFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEnvClosed
	}
	return e.doWithRecovery(func() error {
		return e.L.DoFile(path)
	})
}

// DoString executes Lua code with panic recovery.
func (e *Env) DoString(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEnvClosed
	}
	return e.doWithRecovery(func() error {
		return e.L.DoString(code)
	})
}

// Call calls a global Lua function with the given arguments.
func (e *Env) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEnvClosed
	}

	fnVal := e.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
	}

	stackTop := e.L.GetTop()
	e.L.Push(fnVal)
	for _, arg := range args {
		e.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = e.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return nil, callErr
	}

	nRet := e.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = e.L.Get(stackTop + i + 1)
	}
	e.L.Pop(nRet)
	return results, nil
}

// doWithRecovery executes fn converting Lua panics into errors.
func (e *Env) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// IsClosed returns true if the environment has been closed.
func (e *Env) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close releases the Lua state. Further operations return ErrEnvClosed.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.L.Close()
	e.closed = true
	return nil
}
