package luabridge

import (
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Interpreter defaults.
const (
	// DefaultCallTimeout bounds a single call into the script.
	// Best effort: Lua code that never yields cannot be interrupted.
	DefaultCallTimeout = 5 * time.Second

	// DefaultCallStackSize is passed to the interpreter.
	DefaultCallStackSize = 120
)

// State wraps a gopher-lua interpreter for one plugin script.
//
// The underlying LState is not goroutine-safe. State methods take a
// mutex for Go-side callers, but sustained concurrent use should go
// through an Executor, which pins all interpreter work to one
// goroutine.
type State struct {
	L *lua.LState

	mu sync.Mutex

	callTimeout time.Duration
	sandbox     *Sandbox
	closed      bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithCallTimeout sets the per-call budget for script functions.
func WithCallTimeout(d time.Duration) StateOption {
	return func(s *State) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewState creates a sandboxed interpreter. Only the base, table,
// string, and math libraries are opened; io, os, debug, and package
// loading stay out unless the sandbox grants them.
func NewState(opts ...StateOption) *State {
	s := &State{
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: DefaultCallStackSize,
	})
	s.L = L

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	s.sandbox = NewSandbox(L)
	s.sandbox.Install()
	return s
}

// Sandbox returns the capability gate shared with this state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// CallTimeout returns the per-call budget.
func (s *State) CallTimeout() time.Duration {
	return s.callTimeout
}

// DoFile executes a Lua file synchronously.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.recovering(func() error { return s.L.DoFile(path) })
}

// DoString executes Lua source synchronously.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.recovering(func() error { return s.L.DoString(code) })
}

// Call invokes a global script function and returns its results.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("function %q not found", fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
	}

	top := s.L.GetTop()
	s.L.Push(fnVal)
	for _, arg := range args {
		s.L.Push(arg)
	}

	if err := s.recovering(func() error { return s.L.PCall(len(args), lua.MultRet, nil) }); err != nil {
		return nil, err
	}

	n := s.L.GetTop() - top
	if n <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.Pop(n)
	return results, nil
}

// GetGlobal returns a script global, LNil if the state is closed.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a script global.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterModule exposes a table of Go functions as a script global.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// IsClosed reports whether Close ran.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the interpreter. Safe to call twice.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}

func (s *State) recovering(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
