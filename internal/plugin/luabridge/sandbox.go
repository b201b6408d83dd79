package luabridge

import (
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/plugrig/plugrig/internal/descriptor"
	"github.com/plugrig/plugrig/internal/fault"
)

// Sandbox restricts what a plugin script may reach. Dangerous globals
// are removed at install time; the io, os, and debug modules are gated
// on descriptor capabilities and injected only when granted.
type Sandbox struct {
	L *lua.LState

	mu      sync.Mutex
	granted descriptor.Capability
}

// NewSandbox creates an empty sandbox for the interpreter.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{L: L}
}

// Install removes the escape hatches and replaces require with the
// whitelist version. Call once, right after library setup.
func (s *Sandbox) Install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// safeModules are always loadable through require.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// installSafeRequire clears the module search path and swaps require
// for a whitelist version. Preloaded host modules keep working.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	original := s.L.GetGlobal("require")
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		allowed := safeModules[name] || name == "host" ||
			(len(name) > 5 && name[:5] == "host.")
		if !allowed {
			switch name {
			case "io":
				allowed = s.Has(descriptor.CapStorage)
			case "os":
				allowed = s.Has(descriptor.CapSecurity)
			case "debug":
				allowed = s.Has(descriptor.CapSecurity)
			}
		}
		if !allowed {
			L.RaiseError("module %q is not available to this plugin", name)
			return 0
		}

		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}

// Grant enables a capability and injects the matching host APIs.
func (s *Sandbox) Grant(cap descriptor.Capability) {
	s.mu.Lock()
	s.granted = s.granted.With(cap)
	s.mu.Unlock()

	if cap.Has(descriptor.CapStorage) {
		s.injectStorageAPI()
	}
	if cap.Has(descriptor.CapSecurity) {
		s.injectSystemAPI()
	}
}

// Has reports whether all bits of cap are granted.
func (s *Sandbox) Has(cap descriptor.Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted.Has(cap)
}

// Granted returns the capability set.
func (s *Sandbox) Granted() descriptor.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

// Check returns PermissionDenied when cap is not granted.
func (s *Sandbox) Check(cap descriptor.Capability) error {
	if !s.Has(cap) {
		return fault.New(fault.PermissionDenied, "capability %s not granted", cap)
	}
	return nil
}

// injectStorageAPI exposes a read/write file API as the io global.
func (s *Sandbox) injectStorageAPI() {
	ioMod := s.L.NewTable()

	s.L.SetField(ioMod, "read_file", s.L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		data, err := os.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	s.L.SetField(ioMod, "write_file", s.L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		data := L.CheckString(2)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// injectSystemAPI exposes a narrow os table. Process spawning stays
// out even with the capability; scripts get environment reads only.
func (s *Sandbox) injectSystemAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		value := os.Getenv(L.CheckString(1))
		if value == "" {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LString(value))
		}
		return 1
	}))

	s.L.SetField(osMod, "execute", s.L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("os.execute is not available to plugins")
		return 0
	}))

	s.L.SetGlobal("os", osMod)
}
