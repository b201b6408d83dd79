// Package luabridge loads Lua scripts as plugins. A script declares
// its identity in a metadata header comment block and registers its
// behavior in a global plugin table; the bridge wraps that table in
// the Plugin and Dynamic contracts, sandboxes the interpreter, and
// serializes all interpreter access through a single goroutine.
package luabridge
