// Package compose groups plugins into composites. A composition
// names member plugins with roles, a dispatch strategy, and method
// bindings; the resulting composite exposes the ordinary plugin
// contract and fans commands out to its members per the strategy.
package compose
