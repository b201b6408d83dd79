// Package plugin implements the plugin host: the Plugin contract, the
// lifecycle state machine, instances with per-plugin metrics, the
// loader registry with extension-based resolution, and the Manager
// that loads, initializes, and shuts down plugins along the dependency
// graph, announces lifecycle changes on the message bus, and hot
// reloads changed artifacts.
package plugin
