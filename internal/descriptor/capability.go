package descriptor

import "strings"

// Capability is a bitset of plugin capabilities.
// The set of bits is closed; unknown names fail descriptor validation.
type Capability uint32

// Capability bits.
const (
	CapUI Capability = 1 << iota
	CapService
	CapDataProcessing
	CapNetwork
	CapStorage
	CapScripting
	CapSecurity
	CapMonitoring
	CapHotReload
	CapConfiguration
	CapLogging
	CapThreading
)

var capabilityNames = []struct {
	bit  Capability
	name string
}{
	{CapUI, "UI"},
	{CapService, "Service"},
	{CapDataProcessing, "DataProcessing"},
	{CapNetwork, "Network"},
	{CapStorage, "Storage"},
	{CapScripting, "Scripting"},
	{CapSecurity, "Security"},
	{CapMonitoring, "Monitoring"},
	{CapHotReload, "HotReload"},
	{CapConfiguration, "Configuration"},
	{CapLogging, "Logging"},
	{CapThreading, "Threading"},
}

// Has reports whether every bit in c2 is set in c.
func (c Capability) Has(c2 Capability) bool {
	return c&c2 == c2
}

// With returns c with the given bits set.
func (c Capability) With(c2 Capability) Capability {
	return c | c2
}

// Without returns c with the given bits cleared.
func (c Capability) Without(c2 Capability) Capability {
	return c &^ c2
}

// Names returns the names of all set bits in declaration order.
func (c Capability) Names() []string {
	var names []string
	for _, entry := range capabilityNames {
		if c.Has(entry.bit) {
			names = append(names, entry.name)
		}
	}
	return names
}

// String returns a "|"-joined list of set capability names.
func (c Capability) String() string {
	names := c.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CapabilityByName resolves a capability name to its bit.
// The second return is false for unknown names.
func CapabilityByName(name string) (Capability, bool) {
	for _, entry := range capabilityNames {
		if entry.name == name {
			return entry.bit, true
		}
	}
	return 0, false
}

// ParseCapabilities folds a list of names into a bitset.
// Unknown names are reported back by name.
func ParseCapabilities(names []string) (Capability, []string) {
	var set Capability
	var unknown []string
	for _, name := range names {
		bit, ok := CapabilityByName(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		set = set.With(bit)
	}
	return set, unknown
}
