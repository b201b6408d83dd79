// Package descriptor defines plugin metadata: the semver triple, the
// capability bitset, declared priority, thread model, and the
// descriptor document itself. Descriptors arrive as JSON (an adjacent
// <artifact>.json file for native artifacts, a header comment block
// for scripts) and are validated before the plugin manager accepts
// them.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/plugrig/plugrig/internal/fault"
)

// Priority is a plugin's declared scheduling priority. Higher values
// initialize earlier among plugins with no dependency ordering.
type Priority int

// Priorities.
const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

var priorityNames = map[Priority]string{
	PriorityLowest:  "lowest",
	PriorityLow:     "low",
	PriorityNormal:  "normal",
	PriorityHigh:    "high",
	PriorityHighest: "highest",
}

// String returns a human-readable priority name.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePriority resolves a priority name; unknown names map to
// PriorityNormal with ok=false.
func ParsePriority(name string) (Priority, bool) {
	for p, n := range priorityNames {
		if n == name {
			return p, true
		}
	}
	return PriorityNormal, false
}

// ThreadModel tags how a plugin expects to be called.
type ThreadModel string

// Thread models.
const (
	SingleThreaded ThreadModel = "single-threaded"
	MultiThreaded  ThreadModel = "multi-threaded"
	ThreadPool     ThreadModel = "thread-pool"
)

var validThreadModels = map[ThreadModel]bool{
	SingleThreaded: true,
	MultiThreaded:  true,
	ThreadPool:     true,
}

// Descriptor describes a plugin's identity and requirements.
type Descriptor struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Version     Version `json:"version"`
	Author      string  `json:"author,omitempty"`
	Description string  `json:"description,omitempty"`
	License     string  `json:"license,omitempty"`

	Capabilities Capability  `json:"-"`
	Priority     Priority    `json:"-"`
	ThreadSafe   bool        `json:"threadSafe"`
	ThreadModel  ThreadModel `json:"threadModel,omitempty"`

	// Requires are plugin ids that must be loaded and running before
	// this plugin initializes. Optional dependencies are used when
	// present but never block initialization.
	Requires []string `json:"requires,omitempty"`
	Optional []string `json:"optional,omitempty"`

	// Custom is free-form JSON carried for the plugin's own use.
	Custom json.RawMessage `json:"custom,omitempty"`
}

// descriptorJSON is the wire form: capabilities and priority travel
// as names, not raw ints.
type descriptorJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Author       string          `json:"author,omitempty"`
	Description  string          `json:"description,omitempty"`
	License      string          `json:"license,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	ThreadSafe   bool            `json:"threadSafe"`
	ThreadModel  string          `json:"threadModel,omitempty"`
	Requires     []string        `json:"requires,omitempty"`
	Optional     []string        `json:"optional,omitempty"`
	Custom       json.RawMessage `json:"custom,omitempty"`
}

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// MarshalJSON implements json.Marshaler using the wire form.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptorJSON{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version.String(),
		Author:       d.Author,
		Description:  d.Description,
		License:      d.License,
		Capabilities: d.Capabilities.Names(),
		Priority:     d.Priority.String(),
		ThreadSafe:   d.ThreadSafe,
		ThreadModel:  string(d.ThreadModel),
		Requires:     d.Requires,
		Optional:     d.Optional,
		Custom:       d.Custom,
	})
}

// UnmarshalJSON implements json.Unmarshaler using the wire form.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var w descriptorJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fault.Wrap(fault.InvalidFormat, err, "parsing descriptor")
	}

	version := Version{}
	if w.Version != "" {
		v, err := ParseVersion(w.Version)
		if err != nil {
			return err
		}
		version = v
	}

	caps, unknown := ParseCapabilities(w.Capabilities)
	if len(unknown) > 0 {
		return fault.New(fault.InvalidFormat, "unknown capabilities: %v", unknown)
	}

	priority := PriorityNormal
	if w.Priority != "" {
		p, ok := ParsePriority(w.Priority)
		if !ok {
			return fault.New(fault.InvalidFormat, "unknown priority %q", w.Priority)
		}
		priority = p
	}

	*d = Descriptor{
		ID:           w.ID,
		Name:         w.Name,
		Version:      version,
		Author:       w.Author,
		Description:  w.Description,
		License:      w.License,
		Capabilities: caps,
		Priority:     priority,
		ThreadSafe:   w.ThreadSafe,
		ThreadModel:  ThreadModel(w.ThreadModel),
		Requires:     w.Requires,
		Optional:     w.Optional,
		Custom:       w.Custom,
	}
	return nil
}

// Validate checks the descriptor against the closed sets.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fault.New(fault.InvalidFormat, "descriptor: id is required")
	}
	if !idPattern.MatchString(d.ID) {
		return fault.New(fault.InvalidFormat, "descriptor: invalid id %q", d.ID)
	}
	if d.Name == "" {
		return fault.New(fault.InvalidFormat, "descriptor %s: name is required", d.ID)
	}
	if d.ThreadModel != "" && !validThreadModels[d.ThreadModel] {
		return fault.New(fault.InvalidFormat, "descriptor %s: invalid thread model %q", d.ID, d.ThreadModel)
	}
	if len(d.Custom) > 0 && !gjson.ValidBytes(d.Custom) {
		return fault.New(fault.InvalidFormat, "descriptor %s: custom data is not valid JSON", d.ID)
	}
	for _, dep := range d.Requires {
		if dep == d.ID {
			return fault.New(fault.CircularDependency, "descriptor %s: depends on itself", d.ID)
		}
	}
	return nil
}

// CustomField queries the descriptor's custom JSON with a gjson path.
func (d *Descriptor) CustomField(path string) gjson.Result {
	return gjson.GetBytes(d.Custom, path)
}

// RequiresPlugin reports whether id is a required dependency.
func (d *Descriptor) RequiresPlugin(id string) bool {
	for _, dep := range d.Requires {
		if dep == id {
			return true
		}
	}
	return false
}

// String returns "name vX.Y.Z (id)".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s v%s (%s)", d.Name, d.Version, d.ID)
}

// Load reads and validates a descriptor JSON file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.FileNotFound, err, "descriptor %s", path)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "reading descriptor %s", path)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fault.Wrap(fault.InvalidFormat, err, "descriptor %s", path)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// AdjacentPath returns the conventional descriptor path for an
// artifact: the artifact stem with a .json extension.
func AdjacentPath(artifactPath string) string {
	ext := filepath.Ext(artifactPath)
	return artifactPath[:len(artifactPath)-len(ext)] + ".json"
}
