package workflow

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plugrig/plugrig/internal/fault"
)

// YAML definition shapes. Durations are written as Go duration
// strings ("30s", "250ms") and parsed here, which yaml.v3 cannot do
// for time.Duration directly.

type retryYAML struct {
	Max     int     `yaml:"max"`
	Backoff float64 `yaml:"backoff"`
	Delay   string  `yaml:"delay"`
}

type stepYAML struct {
	ID         string         `yaml:"id"`
	PluginID   string         `yaml:"plugin_id"`
	Method     string         `yaml:"method"`
	Parameters map[string]any `yaml:"parameters"`
	DependsOn  []string       `yaml:"depends_on"`
	Timeout    string         `yaml:"timeout"`
	Retry      retryYAML      `yaml:"retry"`
	Optional   bool           `yaml:"optional"`
	Condition  string         `yaml:"condition"`
}

type workflowYAML struct {
	ID                string     `yaml:"id"`
	Name              string     `yaml:"name"`
	Mode              string     `yaml:"mode"`
	ContinueOnFailure bool       `yaml:"continue_on_failure"`
	Steps             []stepYAML `yaml:"steps"`
}

// ParseDefinition decodes a YAML workflow definition and validates
// the resulting workflow.
func ParseDefinition(data []byte) (*Workflow, error) {
	var raw workflowYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.InvalidFormat, err, "decoding workflow definition")
	}

	mode := Sequential
	if raw.Mode != "" {
		var err error
		if mode, err = ParseMode(raw.Mode); err != nil {
			return nil, err
		}
	}

	wf := &Workflow{
		ID:                raw.ID,
		Name:              raw.Name,
		Mode:              mode,
		ContinueOnFailure: raw.ContinueOnFailure,
		Steps:             make([]Step, 0, len(raw.Steps)),
	}
	for _, s := range raw.Steps {
		timeout, err := parseDuration(s.Timeout, "timeout of step "+s.ID)
		if err != nil {
			return nil, err
		}
		delay, err := parseDuration(s.Retry.Delay, "retry delay of step "+s.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, Step{
			ID:         s.ID,
			PluginID:   s.PluginID,
			Method:     s.Method,
			Parameters: s.Parameters,
			DependsOn:  s.DependsOn,
			Timeout:    timeout,
			Retry:      RetryPolicy{Max: s.Retry.Max, Backoff: s.Retry.Backoff, Delay: delay},
			Optional:   s.Optional,
			Condition:  s.Condition,
		})
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// LoadDefinition reads and parses a YAML workflow definition file.
func LoadDefinition(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.FileNotFound, err, "workflow definition %s", path)
		}
		return nil, fault.Wrap(fault.FileSystemError, err, "reading workflow definition %s", path)
	}
	return ParseDefinition(data)
}

func parseDuration(raw, what string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fault.Wrap(fault.InvalidFormat, err, "parsing %s", what)
	}
	return d, nil
}
