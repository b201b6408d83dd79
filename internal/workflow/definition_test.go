package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plugrig/plugrig/internal/fault"
)

const sampleDefinition = `id: ingest
name: Ingest pipeline
mode: sequential
continue_on_failure: false
steps:
  - id: fetch
    plugin_id: source
    method: fetch
    parameters:
      url: https://example.com/feed
    timeout: 30s
    retry:
      max: 3
      backoff: 2
      delay: 250ms
  - id: transform
    plugin_id: mapper
    method: apply
    depends_on: [fetch]
    condition: "data.enabled == true"
  - id: store
    plugin_id: sink
    method: write
    depends_on: [transform]
    optional: true
`

func TestParseDefinition(t *testing.T) {
	wf, err := ParseDefinition([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}

	if wf.ID != "ingest" || wf.Name != "Ingest pipeline" || wf.Mode != Sequential {
		t.Errorf("header = %s %q %s", wf.ID, wf.Name, wf.Mode)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("len(Steps) = %d", len(wf.Steps))
	}

	fetch := wf.Steps[0]
	if fetch.Timeout != 30*time.Second {
		t.Errorf("fetch.Timeout = %v", fetch.Timeout)
	}
	if fetch.Retry.Max != 3 || fetch.Retry.Backoff != 2 || fetch.Retry.Delay != 250*time.Millisecond {
		t.Errorf("fetch.Retry = %+v", fetch.Retry)
	}
	if fetch.Parameters["url"] != "https://example.com/feed" {
		t.Errorf("fetch.Parameters = %v", fetch.Parameters)
	}

	transform := wf.Steps[1]
	if transform.Condition != "data.enabled == true" || transform.DependsOn[0] != "fetch" {
		t.Errorf("transform = %+v", transform)
	}
	if !wf.Steps[2].Optional {
		t.Error("store.Optional = false")
	}
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind fault.Kind
	}{
		{"not yaml", "steps: [}", fault.InvalidFormat},
		{"bad mode", "id: x\nmode: sideways\nsteps:\n  - {id: a, plugin_id: p, method: m}", fault.InvalidFormat},
		{"bad timeout", "id: x\nsteps:\n  - {id: a, plugin_id: p, method: m, timeout: soon}", fault.InvalidFormat},
		{"bad retry delay", "id: x\nsteps:\n  - {id: a, plugin_id: p, method: m, retry: {max: 1, delay: never}}", fault.InvalidFormat},
		{"invalid workflow", "id: x\nsteps:\n  - {id: a, plugin_id: p, method: m, depends_on: [ghost]}", fault.DependencyMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDefinition([]byte(tt.src)); !fault.IsKind(err, tt.kind) {
				t.Errorf("ParseDefinition() = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	if err := os.WriteFile(path, []byte(sampleDefinition), 0o644); err != nil {
		t.Fatalf("writing definition: %v", err)
	}

	wf, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition() error = %v", err)
	}
	if wf.ID != "ingest" {
		t.Errorf("ID = %s", wf.ID)
	}

	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml")); !fault.IsKind(err, fault.FileNotFound) {
		t.Errorf("LoadDefinition(missing) = %v, want FileNotFound", err)
	}
}
