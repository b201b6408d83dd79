package workflow

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/plugrig/plugrig/internal/fault"
)

// Document is the shared JSON document a workflow execution reads and
// accumulates. Initial data lives under "data"; each step's output is
// recorded under "steps.<step id>" as the run progresses. Conditions
// and parameter lookups address it with gjson paths.
type Document []byte

// NewDocument builds the shared document for a fresh execution.
func NewDocument(initial map[string]any) (Document, error) {
	if initial == nil {
		initial = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{"data": initial, "steps": map[string]any{}})
	if err != nil {
		return nil, fault.Wrap(fault.InvalidParameters, err, "encoding initial data")
	}
	return Document(raw), nil
}

// WithStepOutput returns a document with the step's output recorded
// under steps.<id>.
func (d Document) WithStepOutput(stepID string, output any) (Document, error) {
	out, err := sjson.SetBytes(d, "steps."+stepID, output)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidParameters, err, "recording output of step %s", stepID)
	}
	return Document(out), nil
}

// WithData returns a document with one shared-data key updated.
func (d Document) WithData(key string, value any) (Document, error) {
	out, err := sjson.SetBytes(d, "data."+key, value)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidParameters, err, "setting data key %s", key)
	}
	return Document(out), nil
}

// Get resolves a gjson path against the document.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d, path)
}

// StepOutput returns the recorded output of a step, decoded to Go
// values, or nil if the step produced none.
func (d Document) StepOutput(stepID string) any {
	res := gjson.GetBytes(d, "steps."+stepID)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}
