// Package catalog holds the workflow-definition collaborator boundary:
// definition and step types, a concurrent registry, and deterministic
// content hashing used to pin a run to the exact workflow it started with.
//
// The execution core never interprets step content — a step is an opaque
// label plus whatever metadata the authoring layer attached. Authoring,
// schema validation, and discovery live outside this module.
package catalog

import (
	"encoding/json"
	"fmt"
)

// Step is one unit of a workflow definition. ID is the opaque step label
// the core threads through tokens and events; Meta is carried verbatim
// and never inspected.
type Step struct {
	ID   string          `json:"id"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Definition is an ordered multi-step workflow. Steps execute in slice
// order; the first step is pending as soon as a session starts.
type Definition struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps"`
}

// Validate checks structural soundness: a non-empty ID, at least one
// step, and unique non-empty step IDs.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("catalog: definition has empty ID")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("catalog: definition %q has no steps", d.ID)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("catalog: definition %q step %d has empty ID", d.ID, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("catalog: definition %q has duplicate step %q", d.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	return nil
}

// RootStep returns the ID of the first step.
func (d *Definition) RootStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].ID
}

// StepAfter returns the ID of the step following stepID, or "" when
// stepID is the last step. Returns an error if stepID is not part of
// the definition.
func (d *Definition) StepAfter(stepID string) (string, error) {
	for i, s := range d.Steps {
		if s.ID != stepID {
			continue
		}
		if i+1 < len(d.Steps) {
			return d.Steps[i+1].ID, nil
		}
		return "", nil
	}
	return "", fmt.Errorf("catalog: definition %q has no step %q", d.ID, stepID)
}

// Encode serializes the definition for pinning. The encoding is the
// same canonical form the content hash is computed over, so a pinned
// snapshot always re-hashes to its recorded ref.
func (d *Definition) Encode() ([]byte, error) {
	data, err := canonicalBytes(d)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode definition %q: %w", d.ID, err)
	}
	return data, nil
}

// Decode deserializes a pinned definition snapshot.
func Decode(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("catalog: decode definition: %w", err)
	}
	return &d, nil
}
