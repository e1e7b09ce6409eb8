package catalog

import (
	"fmt"
	"sync"
)

// Registry maps workflow IDs to definitions. It is the live catalog the
// engine consults only at session start; after that a run reads its
// pinned copy, so registry mutations never disturb in-flight runs.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and adds a definition, replacing any previous
// definition with the same ID.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("catalog: register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
	return nil
}

// MustRegister is like Register but panics on error. Use for static
// definitions wired at startup.
func (r *Registry) MustRegister(d *Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve returns the definition registered under workflowID.
func (r *Registry) Resolve(workflowID string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[workflowID]
	return d, ok
}

// IDs returns the registered workflow IDs in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.defs))
	for wfID := range r.defs {
		out = append(out, wfID)
	}
	return out
}
