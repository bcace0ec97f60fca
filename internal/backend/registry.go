package backend

import (
	"sort"
	"sync"

	"voxd/pkg/types"
)

// Table maps backend ids to provider instances. The zero value is usable.
type Table struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewTable returns an empty provider table.
func NewTable() *Table { return &Table{} }

// Register installs p under its own id, replacing any previous registration.
func (t *Table) Register(p Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.providers == nil {
		t.providers = make(map[string]Provider)
	}
	t.providers[p.ID()] = p
}

// Lookup resolves a backend id.
func (t *Table) Lookup(id string) (Provider, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.providers[id]
	if !ok {
		return nil, &types.NotFoundError{Kind: "backend", ID: id}
	}
	return p, nil
}

// IDs lists registered backend ids, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.providers))
	for id := range t.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve picks the provider for a model: the preferred backend when set,
// otherwise the first registered one that both appears in the model's
// compatible set and carries the capability its category needs.
func (t *Table) Resolve(m *types.ModelDescriptor) (Provider, error) {
	if m.PreferredBackend != "" {
		return t.Lookup(m.PreferredBackend)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var fallback Provider
	for _, id := range m.Backends {
		p, ok := t.providers[id]
		if !ok {
			continue
		}
		if Supports(p, m.Category) {
			return p, nil
		}
		if fallback == nil {
			fallback = p
		}
	}
	// A model with no category still resolves to any compatible provider.
	if fallback != nil && m.Category == "" {
		return fallback, nil
	}
	return nil, &types.NotFoundError{Kind: "backend", ID: "(no compatible backend for " + m.ID + ")"}
}
