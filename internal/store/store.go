package store

import (
	"sort"

	"github.com/joescharf/dm/internal/models"
)

// Projects maps a project name to its record.
type Projects map[string]*models.Project

// Names returns the project names in sorted order.
func (p Projects) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the mapping so callers can mutate it freely.
func (p Projects) Clone() Projects {
	out := make(Projects, len(p))
	for name, rec := range p {
		out[name] = rec.Clone()
	}
	return out
}

// Store defines the persistence interface for project records.
type Store interface {
	// Load returns the persisted mapping. A missing or unreadable store
	// yields an empty mapping; read failures are logged, not returned.
	Load() Projects

	// Save replaces the persisted mapping. It never leaves a partially
	// written store behind.
	Save(projects Projects) error

	// Update runs fn against the current mapping under the store lock and
	// saves the result if fn returns nil.
	Update(fn func(Projects) error) error
}
