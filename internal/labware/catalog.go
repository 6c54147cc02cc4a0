package labware

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/banshee-data/deckbot/internal/monitoring"
)

var logf = monitoring.Component("labware")

// MigratingCatalog loads from a Store and falls back to a legacy source for
// names the store has never seen. Legacy definitions are rotated into the
// current convention, saved, then loaded again from the store.
type MigratingCatalog struct {
	store  Store
	legacy Catalog
}

// NewMigratingCatalog returns a catalog over store. legacy may be nil.
func NewMigratingCatalog(store Store, legacy Catalog) *MigratingCatalog {
	return &MigratingCatalog{store: store, legacy: legacy}
}

// Load implements Catalog.
func (c *MigratingCatalog) Load(ctx context.Context, name string) (Definition, error) {
	def, err := c.store.Load(ctx, name)
	if err == nil || !errors.Is(err, ErrNotFound) || c.legacy == nil {
		return def, err
	}

	old, lerr := c.legacy.Load(ctx, name)
	if lerr != nil {
		if errors.Is(lerr, ErrNotFound) {
			return Definition{}, err
		}
		return Definition{}, fmt.Errorf("legacy lookup for %s: %w", name, lerr)
	}
	logf("migrating legacy labware %s (%d wells)", name, len(old.Wells))
	if err := c.store.Save(ctx, RotateLegacy(old)); err != nil {
		return Definition{}, fmt.Errorf("failed to save migrated labware %s: %w", name, err)
	}
	return c.store.Load(ctx, name)
}

// Save writes through to the underlying store.
func (c *MigratingCatalog) Save(ctx context.Context, def Definition) error {
	return c.store.Save(ctx, def)
}

// MemoryStore is a Store held in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewMemoryStore returns a store holding defs.
func NewMemoryStore(defs ...Definition) *MemoryStore {
	s := &MemoryStore{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		s.defs[d.Name] = clone(d)
	}
	return s
}

func clone(d Definition) Definition {
	d.Wells = slices.Clone(d.Wells)
	return d
}

// Load implements Catalog.
func (s *MemoryStore) Load(_ context.Context, name string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return clone(d), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = clone(def)
	return nil
}

// Names lists the stored names.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	slices.SortFunc(out, strings.Compare)
	return out
}

// Seed saves every definition in defs that store does not hold yet.
func Seed(ctx context.Context, store Store, defs ...Definition) error {
	for _, d := range defs {
		_, err := store.Load(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := store.Save(ctx, d); err != nil {
			return fmt.Errorf("seed %s: %w", d.Name, err)
		}
	}
	return nil
}
