package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetglass/fleetglass/internal/catalog"
)

// Manager owns one Store per tenant database. It is populated once at
// startup and read-only afterwards; lookups are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewManager creates an empty store manager.
func NewManager() *Manager {
	return &Manager{stores: make(map[string]Store)}
}

// Open connects every database in the catalog. A DSN of "memory" builds an
// in-memory store, which keeps staging and test tenants off Postgres.
func Open(ctx context.Context, cat *catalog.Catalog, maxConns int, connectTimeout time.Duration) (*Manager, error) {
	m := NewManager()
	for _, db := range cat.Databases() {
		var (
			s   Store
			err error
		)
		if db.DSN == "memory" {
			s = NewMemoryStore()
		} else {
			s, err = NewPostgresStore(ctx, db.DSN, maxConns, connectTimeout)
			if err != nil {
				m.CloseAll()
				return nil, fmt.Errorf("open database %q: %w", db.Name, err)
			}
		}
		m.Add(db.Name, s)
		log.Info().
			Str("database", db.Name).
			Str("tenant", db.Tenant).
			Int("serials", len(db.Serials)).
			Msg("Tenant database opened")
	}
	return m, nil
}

// Add registers a store under a database name. Replaces any previous one.
func (m *Manager) Add(name string, s Store) {
	m.mu.Lock()
	m.stores[name] = s
	m.mu.Unlock()
}

// Get returns the store for a database name.
func (m *Manager) Get(name string) (Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[name]
	return s, ok
}

// Names returns the registered database names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every store. Errors are logged, not returned: shutdown
// should not stop at the first failing pool.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.stores {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("database", name).Msg("Store close failed")
		}
		delete(m.stores, name)
	}
}
