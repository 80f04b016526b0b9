package vendor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registered pairs an adapter with the tenant whose account it wraps.
type Registered struct {
	Tenant  string
	Adapter Adapter
}

// Registry holds the adapters for every (tenant, vendor) account.
// Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Registered // tenant + "/" + vendor
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Registered),
	}
}

// Register adds an adapter for a tenant's account. Overwrites if exists.
func (r *Registry) Register(tenant string, a Adapter) {
	key := tenant + "/" + a.Name()
	r.mu.Lock()
	r.adapters[key] = Registered{Tenant: tenant, Adapter: a}
	r.mu.Unlock()
	log.Info().
		Str("tenant", tenant).
		Str("vendor", a.Name()).
		Int("capabilities", len(a.Capabilities())).
		Msg("Vendor adapter registered")
}

// Get returns the adapter for a tenant's account with a vendor.
func (r *Registry) Get(tenant, vendorName string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[tenant+"/"+vendorName]
	if !ok {
		return nil, fmt.Errorf("no adapter for tenant %q vendor %q", tenant, vendorName)
	}
	return reg.Adapter, nil
}

// All returns every registered (tenant, adapter) pair in stable order.
func (r *Registry) All() []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Registered, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.adapters[k])
	}
	return out
}

// Vendors returns the distinct vendor names registered, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, reg := range r.adapters {
		seen[reg.Adapter.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
