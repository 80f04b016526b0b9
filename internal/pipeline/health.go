package pipeline

import (
	"sort"
	"sync"
	"time"
)

// AccountHealth is the last known fetch condition of one (tenant, vendor)
// account, surfaced on the service health endpoint.
type AccountHealth struct {
	Tenant              string    `json:"tenant"`
	Vendor              string    `json:"vendor"`
	Status              string    `json:"status"` // ok | auth | transient | malformed | never_polled
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SkippedCapabilities []string  `json:"skipped_capabilities,omitempty"`
}

// HealthTracker keeps per-account fetch health. Written by poll workers,
// read by the health endpoint.
type HealthTracker struct {
	mu       sync.RWMutex
	accounts map[string]*AccountHealth
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{accounts: make(map[string]*AccountHealth)}
}

func (h *HealthTracker) entry(tenant, vendor string) *AccountHealth {
	key := tenant + "/" + vendor
	e, ok := h.accounts[key]
	if !ok {
		e = &AccountHealth{Tenant: tenant, Vendor: vendor, Status: "never_polled"}
		h.accounts[key] = e
	}
	return e
}

// RecordSuccess marks the account healthy.
func (h *HealthTracker) RecordSuccess(tenant, vendor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(tenant, vendor)
	e.Status = "ok"
	e.LastSuccess = time.Now().UTC()
	e.LastError = ""
	e.ConsecutiveFailures = 0
}

// RecordFailure marks a failed fetch with its classified kind.
func (h *HealthTracker) RecordFailure(tenant, vendor, kind, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(tenant, vendor)
	e.Status = kind
	e.LastError = message
	e.ConsecutiveFailures++
}

// RecordSkipped notes a capability the vendor does not offer. Not a failure.
func (h *HealthTracker) RecordSkipped(tenant, vendor, capability string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(tenant, vendor)
	for _, c := range e.SkippedCapabilities {
		if c == capability {
			return
		}
	}
	e.SkippedCapabilities = append(e.SkippedCapabilities, capability)
}

// Snapshot returns all account states in stable order.
func (h *HealthTracker) Snapshot() []AccountHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.accounts))
	for k := range h.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]AccountHealth, 0, len(keys))
	for _, k := range keys {
		out = append(out, *h.accounts[k])
	}
	return out
}

// Healthy reports whether no account is in a failing state.
func (h *HealthTracker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.accounts {
		if e.Status != "ok" && e.Status != "never_polled" {
			return false
		}
	}
	return true
}
