// Package tenants holds per-tenant delivery policy: which partners a
// tenant may deliver to and which payload fields carry PII.
package tenants

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tenant is one tenant's policy record.
type Tenant struct {
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	AllowedPartners []string  `json:"allowed_partners"` // empty means all
	PIIFields       []string  `json:"pii_fields"`       // payload fields redacted before hashing/logging
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AllowsPartner reports whether the tenant may deliver to partner. An
// empty allow-list permits every configured partner.
func (t Tenant) AllowsPartner(partner string) bool {
	if len(t.AllowedPartners) == 0 {
		return true
	}
	for _, p := range t.AllowedPartners {
		if p == partner {
			return true
		}
	}
	return false
}

// Registry resolves tenant policy. Records load from a JSON file at
// startup; unknown tenants resolve to a default-deny record.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

func NewRegistry(path string) (*Registry, error) {
	r := &Registry{tenants: make(map[string]*Tenant)}
	if path == "" {
		log.Warn().Msg("no tenants file configured; all tenants resolve to default policy")
		return r, nil
	}
	if err := r.loadFromJSON(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadFromJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tenants: read %s: %w", path, err)
	}
	var records []Tenant
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("tenants: parse %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		t := records[i]
		r.tenants[t.TenantID] = &t
	}
	log.Info().Int("count", len(records)).Str("path", path).Msg("loaded tenant policies")
	return nil
}

// Resolve returns the tenant policy, or (nil, false) for an unknown or
// disabled tenant.
func (r *Registry) Resolve(tenantID string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok || !t.Enabled {
		return nil, false
	}
	return t, true
}

// Upsert installs or replaces a tenant record. Used by tests and by the
// default policy path when no tenants file is configured.
func (r *Registry) Upsert(t Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.UpdatedAt = time.Now()
	r.tenants[t.TenantID] = &t
}

// List returns all tenant records, enabled or not.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, *t)
	}
	return out
}
