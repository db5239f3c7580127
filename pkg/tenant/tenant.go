// Package tenant maps identities to tenants and enforces per-tenant quotas
// and effective execution limits.
package tenant

import (
	"sync"
	"time"

	"github.com/sddion/chainbox/pkg/config"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
)

const (
	defaultTenant   = "default"
	anonymousTenant = "anonymous"
)

// Limits are the effective per-tenant execution overrides. Zero values mean
// "use the fabric default".
type Limits struct {
	MaxCallDepth int
	Timeout      time.Duration
	NodePool     string
	Priority     int
}

// usage tracks one tenant's per-minute call window.
type usage struct {
	count       int
	windowStart time.Time
	succeeded   int64
	failed      int64
}

// Manager owns per-tenant quota state.
type Manager struct {
	mu      sync.Mutex
	configs map[string]config.TenantConfig
	windows map[string]*usage
	now     func() time.Time
}

// NewManager builds a Manager from the configured tenant list.
func NewManager(tenants []config.TenantConfig) *Manager {
	m := &Manager{
		configs: make(map[string]config.TenantConfig, len(tenants)),
		windows: make(map[string]*usage),
		now:     time.Now,
	}
	for _, t := range tenants {
		m.configs[t.TenantID] = t
	}
	return m
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.now = clock
	return m
}

// TenantID extracts the tenant from an identity's claims: tenant_id first,
// then org_id, then the default tenant. Anonymous callers map to their own
// tenant.
func (m *Manager) TenantID(id *contracts.Identity) string {
	if id == nil {
		return anonymousTenant
	}
	if t, ok := id.Claim("tenant_id"); ok && t != "" {
		return t
	}
	if t, ok := id.Claim("org_id"); ok && t != "" {
		return t
	}
	return defaultTenant
}

// Limits returns the effective overrides for the identity's tenant.
func (m *Manager) Limits(id *contracts.Identity) Limits {
	m.mu.Lock()
	cfg, ok := m.configs[m.TenantID(id)]
	m.mu.Unlock()
	if !ok {
		return Limits{}
	}
	return Limits{
		MaxCallDepth: cfg.MaxCallDepth,
		Timeout:      time.Duration(cfg.TimeoutMs) * time.Millisecond,
		NodePool:     cfg.NodePool,
		Priority:     cfg.Priority,
	}
}

// Enforce raises TENANT_QUOTA_EXCEEDED when the tenant's per-minute window
// is exhausted. Tenants without a configured quota are unlimited.
func (m *Manager) Enforce(id *contracts.Identity) error {
	tenantID := m.TenantID(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[tenantID]
	if !ok || cfg.MaxCallsPerMinute <= 0 {
		return nil
	}

	now := m.now()
	u, ok := m.windows[tenantID]
	if !ok {
		u = &usage{windowStart: now}
		m.windows[tenantID] = u
	} else if now.Sub(u.windowStart) > time.Minute {
		u.count = 0
		u.windowStart = now
	}
	if u.count >= cfg.MaxCallsPerMinute {
		reset := time.Minute - now.Sub(u.windowStart)
		return fault.Newf(fault.CodeTenantQuotaExceeded, "tenant %s quota exhausted", tenantID).
			WithMeta("tenantId", tenantID).
			WithMeta("resetMs", reset.Milliseconds())
	}
	u.count++
	return nil
}

// RecordCall updates the tenant's completion counters after one root call.
func (m *Manager) RecordCall(id *contracts.Identity, success bool) {
	tenantID := m.TenantID(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.windows[tenantID]
	if !ok {
		u = &usage{windowStart: m.now()}
		m.windows[tenantID] = u
	}
	if success {
		u.succeeded++
	} else {
		u.failed++
	}
}

// Stats reports a tenant's lifetime completion counters.
func (m *Manager) Stats(tenantID string) (succeeded, failed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.windows[tenantID]; ok {
		return u.succeeded, u.failed
	}
	return 0, 0
}
