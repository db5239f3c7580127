package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.Production())
	assert.Equal(t, 10, cfg.MaxCallDepth)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 100, cfg.MeshConnections)
	assert.Equal(t, 5, cfg.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitTimeout)
	assert.Equal(t, 2, cfg.CircuitSuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.SignatureTTL)
	assert.Equal(t, ".Cached", cfg.CacheSuffix)
	assert.Equal(t, int64(10<<20), cfg.MaxBodySize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAINBOX_ENV", "production")
	t.Setenv("CHAINBOX_MESH_NODES", "compute=http://c:4000, edge=http://e:4000")
	t.Setenv("CHAINBOX_MESH_ROUTES", "Heavy.*:compute|edge, Edge.Render:edge")
	t.Setenv("CHAINBOX_RATE_LIMIT_User.Create", "10/minute")
	t.Setenv("CHAINBOX_CACHE_TTL_Price.Quote", "5000")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, map[string]string{
		"compute": "http://c:4000",
		"edge":    "http://e:4000",
	}, cfg.Nodes)

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "Heavy.*", cfg.Routes[0].Pattern)
	assert.Equal(t, []string{"compute", "edge"}, cfg.Routes[0].NodeIDs)

	assert.Equal(t, "10/minute", cfg.RateLimitRules["User.Create"])
	assert.Equal(t, 5*time.Second, cfg.CacheRules["Price.Quote"])
}

func TestParseNodesRejectsMalformed(t *testing.T) {
	_, err := config.ParseNodes("compute")
	assert.Error(t, err)
	_, err = config.ParseNodes("=http://x")
	assert.Error(t, err)
}

func TestParseRoutesRejectsMalformed(t *testing.T) {
	_, err := config.ParseRoutes("Heavy.*")
	assert.Error(t, err)
	_, err = config.ParseRoutes("Heavy.*:")
	assert.Error(t, err)
}

func TestParseTenantConfigs(t *testing.T) {
	tenants, err := config.ParseTenantConfigs([]byte(`[
		{"tenant_id":"acme","max_calls_per_minute":100,"node_pool":"acme-","priority":5},
		{"tenant_id":"globex","timeout_ms":2000}
	]`))
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].TenantID)
	assert.Equal(t, 100, tenants[0].MaxCallsPerMinute)
	assert.Equal(t, int64(2000), tenants[1].TimeoutMs)
}

func TestParseTenantConfigsValidation(t *testing.T) {
	// Missing tenant_id.
	_, err := config.ParseTenantConfigs([]byte(`[{"max_calls_per_minute":5}]`))
	assert.Error(t, err)

	// Negative quota.
	_, err = config.ParseTenantConfigs([]byte(`[{"tenant_id":"x","max_calls_per_minute":-1}]`))
	assert.Error(t, err)

	// Unknown field.
	_, err = config.ParseTenantConfigs([]byte(`[{"tenant_id":"x","surprise":true}]`))
	assert.Error(t, err)

	// Not JSON.
	_, err = config.ParseTenantConfigs([]byte(`nope`))
	assert.Error(t, err)
}

func TestLoadTenantProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - tenant_id: acme
    max_calls_per_minute: 50
    node_pool: acme-
  - tenant_id: globex
    max_call_depth: 3
`), 0o644))

	tenants, err := config.LoadTenantProfile(path)
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, 50, tenants[0].MaxCallsPerMinute)
	assert.Equal(t, 3, tenants[1].MaxCallDepth)
}

func TestLoadTenantProfileRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  - max_calls_per_minute: 5\n"), 0o644))
	_, err := config.LoadTenantProfile(path)
	assert.Error(t, err)
}
