// Package config loads the fabric configuration from environment variables
// with sane defaults, plus tenant profiles from inline JSON or a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RouteRule maps a dotted glob pattern to a set of node ids.
type RouteRule struct {
	Pattern string
	NodeIDs []string
}

// TenantConfig carries per-tenant quotas and routing preferences.
type TenantConfig struct {
	TenantID          string `json:"tenant_id" yaml:"tenant_id"`
	MaxCallsPerMinute int    `json:"max_calls_per_minute" yaml:"max_calls_per_minute"`
	MaxCallDepth      int    `json:"max_call_depth" yaml:"max_call_depth"`
	TimeoutMs         int64  `json:"timeout_ms" yaml:"timeout_ms"`
	NodePool          string `json:"node_pool" yaml:"node_pool"`
	Priority          int    `json:"priority" yaml:"priority"`
}

// Config holds the full configuration surface of a fabric process.
type Config struct {
	Environment string // "development" or "production"
	NodeID      string
	Port        string

	// Executor defaults
	MaxCallDepth   int
	DefaultTimeout time.Duration
	DefaultRetries int
	RegistryRoot   string
	CacheSuffix    string

	// Authentication
	AuthSecret     string
	AuthAlgorithms []string
	DefaultRole    string

	// Mesh
	MeshSecret      string
	SignatureTTL    time.Duration
	Nodes           map[string]string
	Routes          []RouteRule
	MeshConnections int
	MeshPipelining  int
	MeshMaxRetries  int

	// Circuit breaker
	CircuitThreshold        int
	CircuitTimeout          time.Duration
	CircuitSuccessThreshold int

	// Rate limiting
	RateLimitDefault   string
	RateLimitRules     map[string]string
	RateLimitRedisAddr string

	// Cache
	CacheDefaultTTL time.Duration
	CacheMaxSize    int
	// CacheRules holds per-capability TTL overrides; presence of a rule
	// also marks the capability cacheable without the name suffix.
	CacheRules map[string]time.Duration

	// Tenants
	Tenants []TenantConfig

	// Audit
	AuditEnabled bool
	AuditLevel   string // all | errors | none
	AuditLogPath string
	AuditDBPath  string
	AuditRing    int

	// Telemetry
	TelemetryEnabled bool
	ServiceName      string
	OTLPEndpoint     string

	// Node server
	MaxBodySize   int64
	ShutdownGrace time.Duration

	// Storage
	StorageBackend string // fs | s3 | gcs
	StorageDir     string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3Prefix       string
	GCSBucket      string
	GCSPrefix      string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getenv("CHAINBOX_ENV", "development"),
		NodeID:      getenv("CHAINBOX_NODE_ID", ""),
		Port:        getenv("CHAINBOX_PORT", "4000"),

		MaxCallDepth:   getenvInt("CHAINBOX_MAX_CALL_DEPTH", 10),
		DefaultTimeout: getenvDuration("CHAINBOX_TIMEOUT_MS", 30_000),
		DefaultRetries: getenvInt("CHAINBOX_RETRIES", 0),
		RegistryRoot:   getenv("CHAINBOX_REGISTRY_ROOT", "capabilities"),
		CacheSuffix:    getenv("CHAINBOX_CACHE_SUFFIX", ".Cached"),

		AuthSecret:  os.Getenv("CHAINBOX_AUTH_SECRET"),
		DefaultRole: getenv("CHAINBOX_DEFAULT_ROLE", "user"),

		MeshSecret:      os.Getenv("CHAINBOX_MESH_SECRET"),
		SignatureTTL:    getenvDuration("CHAINBOX_MESH_SIGNATURE_TTL_MS", 60_000),
		MeshConnections: getenvInt("CHAINBOX_MESH_CONNECTIONS", 100),
		MeshPipelining:  getenvInt("CHAINBOX_MESH_PIPELINING", 10),
		MeshMaxRetries:  getenvInt("CHAINBOX_MESH_MAX_RETRIES", 3),

		CircuitThreshold:        getenvInt("CHAINBOX_CIRCUIT_THRESHOLD", 5),
		CircuitTimeout:          getenvDuration("CHAINBOX_CIRCUIT_TIMEOUT_MS", 30_000),
		CircuitSuccessThreshold: getenvInt("CHAINBOX_CIRCUIT_SUCCESS_THRESHOLD", 2),

		RateLimitDefault:   getenv("CHAINBOX_RATE_LIMIT_DEFAULT", ""),
		RateLimitRedisAddr: os.Getenv("CHAINBOX_RATE_LIMIT_REDIS_ADDR"),

		CacheDefaultTTL: getenvDuration("CHAINBOX_CACHE_DEFAULT_TTL_MS", 60_000),
		CacheMaxSize:    getenvInt("CHAINBOX_CACHE_MAX_SIZE", 1000),

		AuditEnabled: getenvBool("CHAINBOX_AUDIT_ENABLED", true),
		AuditLevel:   getenv("CHAINBOX_AUDIT_LEVEL", "all"),
		AuditLogPath: os.Getenv("CHAINBOX_AUDIT_LOG_PATH"),
		AuditDBPath:  os.Getenv("CHAINBOX_AUDIT_DB_PATH"),
		AuditRing:    getenvInt("CHAINBOX_AUDIT_RING", 1000),

		TelemetryEnabled: getenvBool("CHAINBOX_TELEMETRY_ENABLED", false),
		ServiceName:      getenv("CHAINBOX_SERVICE_NAME", "chainbox"),
		OTLPEndpoint:     getenv("CHAINBOX_OTLP_ENDPOINT", "localhost:4317"),

		MaxBodySize:   getenvInt64("CHAINBOX_MAX_BODY_SIZE", 10<<20),
		ShutdownGrace: getenvDuration("CHAINBOX_SHUTDOWN_GRACE_MS", 10_000),

		StorageBackend: getenv("CHAINBOX_STORAGE_BACKEND", "fs"),
		StorageDir:     getenv("CHAINBOX_STORAGE_DIR", "data"),
		S3Bucket:       os.Getenv("CHAINBOX_S3_BUCKET"),
		S3Region:       getenv("CHAINBOX_S3_REGION", os.Getenv("AWS_REGION")),
		S3Endpoint:     os.Getenv("CHAINBOX_S3_ENDPOINT"),
		S3Prefix:       os.Getenv("CHAINBOX_S3_PREFIX"),
		GCSBucket:      os.Getenv("CHAINBOX_GCS_BUCKET"),
		GCSPrefix:      os.Getenv("CHAINBOX_GCS_PREFIX"),
	}

	cfg.AuthAlgorithms = splitList(getenv("CHAINBOX_AUTH_ALGORITHMS", "HS256"))

	var err error
	if cfg.Nodes, err = ParseNodes(os.Getenv("CHAINBOX_MESH_NODES")); err != nil {
		return nil, err
	}
	if cfg.Routes, err = ParseRoutes(os.Getenv("CHAINBOX_MESH_ROUTES")); err != nil {
		return nil, err
	}
	cfg.RateLimitRules = collectRateRules()
	cfg.CacheRules = collectCacheRules()

	if raw := os.Getenv("CHAINBOX_TENANT_CONFIGS"); raw != "" {
		tenants, err := ParseTenantConfigs([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("config: tenant configs: %w", err)
		}
		cfg.Tenants = tenants
	}
	if path := os.Getenv("CHAINBOX_TENANT_PROFILE"); path != "" {
		tenants, err := LoadTenantProfile(path)
		if err != nil {
			return nil, fmt.Errorf("config: tenant profile: %w", err)
		}
		cfg.Tenants = append(cfg.Tenants, tenants...)
	}

	return cfg, nil
}

// Production reports whether the process runs in production mode. In
// production the internal trace tree is stripped from results.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ParseNodes parses "id=url,id=url" into the node registry.
func ParseNodes(raw string) (map[string]string, error) {
	nodes := make(map[string]string)
	if raw == "" {
		return nodes, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("config: malformed node entry %q", part)
		}
		nodes[strings.TrimSpace(id)] = strings.TrimSpace(url)
	}
	return nodes, nil
}

// ParseRoutes parses "glob:id|id,glob:id" into the ordered route list.
func ParseRoutes(raw string) ([]RouteRule, error) {
	var routes []RouteRule
	if raw == "" {
		return routes, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pattern, ids, ok := strings.Cut(part, ":")
		if !ok || pattern == "" || ids == "" {
			return nil, fmt.Errorf("config: malformed route entry %q", part)
		}
		rule := RouteRule{Pattern: strings.TrimSpace(pattern)}
		for _, id := range strings.Split(ids, "|") {
			if id = strings.TrimSpace(id); id != "" {
				rule.NodeIDs = append(rule.NodeIDs, id)
			}
		}
		if len(rule.NodeIDs) == 0 {
			return nil, fmt.Errorf("config: route %q has no nodes", pattern)
		}
		routes = append(routes, rule)
	}
	return routes, nil
}

// collectRateRules scans the environment for per-capability overrides of the
// form CHAINBOX_RATE_LIMIT_<CAP>=N/unit. The capability name appears verbatim
// after the prefix (dots included), e.g. CHAINBOX_RATE_LIMIT_User.Create.
func collectRateRules() map[string]string {
	const prefix = "CHAINBOX_RATE_LIMIT_"
	rules := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		cap := key[len(prefix):]
		if cap == "" || cap == "DEFAULT" || cap == "REDIS_ADDR" {
			continue
		}
		rules[cap] = value
	}
	return rules
}

// collectCacheRules scans for CHAINBOX_CACHE_TTL_<CAP>=<ms> overrides.
func collectCacheRules() map[string]time.Duration {
	const prefix = "CHAINBOX_CACHE_TTL_"
	rules := make(map[string]time.Duration)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		cap := key[len(prefix):]
		if cap == "" {
			continue
		}
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			rules[cap] = time.Duration(ms) * time.Millisecond
		}
	}
	return rules
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getenvDuration(key string, fallbackMs int64) time.Duration {
	return time.Duration(getenvInt64(key, fallbackMs)) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
