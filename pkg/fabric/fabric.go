// Package fabric wires one complete Chainbox instance: every guard, the
// transport, telemetry, audit, and the Executor, constructed once per
// process with no global state so tests build fresh fabrics freely.
package fabric

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/sddion/chainbox/pkg/adapter"
	"github.com/sddion/chainbox/pkg/audit"
	"github.com/sddion/chainbox/pkg/bytecode"
	"github.com/sddion/chainbox/pkg/cache"
	"github.com/sddion/chainbox/pkg/circuit"
	"github.com/sddion/chainbox/pkg/config"
	"github.com/sddion/chainbox/pkg/executor"
	"github.com/sddion/chainbox/pkg/identity"
	"github.com/sddion/chainbox/pkg/mesh"
	"github.com/sddion/chainbox/pkg/planner"
	"github.com/sddion/chainbox/pkg/policy"
	"github.com/sddion/chainbox/pkg/ratelimit"
	"github.com/sddion/chainbox/pkg/registry"
	"github.com/sddion/chainbox/pkg/signer"
	"github.com/sddion/chainbox/pkg/storage"
	"github.com/sddion/chainbox/pkg/telemetry"
	"github.com/sddion/chainbox/pkg/tenant"
)

// Fabric owns every component of one Chainbox process.
type Fabric struct {
	Config    *config.Config
	Registry  *registry.Registry
	Policy    *policy.Policy
	Limiter   *ratelimit.Limiter
	Tenants   *tenant.Manager
	Cache     *cache.Cache
	Signer    *signer.Signer
	Breaker   *circuit.Breaker
	Planner   *planner.Planner
	Mesh      *mesh.Transport
	Bytecode  *bytecode.Runtime
	Adapters  *adapter.Registry
	Storage   storage.Store
	Telemetry *telemetry.Provider
	Audit     *audit.Log
	Auth      *identity.Authenticator
	Executor  *executor.Executor

	limiterStore interface{ Close() error }
	logger       *slog.Logger
}

// Option customises fabric construction.
type Option func(*options)

type options struct {
	nodeMode bool
	db       *adapter.Postgres
	logger   *slog.Logger
}

// WithNodeMode marks the process as a mesh node: nested Executor
// invocations treat forceLocal implicitly and do not re-plan.
func WithNodeMode() Option {
	return func(o *options) { o.nodeMode = true }
}

// WithDatabase attaches the identity-forwarding database adapter.
func WithDatabase(db *adapter.Postgres) Option {
	return func(o *options) { o.db = db }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds a Fabric from configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Fabric, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fabric{Config: cfg, logger: logger}

	f.Registry = registry.New(cfg.RegistryRoot, cfg.CacheSuffix)

	var err error
	if f.Policy, err = policy.New(); err != nil {
		return nil, err
	}

	var limiterStore ratelimit.Store
	if cfg.RateLimitRedisAddr != "" {
		rs := ratelimit.NewRedisStore(cfg.RateLimitRedisAddr)
		limiterStore = rs
		f.limiterStore = rs
	} else {
		limiterStore = ratelimit.NewMemoryStore()
	}
	if f.Limiter, err = ratelimit.New(limiterStore, cfg.RateLimitDefault, cfg.RateLimitRules); err != nil {
		return nil, err
	}

	f.Tenants = tenant.NewManager(cfg.Tenants)
	f.Cache = cache.New(cfg.CacheDefaultTTL, cfg.CacheMaxSize, cfg.CacheSuffix, cfg.CacheRules)
	f.Signer = signer.New(cfg.MeshSecret, cfg.SignatureTTL)
	f.Breaker = circuit.New(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitSuccessThreshold)

	if f.Planner, err = planner.New(cfg.Nodes, cfg.Routes); err != nil {
		return nil, err
	}
	f.Mesh = mesh.New(mesh.Options{
		MaxRetries:  cfg.MeshMaxRetries,
		Connections: cfg.MeshConnections,
		Pipelining:  cfg.MeshPipelining,
	}, f.Signer, f.Breaker, f.Planner, logger)

	f.Bytecode = bytecode.NewRuntime(ctx, bytecode.Config{}, logger)
	f.Adapters = adapter.NewRegistry()

	if f.Storage, err = storage.New(ctx, cfg); err != nil {
		return nil, err
	}

	if f.Telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.TelemetryEnabled,
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		NodeID:       cfg.NodeID,
	}, logger); err != nil {
		return nil, err
	}

	var sink audit.Sink
	switch {
	case cfg.AuditDBPath != "":
		if sink, err = audit.NewSQLiteSink(cfg.AuditDBPath); err != nil {
			return nil, err
		}
	case cfg.AuditLogPath != "":
		if sink, err = audit.NewNDJSONSink(cfg.AuditLogPath); err != nil {
			return nil, err
		}
	}
	f.Audit = audit.New(cfg.AuditEnabled, audit.Level(cfg.AuditLevel), cfg.AuditRing, sink, logger)

	if cfg.AuthSecret != "" {
		f.Auth = identity.NewAuthenticator(cfg.AuthSecret, cfg.AuthAlgorithms, cfg.DefaultRole)
	}

	f.Executor = executor.New(executor.Deps{
		Registry:       f.Registry,
		Policy:         f.Policy,
		Limiter:        f.Limiter,
		Tenants:        f.Tenants,
		Cache:          f.Cache,
		Planner:        f.Planner,
		Breaker:        f.Breaker,
		Mesh:           f.Mesh,
		Bytecode:       f.Bytecode,
		Adapters:       f.Adapters,
		Storage:        f.Storage,
		Telemetry:      f.Telemetry,
		Audit:          f.Audit,
		Auth:           f.Auth,
		DB:             o.db,
		Env:            handlerEnv(),
		Logger:         logger,
		MaxCallDepth:   cfg.MaxCallDepth,
		DefaultTimeout: cfg.DefaultTimeout,
		Production:     cfg.Production(),
		NodeMode:       o.nodeMode,
		NodeID:         cfg.NodeID,
	})

	return f, nil
}

// Close releases the fabric's resources.
func (f *Fabric) Close(ctx context.Context) error {
	var first error
	if f.Bytecode != nil {
		if err := f.Bytecode.Close(ctx); err != nil {
			first = err
		}
	}
	if f.Audit != nil {
		if err := f.Audit.Close(); err != nil && first == nil {
			first = err
		}
	}
	if f.limiterStore != nil {
		if err := f.limiterStore.Close(); err != nil && first == nil {
			first = err
		}
	}
	if f.Telemetry != nil {
		if err := f.Telemetry.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// handlerEnv exposes only CHAINBOX_HANDLER_-prefixed variables to handlers,
// stripped of the prefix. Handlers never see the process environment.
func handlerEnv() map[string]string {
	const prefix = "CHAINBOX_HANDLER_"
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, prefix) {
			env[key[len(prefix):]] = value
		}
	}
	return env
}
