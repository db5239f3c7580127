// Package executor orchestrates the lifecycle of every capability
// invocation: identity, gate checks, cache, planning, dispatch, trace-tree
// assembly, outcome tagging, and retries.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sddion/chainbox/pkg/adapter"
	"github.com/sddion/chainbox/pkg/audit"
	"github.com/sddion/chainbox/pkg/bytecode"
	"github.com/sddion/chainbox/pkg/cache"
	"github.com/sddion/chainbox/pkg/circuit"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/identity"
	"github.com/sddion/chainbox/pkg/mesh"
	"github.com/sddion/chainbox/pkg/planner"
	"github.com/sddion/chainbox/pkg/policy"
	"github.com/sddion/chainbox/pkg/ratelimit"
	"github.com/sddion/chainbox/pkg/registry"
	"github.com/sddion/chainbox/pkg/storage"
	"github.com/sddion/chainbox/pkg/telemetry"
	"github.com/sddion/chainbox/pkg/tenant"
)

// Deps are the collaborators injected into an Executor. Tests build fresh
// instances; nothing here is process-global.
type Deps struct {
	Registry  *registry.Registry
	Policy    *policy.Policy
	Limiter   *ratelimit.Limiter
	Tenants   *tenant.Manager
	Cache     *cache.Cache
	Planner   *planner.Planner
	Breaker   *circuit.Breaker
	Mesh      *mesh.Transport
	Bytecode  *bytecode.Runtime
	Adapters  *adapter.Registry
	Storage   storage.Store
	Telemetry *telemetry.Provider
	Audit     *audit.Log
	Auth      *identity.Authenticator
	DB        *adapter.Postgres
	Env       map[string]string
	Logger    *slog.Logger

	MaxCallDepth   int
	DefaultTimeout time.Duration
	Production     bool
	// NodeMode marks a process serving mesh requests: planning is skipped
	// (the caller already planned) and incoming frames restart their clock
	// so cross-hop skew cannot poison the budget.
	NodeMode bool
	NodeID   string
}

// Options tune one Execute call.
type Options struct {
	// Identity is the already-verified caller; nil with a BearerToken set
	// triggers authentication at the root.
	Identity    *contracts.Identity
	BearerToken string
	// TraceID continues an existing invocation tree; empty generates one.
	TraceID string
	// ParentFrame marks a nested call deriving a child frame.
	ParentFrame *contracts.ExecutionFrame
	// Frame, when set, is used verbatim as the current frame (mesh entry).
	Frame *contracts.ExecutionFrame
	// ParentTrace receives this invocation's trace node as a child.
	ParentTrace *contracts.TraceFrame
	// ForceLocal skips planning.
	ForceLocal bool
	// Retries is the extra-attempt budget beyond the first try.
	Retries int
	// TimeoutMs overrides the root timeout budget.
	TimeoutMs int64
}

// Executor runs the invocation pipeline.
type Executor struct {
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
	traceMu sync.Mutex
}

// New creates an Executor.
func New(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxCallDepth <= 0 {
		deps.MaxCallDepth = 10
	}
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = 30 * time.Second
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NewDisabled()
	}
	return &Executor{
		deps:   deps,
		logger: logger.With("component", "executor"),
		now:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.now = clock
	return e
}

// Execute runs one capability through the full pipeline, retrying failed
// attempts up to opts.Retries additional times. Gate rejections, cache
// hits, and open circuits are terminal within one call.
func (e *Executor) Execute(ctx context.Context, fn string, input any, opts Options) (*contracts.ExecutionResult, error) {
	// 1. Authenticate (root only) and pin the trace id.
	id := opts.Identity
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	if e.isRoot(opts) && id == nil && opts.BearerToken != "" && e.deps.Auth != nil {
		var err error
		id, err = e.deps.Auth.Authenticate(opts.BearerToken)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeUnauthorized).WithFunction(fn).WithTraceID(traceID)
		}
	}

	attempts := opts.Retries + 1
	var result *contracts.ExecutionResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = e.executeOnce(ctx, fn, input, id, traceID, opts)
		if err == nil {
			return result, nil
		}
		if !fault.Retryable(fault.CodeOf(err)) {
			return nil, err
		}
	}
	return nil, err
}

// isRoot reports whether this call starts a new invocation tree.
func (e *Executor) isRoot(opts Options) bool {
	return opts.ParentFrame == nil && opts.Frame == nil
}

// executeOnce is one pipeline attempt.
func (e *Executor) executeOnce(ctx context.Context, fn string, input any, id *contracts.Identity, traceID string, opts Options) (result *contracts.ExecutionResult, err error) {
	root := e.isRoot(opts)
	startWall := e.now()

	// 2. Initialise the execution frame and this invocation's trace node.
	frame := e.buildFrame(id, opts, startWall)

	// 4 (early). Depth gate. A frame past the limit never enters the trace
	// tree; the tree records only admitted invocations.
	if frame.Depth > frame.MaxDepth {
		return nil, e.normalise(
			fault.Newf(fault.CodeMaxCallDepth, "call depth %d exceeds limit %d", frame.Depth, frame.MaxDepth),
			fn, traceID)
	}

	tr := &contracts.TraceFrame{
		Fn:       fn,
		Children: []*contracts.TraceFrame{},
	}
	if id != nil {
		tr.Identity = id.ID
	}
	if opts.ParentTrace != nil {
		e.appendChild(opts.ParentTrace, tr)
	}

	// 3. Start hooks: span, counters, root gates.
	spanCtx, span := e.deps.Telemetry.StartSpan(ctx, fn, contracts.TargetLocal, frame.Depth)
	ctx = spanCtx
	defer span.End()
	e.deps.Telemetry.RecordStart(ctx, fn)

	finish := func(value any, cached bool) *contracts.ExecutionResult {
		e.endHooks(ctx, fn, id, traceID, tr, frame, root, startWall)
		res := &contracts.ExecutionResult{
			Value:   value,
			Outcome: tr.Outcome,
			Cached:  cached,
			TraceID: traceID,
		}
		// Redaction: internal trace state escapes only in development.
		if !e.deps.Production {
			res.Trace = tr
		}
		return res
	}
	fail := func(cause error) error {
		fe := e.normalise(cause, fn, traceID)
		tr.Status = contracts.StatusError
		tr.Outcome = fault.OutcomeFor(fe.Code)
		tr.Error = fe.Message
		tr.DurationMs = e.now().Sub(startWall).Milliseconds()
		e.endHooks(ctx, fn, id, traceID, tr, frame, root, startWall)
		return fe
	}

	if root {
		if e.deps.Limiter != nil {
			if gerr := e.deps.Limiter.Enforce(ctx, id, fn); gerr != nil {
				return nil, fail(gerr)
			}
		}
		if e.deps.Tenants != nil {
			if gerr := e.deps.Tenants.Enforce(id); gerr != nil {
				return nil, fail(gerr)
			}
		}
	}

	// 5. Cache probe.
	cacheable := e.deps.Cache != nil && e.deps.Cache.IsCacheable(fn)
	if cacheable {
		if value, ok := e.deps.Cache.Get(fn, input); ok {
			tr.Status = contracts.StatusSuccess
			tr.Outcome = contracts.OutcomeSuccess
			tr.Cached = true
			tr.DurationMs = e.now().Sub(startWall).Milliseconds()
			e.deps.Telemetry.RecordCacheHit(ctx, fn)
			return finish(value, true), nil
		}
	}

	// 6. Budget gate.
	if frame.Elapsed(e.now()) >= frame.TimeoutMs {
		return nil, fail(fault.Newf(fault.CodeExecutionTimeout, "budget exhausted before dispatch"))
	}

	// 7. Plan.
	plan := planner.Plan{Target: contracts.TargetLocal}
	if !opts.ForceLocal && !e.deps.NodeMode && e.deps.Planner != nil {
		nodePool := ""
		if e.deps.Tenants != nil {
			nodePool = e.deps.Tenants.Limits(id).NodePool
		}
		var admit func(string) bool
		if e.deps.Breaker != nil {
			admit = e.deps.Breaker.Allow
		}
		plan = e.deps.Planner.Plan(fn, nodePool, admit)
	}
	tr.Target = plan.Target
	tr.NodeID = plan.NodeID

	// 8. Remote path.
	if plan.Target == contracts.TargetRemote {
		value, err := e.executeRemote(ctx, fn, input, id, traceID, frame, tr, plan)
		if err != nil {
			return nil, fail(err)
		}
		tr.DurationMs = e.now().Sub(startWall).Milliseconds()
		return finish(value, tr.Cached), nil
	}

	// 9. Local path.
	value, err := e.executeLocal(ctx, fn, input, id, traceID, frame, tr)
	if err != nil {
		return nil, fail(err)
	}
	if cacheable {
		e.deps.Cache.Set(fn, input, value)
	}
	tr.Status = contracts.StatusSuccess
	tr.Outcome = contracts.OutcomeSuccess
	tr.DurationMs = e.now().Sub(startWall).Milliseconds()
	return finish(value, false), nil
}

// buildFrame constructs or derives the execution frame for this call.
func (e *Executor) buildFrame(id *contracts.Identity, opts Options, now time.Time) contracts.ExecutionFrame {
	if opts.Frame != nil {
		frame := *opts.Frame
		if e.deps.NodeMode {
			// A fresh clock on mesh entry keeps cross-hop skew out of the
			// remaining budget.
			frame.StartTime = now.UnixMilli()
		}
		return frame
	}
	if opts.ParentFrame != nil {
		return opts.ParentFrame.Child()
	}

	maxDepth := e.deps.MaxCallDepth
	timeout := e.deps.DefaultTimeout
	if e.deps.Tenants != nil {
		limits := e.deps.Tenants.Limits(id)
		if limits.MaxCallDepth > 0 {
			maxDepth = limits.MaxCallDepth
		}
		if limits.Timeout > 0 {
			timeout = limits.Timeout
		}
	}
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return contracts.ExecutionFrame{
		Depth:     1,
		MaxDepth:  maxDepth,
		StartTime: now.UnixMilli(),
		TimeoutMs: timeout.Milliseconds(),
	}
}

// endHooks runs the completion side of the pipeline: outcome assertion,
// metrics, and root bookkeeping. Every exit path past the depth gate
// converges here exactly once; a depth-gate rejection returns before it.
func (e *Executor) endHooks(ctx context.Context, fn string, id *contracts.Identity, traceID string, tr *contracts.TraceFrame, frame contracts.ExecutionFrame, root bool, startWall time.Time) {
	// Outcome assertion: a completed invocation without an outcome is an
	// invariant violation, coerced to FAILURE so it can never read as
	// silent success.
	if tr.Outcome == "" {
		e.deps.Telemetry.RecordInvariantViolation(ctx, fn)
		tr.Outcome = contracts.OutcomeFailure
		tr.Status = contracts.StatusError
	}

	duration := e.now().Sub(startWall)
	e.deps.Telemetry.RecordEnd(ctx, fn, tr.Outcome, duration)

	if !root {
		return
	}

	success := tr.Outcome == contracts.OutcomeSuccess
	if e.deps.Audit != nil {
		entry := &contracts.AuditEntry{
			Timestamp:  startWall,
			Fn:         fn,
			Status:     tr.Status,
			DurationMs: duration.Milliseconds(),
			Error:      tr.Error,
			Outcome:    tr.Outcome,
			TraceID:    traceID,
			Trace:      tr,
		}
		if id != nil {
			entry.Identity = id.ID
		}
		if e.deps.Tenants != nil {
			entry.TenantID = e.deps.Tenants.TenantID(id)
		}
		e.deps.Audit.Record(ctx, entry)
	}
	if e.deps.Tenants != nil {
		e.deps.Tenants.RecordCall(id, success)
	}
}

// normalise lifts any failure into the structured error surfaced at the
// wire boundary.
func (e *Executor) normalise(err error, fn string, traceID string) *fault.Error {
	fe := fault.Wrap(err, fault.CodeExecutionError)
	if fe.Function == "" {
		fe.Function = fn
	}
	if fe.TraceID == "" {
		fe.TraceID = traceID
	}
	return fe
}

// appendChild attaches a child trace node in start order.
func (e *Executor) appendChild(parent, child *contracts.TraceFrame) {
	e.traceMu.Lock()
	parent.Children = append(parent.Children, child)
	e.traceMu.Unlock()
}
