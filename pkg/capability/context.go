// Package capability defines the per-invocation surface handed to handlers:
// nested calls, parallel fan-out, adapters, scoped storage, and the
// identity-aware database handle. Handlers receive no ambient network
// access; external I/O goes through Adapter.
package capability

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/storage"
)

// Handler is a native capability implementation.
type Handler func(ctx context.Context, cc *Context) (any, error)

// CallOptions tune one nested call.
type CallOptions struct {
	Retries int
}

// Result is one slot of a parallel fan-out, at its original input index.
type Result struct {
	Index int
	Value any
	Err   error
}

// Invoker is the executor-side surface backing nested calls. Implemented by
// the Executor; injected so handlers never reach the Executor directly.
type Invoker interface {
	Call(ctx context.Context, fn string, input any, opts *CallOptions) (any, error)
	Parallel(ctx context.Context, calls []contracts.Call) []Result
}

// Adapters resolves pre-registered external I/O clients by name.
type Adapters interface {
	Adapter(name string) (any, error)
}

// Rows is the cursor surface of a scoped query. Close must be called; it
// releases the identity-scoped transaction backing the cursor.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Database is the identity-scoped query surface. The handle carries the
// caller's bearer token so row-level authorization holds in the store.
type Database interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Params carries everything the Executor injects into one Context.
type Params struct {
	Input    any
	Identity *contracts.Identity
	TraceID  string
	Frame    contracts.ExecutionFrame
	Trace    *contracts.TraceFrame
	Invoker  Invoker
	Adapters Adapters
	KV       storage.KV
	Blob     storage.KV
	DB       Database
	Env      map[string]string
	HTTP     *http.Client
}

// Context is the capability surface for one invocation.
type Context struct {
	input    any
	identity *contracts.Identity
	traceID  string
	frame    contracts.ExecutionFrame
	trace    *contracts.TraceFrame
	invoker  Invoker
	adapters Adapters
	kv       storage.KV
	blob     storage.KV
	db       Database
	env      map[string]string
	http     *http.Client
}

// New builds a Context. Called by the Executor once per local invocation.
func New(p Params) *Context {
	return &Context{
		input:    p.Input,
		identity: p.Identity,
		traceID:  p.TraceID,
		frame:    p.Frame,
		trace:    p.Trace,
		invoker:  p.Invoker,
		adapters: p.Adapters,
		kv:       p.KV,
		blob:     p.Blob,
		db:       p.DB,
		env:      p.Env,
		http:     p.HTTP,
	}
}

// Input returns the opaque payload of this invocation.
func (c *Context) Input() any { return c.input }

// Identity returns the verified caller, or nil for anonymous calls.
func (c *Context) Identity() *contracts.Identity { return c.identity }

// TraceID returns the id of the current invocation tree.
func (c *Context) TraceID() string { return c.traceID }

// Trace returns the current trace frame, for diagnostics.
func (c *Context) Trace() *contracts.TraceFrame { return c.trace }

// Frame returns the current execution frame.
func (c *Context) Frame() contracts.ExecutionFrame { return c.frame }

// Call invokes another capability with the current identity and frame as
// parent; the sub-call appears as a child trace node.
func (c *Context) Call(ctx context.Context, fn string, input any, opts ...*CallOptions) (any, error) {
	var o *CallOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.invoker.Call(ctx, fn, input, o)
}

// Parallel fans calls out concurrently. Results appear in input order; a
// failed slot carries its structured error without aborting siblings.
func (c *Context) Parallel(ctx context.Context, calls []contracts.Call) []Result {
	return c.invoker.Parallel(ctx, calls)
}

// Adapter retrieves a pre-registered external I/O client.
func (c *Context) Adapter(name string) (any, error) {
	if c.adapters == nil {
		return nil, fault.Newf(fault.CodeAdapterNotFound, "adapter %q not registered", name)
	}
	return c.adapters.Adapter(name)
}

// KV returns the key/value namespace scoped to this capability.
func (c *Context) KV() storage.KV { return c.kv }

// Blob returns the blob namespace scoped to this capability.
func (c *Context) Blob() storage.KV { return c.blob }

// DB returns the identity-scoped database handle.
func (c *Context) DB() (Database, error) {
	if c.db == nil {
		return nil, fault.New(fault.CodeAdapterNotFound, "no database adapter configured")
	}
	return c.db, nil
}

// Env reads one configured environment variable.
func (c *Context) Env(key string) (string, bool) {
	v, ok := c.env[key]
	return v, ok
}

// HTTP returns the HTTP client available to this handler. Unless an adapter
// explicitly provided one, every request fails: ambient outbound network is
// deny-by-default.
func (c *Context) HTTP() *http.Client {
	if c.http != nil {
		return c.http
	}
	return deniedHTTPClient
}

// deniedHTTPClient fails every request at the transport layer.
var deniedHTTPClient = &http.Client{Transport: denyTransport{}}

type denyTransport struct{}

func (denyTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("chainbox: ambient outbound HTTP is denied; use an adapter")
}
