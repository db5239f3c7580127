package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sddion/chainbox/pkg/bytecode"
	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/planner"
	"github.com/sddion/chainbox/pkg/registry"
)

// executeRemote dispatches the invocation to the planned node and merges
// the remote trace into the local tree.
func (e *Executor) executeRemote(ctx context.Context, fn string, input any, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, tr *contracts.TraceFrame, plan planner.Plan) (any, error) {
	payload := &contracts.MeshPayload{
		Fn:       fn,
		Input:    input,
		Identity: id,
		Frame:    frame,
		TraceID:  traceID,
	}
	result, err := e.deps.Mesh.Call(ctx, plan.NodeURL, payload)
	if err != nil {
		return nil, err
	}

	if result.Trace != nil {
		e.appendChild(tr, result.Trace)
	}
	tr.Outcome = result.Outcome
	tr.Cached = result.Cached
	if result.Outcome == contracts.OutcomeSuccess {
		tr.Status = contracts.StatusSuccess
	} else {
		tr.Status = contracts.StatusError
	}
	return result.Data, nil
}

// executeLocal resolves, admits, and runs the handler under the remaining
// budget.
func (e *Executor) executeLocal(ctx context.Context, fn string, input any, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, tr *contracts.TraceFrame) (any, error) {
	// 9a. Resolve.
	src, err := e.deps.Registry.Resolve(fn)
	if err != nil {
		return nil, err
	}

	// 9b. Admission.
	if e.deps.Policy != nil {
		if err := e.deps.Policy.Enforce(src.Permissions, id, src.Name); err != nil {
			return nil, err
		}
	}

	// 9c. Context.
	cc := e.buildContext(input, id, traceID, frame, tr)

	handler := src.Handler
	if src.Kind == registry.KindBytecode {
		if e.deps.Bytecode == nil {
			return nil, fault.Newf(fault.CodeInternal, "no bytecode runtime configured for %s", src.Name)
		}
		handler = e.bytecodeHandler(src)
	}
	if handler == nil {
		return nil, fault.Newf(fault.CodeInternal, "capability %s has no handler", src.Name)
	}

	// 9d. Race the handler against the remaining budget.
	remaining := frame.Remaining(e.now())
	if remaining <= 0 {
		return nil, fault.Newf(fault.CodeExecutionTimeout, "budget exhausted before handler start")
	}
	handlerCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := handler(handlerCtx, cc)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-handlerCtx.Done():
		// The handler goroutine is abandoned; its context is cancelled and
		// any nested call it makes will fail the budget gate.
		return nil, fault.Newf(fault.CodeExecutionTimeout, "handler exceeded budget of %dms", frame.TimeoutMs)
	case out := <-done:
		if out.err != nil {
			if handlerCtx.Err() != nil {
				return nil, fault.Newf(fault.CodeExecutionTimeout, "handler exceeded budget of %dms", frame.TimeoutMs)
			}
			return nil, out.err
		}
		return out.value, nil
	}
}

// buildContext assembles the capability surface for one local invocation.
func (e *Executor) buildContext(input any, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, tr *contracts.TraceFrame) *capability.Context {
	params := capability.Params{
		Input:    input,
		Identity: id,
		TraceID:  traceID,
		Frame:    frame,
		Trace:    tr,
		Invoker: &invoker{
			exec:    e,
			id:      id,
			traceID: traceID,
			frame:   frame,
			trace:   tr,
		},
		Adapters: e.deps.Adapters,
		Env:      e.deps.Env,
	}
	if e.deps.Storage != nil {
		ns := namespaceOf(tr.Fn)
		params.KV = e.deps.Storage.Namespace("kv/" + ns)
		params.Blob = e.deps.Storage.Namespace("blob/" + ns)
	}
	if e.deps.DB != nil {
		params.DB = e.deps.DB.ForIdentity(id)
	}
	return capability.New(params)
}

// namespaceOf scopes storage by the capability's first name segment so
// related capabilities share state.
func namespaceOf(fn string) string {
	if i := strings.Index(fn, "."); i > 0 {
		return fn[:i]
	}
	return fn
}

// bytecodeHandler adapts a wasm source to the native handler shape. Nested
// host.call invocations re-enter the Executor through the module's Context.
func (e *Executor) bytecodeHandler(src *registry.Source) capability.Handler {
	return func(ctx context.Context, cc *capability.Context) (any, error) {
		in, err := json.Marshal(cc.Input())
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeExecutionError)
		}
		out, err := e.deps.Bytecode.Invoke(ctx, src.Bytes, in, bytecode.HostFuncs{
			Call: func(ctx context.Context, name string, input []byte) ([]byte, error) {
				var v any
				if len(input) > 0 {
					if err := json.Unmarshal(input, &v); err != nil {
						return nil, err
					}
				}
				res, err := cc.Call(ctx, name, v)
				if err != nil {
					return nil, err
				}
				return json.Marshal(res)
			},
			Log: func(msg string) {
				e.logger.Info("capability log", "fn", src.Name, "msg", msg)
			},
		})
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeExecutionError)
		}
		var value any
		if len(out) > 0 {
			if err := json.Unmarshal(out, &value); err != nil {
				// Modules may return plain text rather than JSON.
				value = string(out)
			}
		}
		return value, nil
	}
}

// invoker backs the Context's Call and Parallel surfaces.
type invoker struct {
	exec    *Executor
	id      *contracts.Identity
	traceID string
	frame   contracts.ExecutionFrame
	trace   *contracts.TraceFrame
}

func (iv *invoker) Call(ctx context.Context, fn string, input any, opts *capability.CallOptions) (any, error) {
	retries := 0
	if opts != nil {
		retries = opts.Retries
	}
	frame := iv.frame
	res, err := iv.exec.Execute(ctx, fn, input, Options{
		Identity:    iv.id,
		TraceID:     iv.traceID,
		ParentFrame: &frame,
		ParentTrace: iv.trace,
		Retries:     retries,
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func (iv *invoker) Parallel(ctx context.Context, calls []contracts.Call) []capability.Result {
	return iv.exec.parallel(ctx, calls, iv.id, iv.traceID, iv.frame, iv.trace)
}

var _ capability.Invoker = (*invoker)(nil)
