package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/planner"
)

// ExecuteParallel fans a list of calls out concurrently from the root,
// planning each, batching per remote node, and running the local subset
// in-process. Results preserve input order; a failed batch fills its slots
// with structured errors without aborting siblings.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []contracts.Call, opts Options) []capability.Result {
	id := opts.Identity
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	frame := e.buildFrame(id, opts, e.now())
	tr := &contracts.TraceFrame{Fn: "parallel", Children: []*contracts.TraceFrame{}}
	return e.parallel(ctx, calls, id, traceID, frame, tr)
}

// parallel implements the shared fan-out used by both the Context surface
// and the batch endpoint.
func (e *Executor) parallel(ctx context.Context, calls []contracts.Call, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, parentTrace *contracts.TraceFrame) []capability.Result {
	results := make([]capability.Result, len(calls))
	for i := range results {
		results[i].Index = i
	}

	// Plan every call up front, grouping remote destinations by node so
	// each node receives a single batch.
	type remoteGroup struct {
		nodeURL string
		indices []int
	}
	groups := make(map[string]*remoteGroup)
	var localIdx []int

	for i, call := range calls {
		plan := planner.Plan{Target: contracts.TargetLocal}
		if !e.deps.NodeMode && e.deps.Planner != nil {
			nodePool := ""
			if e.deps.Tenants != nil {
				nodePool = e.deps.Tenants.Limits(id).NodePool
			}
			var admit func(string) bool
			if e.deps.Breaker != nil {
				admit = e.deps.Breaker.Allow
			}
			plan = e.deps.Planner.Plan(call.Fn, nodePool, admit)
		}
		if plan.Target == contracts.TargetRemote {
			g, ok := groups[plan.NodeID]
			if !ok {
				g = &remoteGroup{nodeURL: plan.NodeURL}
				groups[plan.NodeID] = g
			}
			g.indices = append(g.indices, i)
		} else {
			localIdx = append(localIdx, i)
		}
	}

	var wg sync.WaitGroup

	// One batch per remote node, dispatched concurrently.
	for nodeID, group := range groups {
		wg.Add(1)
		go func(nodeID string, group *remoteGroup) {
			defer wg.Done()
			e.dispatchBatch(ctx, nodeID, group.nodeURL, group.indices, calls, id, traceID, frame, parentTrace, results)
		}(nodeID, group)
	}

	// The local subset runs concurrently alongside the batches.
	for _, i := range localIdx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			childFrame := frame
			res, err := e.Execute(ctx, calls[i].Fn, calls[i].Input, Options{
				Identity:    id,
				TraceID:     traceID,
				ParentFrame: &childFrame,
				ParentTrace: parentTrace,
				ForceLocal:  true,
			})
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Value = res.Value
		}(i)
	}

	wg.Wait()
	return results
}

// dispatchBatch sends one node's share of the fan-out and scatters results
// back into their original slots.
func (e *Executor) dispatchBatch(ctx context.Context, nodeID, nodeURL string, indices []int, calls []contracts.Call, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, parentTrace *contracts.TraceFrame, results []capability.Result) {
	subset := make([]contracts.Call, len(indices))
	for j, i := range indices {
		subset[j] = calls[i]
	}
	batch := &contracts.BatchPayload{
		Calls:    subset,
		Identity: id,
		Frame:    frame.Child(),
		TraceID:  traceID,
	}
	resp, err := e.deps.Mesh.BatchCall(ctx, nodeURL, batch)
	if err != nil {
		// Transport-atomic: one network fault fails the whole batch, but
		// only this batch.
		fe := fault.Wrap(err, fault.CodeMeshCallFailed).WithTraceID(traceID).WithMeta("nodeId", nodeID)
		for _, i := range indices {
			results[i].Err = fe
		}
		return
	}
	for j, i := range indices {
		if j >= len(resp.Results) {
			results[i].Err = fault.Newf(fault.CodeMeshCallFailed, "batch response missing slot %d", j).WithTraceID(traceID)
			continue
		}
		wr, we := contracts.DecodeBatchResult(resp.Results[j])
		if we != nil {
			results[i].Err = fault.FromWire(*we)
			continue
		}
		results[i].Value = wr.Data
		child := &contracts.TraceFrame{
			Fn:       calls[i].Fn,
			Target:   contracts.TargetRemote,
			NodeID:   nodeID,
			Status:   contracts.StatusSuccess,
			Outcome:  wr.Outcome,
			Cached:   wr.Cached,
			Children: []*contracts.TraceFrame{},
		}
		if wr.Trace != nil {
			child.Children = append(child.Children, wr.Trace)
		}
		e.appendChild(parentTrace, child)
	}
}
