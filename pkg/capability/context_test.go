package capability_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
)

func TestAmbientHTTPIsDenied(t *testing.T) {
	cc := capability.New(capability.Params{})

	_, err := cc.HTTP().Get("http://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestAdapterProvidedHTTPIsAllowedThrough(t *testing.T) {
	custom := &http.Client{}
	cc := capability.New(capability.Params{HTTP: custom})
	assert.Same(t, custom, cc.HTTP())
}

func TestAdapterNotFound(t *testing.T) {
	cc := capability.New(capability.Params{})
	_, err := cc.Adapter("mail")
	require.Error(t, err)
	assert.Equal(t, fault.CodeAdapterNotFound, fault.CodeOf(err))
}

func TestDBWithoutAdapter(t *testing.T) {
	cc := capability.New(capability.Params{})
	_, err := cc.DB()
	require.Error(t, err)
	assert.Equal(t, fault.CodeAdapterNotFound, fault.CodeOf(err))
}

func TestEnvIsReadOnlyView(t *testing.T) {
	cc := capability.New(capability.Params{Env: map[string]string{"REGION": "eu-1"}})

	v, ok := cc.Env("REGION")
	assert.True(t, ok)
	assert.Equal(t, "eu-1", v)

	_, ok = cc.Env("MISSING")
	assert.False(t, ok)
}

func TestAccessors(t *testing.T) {
	id := &contracts.Identity{ID: "u1"}
	tr := &contracts.TraceFrame{Fn: "X"}
	frame := contracts.ExecutionFrame{Depth: 2, MaxDepth: 5}
	cc := capability.New(capability.Params{
		Input:    "payload",
		Identity: id,
		TraceID:  "t-9",
		Frame:    frame,
		Trace:    tr,
	})

	assert.Equal(t, "payload", cc.Input())
	assert.Same(t, id, cc.Identity())
	assert.Equal(t, "t-9", cc.TraceID())
	assert.Same(t, tr, cc.Trace())
	assert.Equal(t, frame, cc.Frame())
}

type stubInvoker struct {
	calls []string
}

func (s *stubInvoker) Call(ctx context.Context, fn string, input any, opts *capability.CallOptions) (any, error) {
	s.calls = append(s.calls, fn)
	return "ok", nil
}

func (s *stubInvoker) Parallel(ctx context.Context, calls []contracts.Call) []capability.Result {
	out := make([]capability.Result, len(calls))
	for i := range calls {
		out[i] = capability.Result{Index: i, Value: calls[i].Fn}
	}
	return out
}

func TestCallAndParallelDelegate(t *testing.T) {
	inv := &stubInvoker{}
	cc := capability.New(capability.Params{Invoker: inv})

	v, err := cc.Call(context.Background(), "A.B", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []string{"A.B"}, inv.calls)

	results := cc.Parallel(context.Background(), []contracts.Call{{Fn: "X"}, {Fn: "Y"}})
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "Y", results[1].Value)
}
