package fabric_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/config"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/executor"
	"github.com/sddion/chainbox/pkg/fabric"
	"github.com/sddion/chainbox/pkg/registry"
)

func newFabric(t *testing.T) *fabric.Fabric {
	t.Helper()
	t.Setenv("CHAINBOX_STORAGE_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	f, err := fabric.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestFabricWiresEveryComponent(t *testing.T) {
	f := newFabric(t)

	assert.NotNil(t, f.Registry)
	assert.NotNil(t, f.Policy)
	assert.NotNil(t, f.Limiter)
	assert.NotNil(t, f.Tenants)
	assert.NotNil(t, f.Cache)
	assert.NotNil(t, f.Signer)
	assert.NotNil(t, f.Breaker)
	assert.NotNil(t, f.Planner)
	assert.NotNil(t, f.Mesh)
	assert.NotNil(t, f.Bytecode)
	assert.NotNil(t, f.Adapters)
	assert.NotNil(t, f.Storage)
	assert.NotNil(t, f.Telemetry)
	assert.NotNil(t, f.Audit)
	assert.NotNil(t, f.Executor)
}

func TestTwoFabricsShareNoState(t *testing.T) {
	a := newFabric(t)
	b := newFabric(t)

	err := a.Registry.Register("Only.InA", func(ctx context.Context, cc *capability.Context) (any, error) {
		return 1, nil
	}, registry.Metadata{})
	require.NoError(t, err)

	_, err = a.Executor.Execute(context.Background(), "Only.InA", nil, executor.Options{})
	assert.NoError(t, err)

	_, err = b.Executor.Execute(context.Background(), "Only.InA", nil, executor.Options{})
	assert.Error(t, err)
}

func TestFabricExecutesWithStorage(t *testing.T) {
	f := newFabric(t)

	err := f.Registry.Register("Note.Put", func(ctx context.Context, cc *capability.Context) (any, error) {
		in := cc.Input().(map[string]any)
		if err := cc.KV().Set(ctx, in["key"].(string), []byte(in["value"].(string))); err != nil {
			return nil, err
		}
		return true, nil
	}, registry.Metadata{})
	require.NoError(t, err)
	err = f.Registry.Register("Note.Get", func(ctx context.Context, cc *capability.Context) (any, error) {
		in := cc.Input().(map[string]any)
		data, ok, err := cc.KV().Get(ctx, in["key"].(string))
		if err != nil || !ok {
			return nil, err
		}
		return string(data), nil
	}, registry.Metadata{})
	require.NoError(t, err)

	_, err = f.Executor.Execute(context.Background(), "Note.Put",
		map[string]any{"key": "k1", "value": "hello"}, executor.Options{})
	require.NoError(t, err)

	res, err := f.Executor.Execute(context.Background(), "Note.Get",
		map[string]any{"key": "k1"}, executor.Options{})
	require.NoError(t, err)
	// Note.Put and Note.Get share the "Note" storage namespace.
	assert.Equal(t, "hello", res.Value)
	assert.Equal(t, contracts.OutcomeSuccess, res.Outcome)
}
