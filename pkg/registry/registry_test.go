package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/registry"
)

func noopHandler(ctx context.Context, cc *capability.Context) (any, error) {
	return nil, nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := registry.New("", ".Cached")
	require.NoError(t, r.Register("User.Create", noopHandler, registry.Metadata{}))

	src, err := r.Resolve("User.Create")
	require.NoError(t, err)
	assert.Equal(t, registry.KindNative, src.Kind)
	assert.Equal(t, "User.Create", src.Name)
	assert.NotNil(t, src.Handler)
}

func TestResolveNotFound(t *testing.T) {
	r := registry.New("", ".Cached")
	_, err := r.Resolve("No.Such")
	require.Error(t, err)
	assert.Equal(t, fault.CodeFunctionNotFound, fault.CodeOf(err))
}

func TestCachedSuffixFallsBackToBareName(t *testing.T) {
	r := registry.New("", ".Cached")
	require.NoError(t, r.Register("Price.Quote", noopHandler, registry.Metadata{}))

	src, err := r.Resolve("Price.Quote.Cached")
	require.NoError(t, err)
	assert.Equal(t, "Price.Quote", src.Name)
}

func TestBytecodeLookupUnderRoot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Heavy")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Crunch.wasm"), wasm, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Crunch.meta.json"),
		[]byte(`{"allow":["worker"],"version":"1.2.0"}`), 0o644))

	r := registry.New(root, ".Cached")
	src, err := r.Resolve("Heavy.Crunch")
	require.NoError(t, err)
	assert.Equal(t, registry.KindBytecode, src.Kind)
	assert.Equal(t, wasm, src.Bytes)
	assert.Equal(t, []string{"worker"}, src.Permissions.Allow)
	require.NotNil(t, src.Version)
	assert.Equal(t, "1.2.0", src.Version.String())
}

func TestExplicitRegistrationOverridesFilesystem(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "X.wasm"), []byte{0}, 0o644))

	r := registry.New(root, ".Cached")
	require.NoError(t, r.Register("X", noopHandler, registry.Metadata{}))

	src, err := r.Resolve("X")
	require.NoError(t, err)
	assert.Equal(t, registry.KindNative, src.Kind)
}

func TestResolutionIsMemoised(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "Once.wasm")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))

	r := registry.New(root, ".Cached")
	_, err := r.Resolve("Once")
	require.NoError(t, err)

	// Removing the file does not affect the memoised source.
	require.NoError(t, os.Remove(path))
	_, err = r.Resolve("Once")
	assert.NoError(t, err)
}

func TestSetRootClearsCache(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "Gone.wasm")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))

	r := registry.New(root, ".Cached")
	_, err := r.Resolve("Gone")
	require.NoError(t, err)

	r.SetRoot(t.TempDir())
	_, err = r.Resolve("Gone")
	require.Error(t, err)
	assert.Equal(t, fault.CodeFunctionNotFound, fault.CodeOf(err))
}

func TestVersionConstraint(t *testing.T) {
	r := registry.New("", ".Cached")
	require.NoError(t, r.Register("Api.V1", noopHandler, registry.Metadata{Version: "1.4.2"}))

	_, err := r.ResolveConstraint("Api.V1", "^1.2")
	assert.NoError(t, err)

	_, err = r.ResolveConstraint("Api.V1", "^2.0")
	require.Error(t, err)
	assert.Equal(t, fault.CodeFunctionNotFound, fault.CodeOf(err))

	// Unversioned sources fail closed against a constraint.
	require.NoError(t, r.Register("Api.V0", noopHandler, registry.Metadata{}))
	_, err = r.ResolveConstraint("Api.V0", "^1.0")
	assert.Error(t, err)
}

func TestBadVersionRejectedAtRegister(t *testing.T) {
	r := registry.New("", ".Cached")
	err := r.Register("Bad", noopHandler, registry.Metadata{Version: "not-semver"})
	assert.Error(t, err)
}
