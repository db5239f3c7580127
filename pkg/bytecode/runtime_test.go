package bytecode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/bytecode"
)

func TestInvokeRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	r := bytecode.NewRuntime(ctx, bytecode.Config{}, nil)
	defer r.Close(ctx)

	_, err := r.Invoke(ctx, []byte{0x00, 0x01, 0x02}, []byte(`{}`), bytecode.HostFuncs{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compilation failed")
}

func TestInvokeRequiresMainExport(t *testing.T) {
	ctx := context.Background()
	r := bytecode.NewRuntime(ctx, bytecode.Config{}, nil)
	defer r.Close(ctx)

	// A syntactically valid empty module: magic + version, no exports.
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := r.Invoke(ctx, empty, []byte(`{}`), bytecode.HostFuncs{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main")
}
