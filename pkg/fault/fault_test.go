package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
)

func TestCodeOf(t *testing.T) {
	err := fault.New(fault.CodeRateLimited, "slow down")
	assert.Equal(t, fault.CodeRateLimited, fault.CodeOf(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, fault.CodeRateLimited, fault.CodeOf(wrapped))

	assert.Equal(t, fault.CodeExecutionError, fault.CodeOf(errors.New("plain")))
}

func TestWrapPreservesExistingFault(t *testing.T) {
	inner := fault.New(fault.CodeForbidden, "nope")
	outer := fault.Wrap(fmt.Errorf("ctx: %w", inner), fault.CodeExecutionError)
	assert.Equal(t, fault.CodeForbidden, outer.Code)

	assert.Nil(t, fault.Wrap(nil, fault.CodeInternal))
}

func TestOutcomeMapping(t *testing.T) {
	cases := map[fault.Code]contracts.Outcome{
		fault.CodeExecutionTimeout: contracts.OutcomeTimeout,
		fault.CodeCircuitOpen:      contracts.OutcomeCircuitOpen,
		fault.CodeForbidden:        contracts.OutcomeForbidden,
		fault.CodeAccessDenied:     contracts.OutcomeForbidden,
		fault.CodeFunctionNotFound: contracts.OutcomeNotFound,
		fault.CodeExecutionError:   contracts.OutcomeFailure,
		fault.CodeMeshCallFailed:   contracts.OutcomeFailure,
		fault.CodeRateLimited:      contracts.OutcomeFailure,
	}
	for code, want := range cases {
		assert.Equal(t, want, fault.OutcomeFor(code), string(code))
	}
}

func TestRetryable(t *testing.T) {
	for _, code := range []fault.Code{
		fault.CodeForbidden, fault.CodeAccessDenied, fault.CodeMaxCallDepth,
		fault.CodeRateLimited, fault.CodeTenantQuotaExceeded,
		fault.CodeUnauthorized, fault.CodeCircuitOpen,
	} {
		assert.False(t, fault.Retryable(code), string(code))
	}
	for _, code := range []fault.Code{
		fault.CodeExecutionError, fault.CodeExecutionTimeout, fault.CodeMeshCallFailed,
	} {
		assert.True(t, fault.Retryable(code), string(code))
	}
}

func TestWireRoundTrip(t *testing.T) {
	fe := fault.New(fault.CodeRateLimited, "window exhausted").
		WithFunction("User.Create").
		WithTraceID("t-1").
		WithMeta("resetMs", int64(420))

	wire := fe.Wire()
	assert.Equal(t, "RATE_LIMITED", wire.Error)
	assert.Equal(t, "User.Create", wire.Function)

	back := fault.FromWire(wire)
	assert.Equal(t, fe.Code, back.Code)
	assert.Equal(t, fe.Message, back.Message)
	assert.Equal(t, fe.TraceID, back.TraceID)
}

func TestErrorString(t *testing.T) {
	fe := fault.New(fault.CodeForbidden, "no").WithFunction("X.Y")
	require.Contains(t, fe.Error(), "FORBIDDEN")
	require.Contains(t, fe.Error(), "X.Y")
}
