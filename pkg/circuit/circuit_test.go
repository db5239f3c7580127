package circuit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sddion/chainbox/pkg/circuit"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := circuit.New(2, 30*time.Second, 2)

	assert.True(t, b.Allow("n1"))
	b.RecordFailure("n1")
	assert.Equal(t, circuit.Closed, b.State("n1"))

	b.RecordFailure("n1")
	assert.Equal(t, circuit.Open, b.State("n1"))
	assert.False(t, b.Allow("n1"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := circuit.New(2, 30*time.Second, 2)

	b.RecordFailure("n1")
	b.RecordSuccess("n1")
	b.RecordFailure("n1")
	assert.Equal(t, circuit.Closed, b.State("n1"))
}

func TestBreakerHalfOpenProbeAndClose(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := circuit.New(2, 30*time.Second, 2).WithClock(clock)

	b.RecordFailure("n1")
	b.RecordFailure("n1")
	assert.False(t, b.Allow("n1"))

	// After the open timeout, one probe is admitted.
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("n1"))
	assert.Equal(t, circuit.HalfOpen, b.State("n1"))

	// successThreshold consecutive successes close the circuit.
	b.RecordSuccess("n1")
	assert.Equal(t, circuit.HalfOpen, b.State("n1"))
	b.RecordSuccess("n1")
	assert.Equal(t, circuit.Closed, b.State("n1"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := circuit.New(1, 30*time.Second, 2).WithClock(func() time.Time { return now })

	b.RecordFailure("n1")
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("n1"))

	b.RecordFailure("n1")
	assert.Equal(t, circuit.Open, b.State("n1"))
	assert.False(t, b.Allow("n1"))
}

func TestBreakerStatesArePerNode(t *testing.T) {
	b := circuit.New(1, 30*time.Second, 1)
	b.RecordFailure("n1")
	assert.False(t, b.Allow("n1"))
	assert.True(t, b.Allow("n2"))
}
