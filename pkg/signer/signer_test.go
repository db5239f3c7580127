package signer_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/signer"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := signer.New("secret", 0)
	payload := []byte(`{"fn":"Math.Add","input":{"a":2,"b":3}}`)

	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	require.NotEmpty(t, ts)

	assert.NoError(t, s.Verify(payload, sig, ts))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := signer.New("secret", 0)
	payload := []byte(`{"fn":"Math.Add","input":{"a":2,"b":3}}`)
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	tampered := []byte(`{"fn":"Math.Add","input":{"a":2,"b":4}}`)
	err = s.Verify(tampered, sig, ts)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := signer.New("secret", 0)
	payload := []byte(`{"fn":"X","input":null}`)
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	// Flip one hex digit.
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	err = s.Verify(payload, string(flipped), ts)
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestVerifyRejectsExpiredTimestamp(t *testing.T) {
	now := time.Now()
	s := signer.New("secret", 60*time.Second).WithClock(func() time.Time { return now })
	payload := []byte(`{"fn":"X"}`)
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	err = s.Verify(payload, sig, ts)
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	now := time.Now()
	s := signer.New("secret", 60*time.Second).WithClock(func() time.Time { return now })
	payload := []byte(`{"fn":"X"}`)
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	now = now.Add(-61 * time.Second)
	err = s.Verify(payload, sig, ts)
	assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := signer.New("secret-a", 0)
	b := signer.New("secret-b", 0)
	payload := []byte(`{"fn":"X"}`)
	sig, ts, err := a.Sign(payload)
	require.NoError(t, err)

	assert.Error(t, b.Verify(payload, sig, ts))
}

func TestNoSecretIsNoOp(t *testing.T) {
	s := signer.New("", 0)
	sig, ts, err := s.Sign([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, sig)
	assert.Empty(t, ts)
	assert.NoError(t, s.Verify([]byte(`{}`), "", ""))
}

func TestCanonicalizationIsKeyOrderInsensitive(t *testing.T) {
	s := signer.New("secret", 0)
	sig1, ts, err := s.Sign([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.NoError(t, s.Verify([]byte(`{"b":2,"a":1}`), sig1, ts))
}

func TestSignVerifyProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("any payload signed with a secret verifies with the same secret",
		prop.ForAll(
			func(secret, field string, value int) bool {
				s := signer.New(secret, 0)
				payload := []byte(`{"` + field + `":` + strconv.Itoa(value) + `}`)
				sig, ts, err := s.Sign(payload)
				if err != nil {
					return false
				}
				return s.Verify(payload, sig, ts) == nil
			},
			gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
			gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
			gen.Int(),
		))

	properties.TestingRun(t)
}
