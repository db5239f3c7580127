// Package signer authenticates node-to-node requests with HMAC-SHA256 over
// the canonical JSON form of the payload, bound to a timestamp with a
// bounded lifetime.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/sddion/chainbox/pkg/fault"
)

// Header names carried on signed mesh requests.
const (
	SignatureHeader = "X-Chainbox-Signature"
	TimestampHeader = "X-Chainbox-Timestamp"
)

// DefaultTTL is the maximum accepted signature age.
const DefaultTTL = 60 * time.Second

// Signer signs and verifies mesh payloads. With no secret configured,
// signing is a no-op and verification accepts everything.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Signer. A zero ttl uses DefaultTTL.
func New(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.now = clock
	return s
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// Sign produces the signature and timestamp header values for a JSON
// payload. The signature covers "<timestamp>:<canonical_json(payload)>".
func (s *Signer) Sign(payload []byte) (signature, timestamp string, err error) {
	if !s.Enabled() {
		return "", "", nil
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	sig, err := s.compute(payload, ts)
	if err != nil {
		return "", "", err
	}
	return sig, ts, nil
}

// Verify checks a signature produced by Sign. It rejects signatures older
// than the TTL, timestamps from the future beyond clock-skew tolerance, and
// any mismatch under constant-time comparison.
func (s *Signer) Verify(payload []byte, signature, timestamp string) error {
	if !s.Enabled() {
		return nil
	}
	if signature == "" || timestamp == "" {
		return fault.New(fault.CodeInvalidSignature, "missing signature headers")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fault.New(fault.CodeInvalidSignature, "malformed timestamp")
	}
	now := s.now().UnixMilli()
	if now-ts > s.ttl.Milliseconds() {
		return fault.New(fault.CodeInvalidSignature, "signature expired")
	}
	if ts-now > s.ttl.Milliseconds() {
		return fault.New(fault.CodeInvalidSignature, "signature timestamp in the future")
	}
	expected, err := s.compute(payload, timestamp)
	if err != nil {
		return fault.Wrap(err, fault.CodeInvalidSignature)
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fault.New(fault.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

func (s *Signer) compute(payload []byte, timestamp string) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("signer: canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
