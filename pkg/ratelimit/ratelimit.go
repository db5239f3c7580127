// Package ratelimit enforces per-{identity, capability} windowed limits.
// Rules are written "N/second|minute|hour"; namespace wildcards ("X.*")
// apply when no exact rule matches. Only the root call of an invocation
// tree enforces; nested calls skip.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
)

// anonymousKey stands in for callers without an identity.
const anonymousKey = "anonymous"

// Rule is one parsed limit.
type Rule struct {
	Max    int
	Window time.Duration
}

// ParseRule parses "N/second", "N/minute", or "N/hour".
func ParseRule(raw string) (Rule, error) {
	count, unit, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Rule{}, fmt.Errorf("ratelimit: malformed rule %q", raw)
	}
	max, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || max <= 0 {
		return Rule{}, fmt.Errorf("ratelimit: bad count in rule %q", raw)
	}
	var window time.Duration
	switch strings.TrimSpace(unit) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	default:
		return Rule{}, fmt.Errorf("ratelimit: bad unit in rule %q", raw)
	}
	return Rule{Max: max, Window: window}, nil
}

// Decision reports one limiter check.
type Decision struct {
	Allowed bool
	ResetMs int64
}

// Store abstracts the window bucket storage so a fabric can share limits
// across processes.
type Store interface {
	// Take consumes one slot from the key's window under the rule.
	Take(ctx context.Context, key string, rule Rule) (Decision, error)
}

// Limiter applies the configured rules.
type Limiter struct {
	store Store
	def   *Rule
	rules map[string]Rule
	now   func() time.Time
}

// New builds a Limiter. defaultRule may be empty (no default limit); rules
// maps capability names (or "Ns.*" wildcards) to rule strings.
func New(store Store, defaultRule string, rules map[string]string) (*Limiter, error) {
	l := &Limiter{store: store, rules: make(map[string]Rule), now: time.Now}
	if defaultRule != "" {
		r, err := ParseRule(defaultRule)
		if err != nil {
			return nil, err
		}
		l.def = &r
	}
	for name, raw := range rules {
		r, err := ParseRule(raw)
		if err != nil {
			return nil, err
		}
		l.rules[name] = r
	}
	return l, nil
}

// ruleFor picks the most specific rule: exact capability, then namespace
// wildcard, then the default. ok is false when nothing applies.
func (l *Limiter) ruleFor(fn string) (Rule, bool) {
	if r, ok := l.rules[fn]; ok {
		return r, true
	}
	if i := strings.LastIndex(fn, "."); i > 0 {
		if r, ok := l.rules[fn[:i]+".*"]; ok {
			return r, true
		}
	}
	if l.def != nil {
		return *l.def, true
	}
	return Rule{}, false
}

// Key builds the bucket key for one identity and capability.
func Key(id *contracts.Identity, fn string) string {
	who := anonymousKey
	if id != nil && id.ID != "" {
		who = id.ID
	}
	return who + ":" + fn
}

// IsAllowed checks the window without raising.
func (l *Limiter) IsAllowed(ctx context.Context, id *contracts.Identity, fn string) (Decision, error) {
	rule, ok := l.ruleFor(fn)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	return l.store.Take(ctx, Key(id, fn), rule)
}

// Enforce raises RATE_LIMITED carrying resetMs when the window is exhausted.
// Limiter rejections are terminal for the attempt and are never retried.
func (l *Limiter) Enforce(ctx context.Context, id *contracts.Identity, fn string) error {
	d, err := l.IsAllowed(ctx, id, fn)
	if err != nil {
		// The limiter store failing must not take the fabric down with it.
		return nil
	}
	if !d.Allowed {
		return fault.Newf(fault.CodeRateLimited, "rate limit exceeded for %s", fn).
			WithFunction(fn).
			WithMeta("resetMs", d.ResetMs)
	}
	return nil
}
