// Package policy runs the admission check before handler execution:
// role allow-lists first, then optional CEL expression rules.
package policy

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/registry"
)

// Policy evaluates capability admission. Compiled CEL programs are memoised
// per expression.
type Policy struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// New creates a Policy with `identity` and `fn` bindings available to rules.
func New() (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("fn", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	return &Policy{env: env, programs: make(map[string]cel.Program)}, nil
}

// Enforce admits or rejects one invocation. A declared allow-list requires
// an identity carrying a role present in the list; a declared rule must
// evaluate to true. Violations fail with FORBIDDEN and never consume
// retries.
func (p *Policy) Enforce(perms registry.Permissions, id *contracts.Identity, fn string) error {
	if len(perms.Allow) > 0 {
		if id == nil {
			return fault.Newf(fault.CodeForbidden, "capability %s requires an identity", fn).WithFunction(fn)
		}
		if id.Role == "" {
			return fault.Newf(fault.CodeForbidden, "identity %s has no role", id.ID).WithFunction(fn)
		}
		allowed := false
		for _, role := range perms.Allow {
			if role == id.Role {
				allowed = true
				break
			}
		}
		if !allowed {
			return fault.Newf(fault.CodeForbidden, "role %s not allowed for %s", id.Role, fn).WithFunction(fn)
		}
	}

	if perms.Rule != "" {
		ok, err := p.evaluate(perms.Rule, id, fn)
		if err != nil {
			// A rule that cannot be evaluated admits nobody.
			return fault.Wrap(err, fault.CodeForbidden).WithFunction(fn)
		}
		if !ok {
			return fault.Newf(fault.CodeForbidden, "policy rule rejected %s", fn).WithFunction(fn)
		}
	}
	return nil
}

func (p *Policy) evaluate(rule string, id *contracts.Identity, fn string) (bool, error) {
	prog, err := p.program(rule)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]any{
		"identity": identityBindings(id),
		"fn":       fn,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

func (p *Policy) program(rule string) (cel.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok := p.programs[rule]; ok {
		return prog, nil
	}
	ast, issues := p.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prog, err := p.env.Program(ast)
	if err != nil {
		return nil, err
	}
	p.programs[rule] = prog
	return prog, nil
}

func identityBindings(id *contracts.Identity) map[string]any {
	if id == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"id":    id.ID,
		"email": id.Email,
		"role":  id.Role,
	}
	for k, v := range id.Claims {
		m[k] = v
	}
	return m
}
