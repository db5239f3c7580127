// Package registry resolves dotted capability names to their sources:
// explicitly registered native handlers, or bytecode modules laid out under
// a configured root. First successful resolution is memoised process-wide.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/sddion/chainbox/pkg/capability"
	"github.com/sddion/chainbox/pkg/fault"
)

// Kind tags the variant of a capability source.
type Kind string

const (
	KindNative   Kind = "native"
	KindBytecode Kind = "bytecode"
)

// Permissions restricts who may invoke a capability. An empty Allow list
// admits every caller; a non-empty list requires an identity whose role is
// in the list. Rule optionally carries a CEL expression evaluated with
// `identity` and `fn` bindings.
type Permissions struct {
	Allow []string `json:"allow,omitempty"`
	Rule  string   `json:"rule,omitempty"`
}

// Source is a resolved capability, cached indefinitely keyed by canonical
// name until the registry root changes.
type Source struct {
	Name        string
	Kind        Kind
	Handler     capability.Handler
	Bytes       []byte
	Permissions Permissions
	Version     *semver.Version
}

// Metadata accompanies an explicit registration.
type Metadata struct {
	Permissions Permissions
	Version     string
}

// sidecar is the optional <module>.meta.json next to a bytecode file.
type sidecar struct {
	Allow   []string `json:"allow,omitempty"`
	Rule    string   `json:"rule,omitempty"`
	Version string   `json:"version,omitempty"`
}

// Registry maps capability names to sources.
type Registry struct {
	mu       sync.RWMutex
	root     string
	suffix   string
	explicit map[string]*Source
	resolved map[string]*Source
}

// New creates a Registry. root is the bytecode module directory; suffix is
// the cache marker (".Cached") stripped before resolution.
func New(root, suffix string) *Registry {
	return &Registry{
		root:     root,
		suffix:   suffix,
		explicit: make(map[string]*Source),
		resolved: make(map[string]*Source),
	}
}

// Canonical normalises a capability name: NFC form, cache suffix stripped.
func (r *Registry) Canonical(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if r.suffix != "" {
		name = strings.TrimSuffix(name, r.suffix)
	}
	return name
}

// Register installs a native handler, overriding filesystem lookup.
func (r *Registry) Register(name string, handler capability.Handler, meta Metadata) error {
	canonical := r.Canonical(name)
	if canonical == "" {
		return fault.New(fault.CodeInternal, "empty capability name")
	}
	src := &Source{
		Name:        canonical,
		Kind:        KindNative,
		Handler:     handler,
		Permissions: meta.Permissions,
	}
	if meta.Version != "" {
		v, err := semver.NewVersion(meta.Version)
		if err != nil {
			return fault.Newf(fault.CodeInternal, "capability %s: bad version %q: %v", canonical, meta.Version, err)
		}
		src.Version = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicit[canonical] = src
	delete(r.resolved, canonical)
	return nil
}

// SetRoot changes the bytecode module root and clears the resolution cache.
func (r *Registry) SetRoot(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = dir
	r.resolved = make(map[string]*Source)
}

// Resolve maps a capability name to its Source. A name ending in the cache
// suffix falls back to the bare name. Fails with FUNCTION_NOT_FOUND when no
// source exists.
func (r *Registry) Resolve(name string) (*Source, error) {
	return r.ResolveConstraint(name, "")
}

// ResolveConstraint resolves like Resolve but additionally requires the
// source version to satisfy a semver constraint (e.g. "^1.2"). Sources
// without a version fail closed against a non-empty constraint.
func (r *Registry) ResolveConstraint(name, constraint string) (*Source, error) {
	canonical := r.Canonical(name)

	r.mu.RLock()
	src, ok := r.resolved[canonical]
	r.mu.RUnlock()

	if !ok {
		var err error
		src, err = r.lookup(canonical)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.resolved[canonical] = src
		r.mu.Unlock()
	}

	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fault.Newf(fault.CodeInternal, "bad version constraint %q: %v", constraint, err)
		}
		if src.Version == nil || !c.Check(src.Version) {
			return nil, fault.Newf(fault.CodeFunctionNotFound, "capability %s does not satisfy %s", canonical, constraint).WithFunction(canonical)
		}
	}
	return src, nil
}

func (r *Registry) lookup(canonical string) (*Source, error) {
	r.mu.RLock()
	src, ok := r.explicit[canonical]
	root := r.root
	r.mu.RUnlock()
	if ok {
		return src, nil
	}

	// Dots are path separators under the registry root; the module is a
	// compiled wasm file with an optional meta sidecar.
	if root != "" {
		rel := filepath.Join(strings.Split(canonical, ".")...)
		path := filepath.Join(root, rel+".wasm")
		if data, err := os.ReadFile(path); err == nil {
			src := &Source{Name: canonical, Kind: KindBytecode, Bytes: data}
			if meta, err := os.ReadFile(filepath.Join(root, rel+".meta.json")); err == nil {
				var sc sidecar
				if err := json.Unmarshal(meta, &sc); err == nil {
					src.Permissions = Permissions{Allow: sc.Allow, Rule: sc.Rule}
					if sc.Version != "" {
						if v, err := semver.NewVersion(sc.Version); err == nil {
							src.Version = v
						}
					}
				}
			}
			return src, nil
		}
	}

	return nil, fault.Newf(fault.CodeFunctionNotFound, "capability %s not found", canonical).WithFunction(canonical)
}

// Names returns the explicitly registered capability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.explicit))
	for name := range r.explicit {
		names = append(names, name)
	}
	return names
}
