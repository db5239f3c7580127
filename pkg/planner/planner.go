// Package planner decides where each capability runs: in-process or on a
// peer node picked from the route table, with node health tracked from mesh
// outcomes.
package planner

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sddion/chainbox/pkg/config"
	"github.com/sddion/chainbox/pkg/contracts"
)

// Plan is the routing decision for one invocation.
type Plan struct {
	Target  contracts.Target
	NodeID  string
	NodeURL string
}

// route is one compiled pattern→nodes rule. Routes match in configuration
// order; the first match wins.
type route struct {
	pattern string
	re      *regexp.Regexp
	nodeIDs []string
}

// Planner owns the node table and the route list.
type Planner struct {
	mu     sync.RWMutex
	nodes  map[string]*contracts.MeshNode
	routes []route
	rng    *rand.Rand
	now    func() time.Time
}

// New builds a Planner from configured nodes and routes. Nodes start
// healthy.
func New(nodes map[string]string, rules []config.RouteRule) (*Planner, error) {
	p := &Planner{
		nodes: make(map[string]*contracts.MeshNode, len(nodes)),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
	for id, url := range nodes {
		p.nodes[id] = &contracts.MeshNode{ID: id, URL: url, Healthy: true}
	}
	for _, rule := range rules {
		re, err := compileGlob(rule.Pattern)
		if err != nil {
			return nil, err
		}
		p.routes = append(p.routes, route{pattern: rule.Pattern, re: re, nodeIDs: rule.NodeIDs})
	}
	return p, nil
}

// compileGlob turns a dotted glob ("Heavy.*") into an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.Compile("^" + escaped + "$")
}

// Plan picks the destination for fn. nodePool, when non-empty, restricts
// candidates to healthy nodes whose id starts with that prefix. admit, when
// non-nil, may re-admit an unhealthy node for a probe (the circuit
// breaker's half-open window).
func (p *Planner) Plan(fn string, nodePool string, admit func(nodeID string) bool) Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if nodePool != "" {
		var pool []*contracts.MeshNode
		for _, n := range p.nodes {
			if strings.HasPrefix(n.ID, nodePool) && n.Healthy {
				pool = append(pool, n)
			}
		}
		if n := p.pickLocked(pool, nil, admit); n != nil {
			return Plan{Target: contracts.TargetRemote, NodeID: n.ID, NodeURL: n.URL}
		}
	}

	for _, r := range p.routes {
		if !r.re.MatchString(fn) {
			continue
		}
		var healthy, all []*contracts.MeshNode
		for _, id := range r.nodeIDs {
			n, ok := p.nodes[id]
			if !ok {
				continue
			}
			all = append(all, n)
			if n.Healthy {
				healthy = append(healthy, n)
			}
		}
		if n := p.pickLocked(healthy, all, admit); n != nil {
			return Plan{Target: contracts.TargetRemote, NodeID: n.ID, NodeURL: n.URL}
		}
		// Route matched but every node is down and nothing is probing:
		// run locally rather than failing the call outright.
		return Plan{Target: contracts.TargetLocal}
	}

	return Plan{Target: contracts.TargetLocal}
}

// pickLocked random-selects among healthy nodes, falling back to an
// admit-approved probe of an unhealthy one.
func (p *Planner) pickLocked(healthy, all []*contracts.MeshNode, admit func(string) bool) *contracts.MeshNode {
	if len(healthy) > 0 {
		return healthy[p.rng.Intn(len(healthy))]
	}
	if admit != nil {
		for _, n := range all {
			if admit(n.ID) {
				return n
			}
		}
	}
	return nil
}

// MarkHealthy records a successful mesh outcome for the node.
func (p *Planner) MarkHealthy(nodeID string) {
	p.setHealth(nodeID, true)
}

// MarkUnhealthy excludes the node from planning until the circuit breaker
// re-admits it.
func (p *Planner) MarkUnhealthy(nodeID string) {
	p.setHealth(nodeID, false)
}

func (p *Planner) setHealth(nodeID string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[nodeID]; ok {
		n.Healthy = healthy
		n.LastCheck = p.now().UnixMilli()
	}
}

// NodeIDForURL maps a node URL back to its id.
func (p *Planner) NodeIDForURL(url string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if n.URL == url {
			return n.ID
		}
	}
	return ""
}

// Nodes snapshots the node table.
func (p *Planner) Nodes() []contracts.MeshNode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]contracts.MeshNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, *n)
	}
	return out
}
