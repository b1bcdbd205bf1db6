package compute

import (
	"fmt"
	"sort"
	"sync"

	"lattice-backend/internal/metadata"
)

// Ref names one field of one table.
type Ref struct {
	Table string
	Field string
}

func (r Ref) String() string { return r.Table + "." + r.Field }

// EdgeKind distinguishes same-table formula edges from edges that traverse a
// link field into another table. Traversal code never needs to ask "is this
// a link" — the kind is explicit on the edge.
type EdgeKind int

const (
	EdgeSameTable EdgeKind = iota
	EdgeForeign
)

// Edge is one directed dependency: a change to From requires recomputing To.
type Edge struct {
	From Ref
	To   Ref
	Kind EdgeKind
	Link string // link field the dependency traverses, for EdgeForeign
}

// Graph is the dependency graph store. It is the sole owner of edges; every
// other component sees read-only snapshots. Edges are denormalized in both
// directions so DependentsOf is a map lookup. Mutations are serialized by a
// single writer lock and bump a monotonic version so planners can detect a
// stale snapshot.
type Graph struct {
	mu      sync.RWMutex
	version uint64
	out     map[Ref][]Edge // source -> edges to dependents
	in      map[Ref][]Edge // dependent -> edges from its sources
}

func NewGraph() *Graph {
	return &Graph{
		out: make(map[Ref][]Edge),
		in:  make(map[Ref][]Edge),
	}
}

// Version returns the current graph version.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// inboundEdges derives the dependency edges implied by a derived field's
// reference set, resolving link bindings through the registry.
func inboundEdges(f *metadata.Field, reg *metadata.Registry) ([]Edge, error) {
	return inboundEdgesResolved(f, reg.GetField)
}

// inboundEdgesResolved is inboundEdges with a pluggable link lookup, so a
// link rebind can derive edges against a binding the registry does not hold
// yet.
func inboundEdgesResolved(f *metadata.Field, lookup func(string) *metadata.Field) ([]Edge, error) {
	to := Ref{Table: f.Table, Field: f.ID}

	switch f.Kind {
	case metadata.KindFormula:
		edges := make([]Edge, 0, len(f.References))
		for _, ref := range f.References {
			edges = append(edges, Edge{From: Ref{Table: f.Table, Field: ref}, To: to, Kind: EdgeSameTable})
		}
		return edges, nil

	case metadata.KindRollup, metadata.KindLookup:
		link := lookup(f.LinkField)
		if link == nil || link.Kind != metadata.KindLink {
			return nil, fmt.Errorf("field %s: link field %s not found", f.ID, f.LinkField)
		}
		return []Edge{
			// Membership of the local link set changes the aggregate.
			{From: Ref{Table: f.Table, Field: f.LinkField}, To: to, Kind: EdgeSameTable},
			// The aggregated value in the target table changes the aggregate.
			{From: Ref{Table: link.TargetTable, Field: f.ForeignField}, To: to, Kind: EdgeForeign, Link: f.LinkField},
		}, nil

	case metadata.KindLinkAggregate:
		link := lookup(f.LinkField)
		if link == nil || link.Kind != metadata.KindLink {
			return nil, fmt.Errorf("field %s: link field %s not found", f.ID, f.LinkField)
		}
		if link.TargetTable != f.Table {
			return nil, fmt.Errorf("field %s: link field %s does not target table %s", f.ID, f.LinkField, f.Table)
		}
		return []Edge{
			// The foreign table's link membership decides which records feed in.
			{From: Ref{Table: link.Table, Field: f.LinkField}, To: to, Kind: EdgeForeign, Link: f.LinkField},
			{From: Ref{Table: link.Table, Field: f.ForeignField}, To: to, Kind: EdgeForeign, Link: f.LinkField},
		}, nil

	case metadata.KindPrimitive, metadata.KindLink:
		return nil, nil
	}
	return nil, fmt.Errorf("field %s: unhandled kind %s", f.ID, f.Kind)
}

// AddField registers a derived field's edges. Fails with ErrCyclicDependency
// and leaves the graph unchanged if the reference set would reach back to
// the field itself.
func (g *Graph) AddField(f *metadata.Field, reg *metadata.Registry) error {
	edges, err := inboundEdges(f, reg)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	target := Ref{Table: f.Table, Field: f.ID}
	if g.wouldCycleLocked(target, edges) {
		return fmt.Errorf("field %s: %w", f.ID, ErrCyclicDependency)
	}
	g.commitEdgesLocked(target, edges)
	return nil
}

// UpdateReferences replaces a field's inbound edges with the set implied by
// its (changed) definition. Validation happens before anything is removed:
// on cycle detection the existing edges stay intact.
//
// A link field carries no inbound edges of its own, but every rollup, lookup
// and link-aggregate bound to it embeds its target table in a foreign edge,
// so updating a link rebuilds their edge sets wholesale against the new
// binding.
func (g *Graph) UpdateReferences(f *metadata.Field, reg *metadata.Registry) error {
	if f.Kind == metadata.KindLink {
		return g.rebindLink(f, reg)
	}

	edges, err := inboundEdges(f, reg)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	target := Ref{Table: f.Table, Field: f.ID}
	if g.wouldCycleLocked(target, edges) {
		return fmt.Errorf("field %s: %w", f.ID, ErrCyclicDependency)
	}
	g.removeInboundLocked(target)
	g.commitEdgesLocked(target, edges)
	return nil
}

// rebindLink re-derives the edges of every derived field bound to the link,
// resolving the link through the new definition rather than the registry,
// which still holds the old binding at this point. All rebuilds are validated
// before any edge is removed. A dependent the new binding no longer supports
// (a link-aggregate whose link stopped targeting its table) loses its edges;
// its next evaluation surfaces the break as an error value.
func (g *Graph) rebindLink(link *metadata.Field, reg *metadata.Registry) error {
	lookup := func(id string) *metadata.Field {
		if id == link.ID {
			return link
		}
		return reg.GetField(id)
	}

	type rebuild struct {
		target Ref
		edges  []Edge
	}
	var rebuilds []rebuild
	for _, f := range reg.AllFields() {
		if !f.Derived() || f.LinkField != link.ID {
			continue
		}
		target := Ref{Table: f.Table, Field: f.ID}
		edges, err := inboundEdgesResolved(f, lookup)
		if err != nil {
			rebuilds = append(rebuilds, rebuild{target: target})
			continue
		}
		rebuilds = append(rebuilds, rebuild{target: target, edges: edges})
	}
	if len(rebuilds) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range rebuilds {
		if g.wouldCycleLocked(r.target, r.edges) {
			return fmt.Errorf("field %s: %w", r.target.Field, ErrCyclicDependency)
		}
	}
	for _, r := range rebuilds {
		g.removeInboundLocked(r.target)
		g.commitEdgesLocked(r.target, r.edges)
	}
	return nil
}

// RemoveField drops every edge touching the field, in both directions.
func (g *Graph) RemoveField(table, fieldID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := Ref{Table: table, Field: fieldID}
	g.removeInboundLocked(ref)

	// Outbound edges: dependents keep their definitions but lose the edge;
	// their next evaluation resolves the missing source to a broken
	// reference error value.
	for _, e := range g.out[ref] {
		g.in[e.To] = removeEdges(g.in[e.To], ref, e.To)
	}
	delete(g.out, ref)
	g.version++
}

// HasCycle reports whether binding the proposed reference set to the field
// would create a cycle. Read-only; used by the admin surface to reject a
// definition before committing it.
func (g *Graph) HasCycle(f *metadata.Field, reg *metadata.Registry) (bool, error) {
	edges, err := inboundEdges(f, reg)
	if err != nil {
		return false, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.wouldCycleLocked(Ref{Table: f.Table, Field: f.ID}, edges), nil
}

// DependentsOf returns every field with an edge from the given source,
// deduplicated and sorted.
func (g *Graph) DependentsOf(table, fieldID string) []Ref {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return dependentsFrom(g.out, Ref{Table: table, Field: fieldID})
}

// Rebuild replaces all edges from the registry's current field definitions.
// Used at startup. A definition that cannot be edged (broken link binding or
// a persisted cycle) is skipped so one bad field does not block boot.
func (g *Graph) Rebuild(reg *metadata.Registry) []error {
	g.mu.Lock()
	g.out = make(map[Ref][]Edge)
	g.in = make(map[Ref][]Edge)
	g.version++
	g.mu.Unlock()

	var errs []error
	for _, f := range reg.AllFields() {
		if !f.Derived() {
			continue
		}
		if err := g.AddField(f, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Snapshot is an immutable copy of the dependents index, taken at one graph
// version. Planners traverse the snapshot so concurrent structural changes
// cannot produce a half-old half-new plan.
type Snapshot struct {
	Version uint64
	out     map[Ref][]Edge
}

// Snapshot copies the dependents index under the read lock.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Ref][]Edge, len(g.out))
	for ref, edges := range g.out {
		out[ref] = append([]Edge(nil), edges...)
	}
	return &Snapshot{Version: g.version, out: out}
}

// DependentsOf returns the dependents of a source within the snapshot.
func (s *Snapshot) DependentsOf(table, fieldID string) []Ref {
	return dependentsFrom(s.out, Ref{Table: table, Field: fieldID})
}

// EdgesFrom returns the snapshot's outbound edges for a source.
func (s *Snapshot) EdgesFrom(ref Ref) []Edge {
	return s.out[ref]
}

func dependentsFrom(out map[Ref][]Edge, source Ref) []Ref {
	edges := out[source]
	if len(edges) == 0 {
		return nil
	}
	seen := make(map[Ref]bool, len(edges))
	refs := make([]Ref, 0, len(edges))
	for _, e := range edges {
		if !seen[e.To] {
			seen[e.To] = true
			refs = append(refs, e.To)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Table != refs[j].Table {
			return refs[i].Table < refs[j].Table
		}
		return refs[i].Field < refs[j].Field
	})
	return refs
}

// wouldCycleLocked checks whether any proposed source is reachable from the
// target by following existing dependent edges. If it is, the new edge
// closes a loop.
func (g *Graph) wouldCycleLocked(target Ref, proposed []Edge) bool {
	sources := make(map[Ref]bool, len(proposed))
	for _, e := range proposed {
		if e.From == target {
			return true // direct self-reference
		}
		sources[e.From] = true
	}
	if len(sources) == 0 {
		return false
	}

	visited := map[Ref]bool{target: true}
	queue := []Ref{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if sources[e.To] {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

func (g *Graph) commitEdgesLocked(target Ref, edges []Edge) {
	for _, e := range edges {
		g.out[e.From] = append(g.out[e.From], e)
		g.in[target] = append(g.in[target], e)
	}
	g.version++
}

func (g *Graph) removeInboundLocked(target Ref) {
	for _, e := range g.in[target] {
		g.out[e.From] = removeEdges(g.out[e.From], e.From, target)
		if len(g.out[e.From]) == 0 {
			delete(g.out, e.From)
		}
	}
	delete(g.in, target)
}

func removeEdges(edges []Edge, from, to Ref) []Edge {
	kept := edges[:0]
	for _, e := range edges {
		if e.From == from && e.To == to {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
