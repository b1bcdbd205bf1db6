package compute

import (
	"context"
	"fmt"
	"sort"
)

// Plan is an ordered, deduplicated sequence of recomputation units. For any
// two units where A depends on B, B comes first. Scoped to one triggering
// transaction and discarded after apply.
type Plan struct {
	Units        []Seed
	GraphVersion uint64
}

// BuildPlan expands dirty seeds through the snapshot's dependent edges into
// a total recomputation order.
//
// Expansion is breadth-first with a visited set keyed by the full
// (table, record, field) unit, so a unit reachable via multiple paths is
// scheduled exactly once. Ordering is Kahn's algorithm over the induced
// subgraph; independent units break ties by (table, record, field) so plans
// are reproducible. A residual cycle — possible if concurrent field edits
// raced past definition-time validation — fails the whole plan closed.
func BuildPlan(ctx context.Context, seeds []Seed, snap *Snapshot, resolver *Extractor) (*Plan, error) {
	visited := make(map[Seed]bool, len(seeds))
	adj := make(map[Seed][]Seed)
	indegree := make(map[Seed]int, len(seeds))

	var queue []Seed
	for _, s := range seeds {
		if !visited[s] {
			visited[s] = true
			indegree[s] = 0
			queue = append(queue, s)
		}
	}

	for len(queue) > 0 {
		unit := queue[0]
		queue = queue[1:]

		deps, err := resolver.DependentUnits(ctx, snap, unit)
		if err != nil {
			return nil, fmt.Errorf("expand %s/%s.%s: %w", unit.Table, unit.Record, unit.Field, err)
		}
		for _, dep := range deps {
			adj[unit] = append(adj[unit], dep)
			indegree[dep]++
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	// Kahn's algorithm with a deterministically ordered ready set.
	var ready []Seed
	for unit, deg := range indegree {
		if deg == 0 {
			ready = append(ready, unit)
		}
	}
	sortSeeds(ready)

	ordered := make([]Seed, 0, len(indegree))
	for len(ready) > 0 {
		unit := ready[0]
		ready = ready[1:]
		ordered = append(ordered, unit)

		var unlocked []Seed
		for _, dep := range adj[unit] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sortSeeds(ready)
		}
	}

	if len(ordered) != len(indegree) {
		return nil, fmt.Errorf("plan over %d units stalled at %d: %w", len(indegree), len(ordered), ErrCyclicDependency)
	}

	return &Plan{Units: ordered, GraphVersion: snap.Version}, nil
}

func sortSeeds(seeds []Seed) {
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].less(seeds[j]) })
}
