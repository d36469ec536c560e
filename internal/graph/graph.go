// Package graph provides cycle detection and topological ordering over a
// single cluster's relationship set. It never mutates anything: callers pass
// the relationship slice and the member id set, and get back an answer.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docpulse/docpulse/internal/store"
)

// CycleError reports that the induced relationship subgraph contains a
// directed cycle. FactIDs lists the members still caught in a cycle after
// every cycle-free node has been peeled off, in ascending id order.
type CycleError struct {
	ClusterID string
	FactIDs   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in cluster %s involving facts [%s]",
		e.ClusterID, strings.Join(e.FactIDs, ", "))
}

// node colors for the iterative depth-first scan.
const (
	white = iota // unvisited
	gray         // on the traversal stack
	black        // fully explored
)

// HasCycle reports whether the relationships, restricted to factIDs, form a
// directed cycle. Edges touching non-member facts are ignored; a self-loop
// counts as a cycle. The traversal is iterative with an explicit stack, so
// adversarial input cannot overflow the call stack.
func HasCycle(relationships []*store.Relationship, factIDs []string) bool {
	adj, nodes := buildAdjacency(relationships, factIDs)

	color := make(map[string]int, len(nodes))
	type frame struct {
		id   string
		next int
	}

	for _, start := range nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			neighbors := adj[top.id]
			if top.next < len(neighbors) {
				n := neighbors[top.next]
				top.next++
				switch color[n] {
				case gray:
					return true
				case white:
					color[n] = gray
					stack = append(stack, frame{id: n})
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return false
}

// TopologicalOrder returns a processing order for the member facts that
// respects every relationship edge. When several orders are valid, nodes are
// emitted by ascending dependency-order hint (the minimum DependencyOrder
// over a node's incoming edges, 0 when it has none), then ascending fact id,
// so results are reproducible. Returns a *CycleError when no order exists.
func TopologicalOrder(clusterID string, relationships []*store.Relationship, factIDs []string) ([]string, error) {
	adj, nodes := buildAdjacency(relationships, factIDs)

	indegree := make(map[string]int, len(nodes))
	orderHint := make(map[string]int, len(nodes))
	for _, id := range nodes {
		indegree[id] = 0
	}
	for _, rel := range relationships {
		if _, ok := indegree[rel.SourceFactID]; !ok {
			continue
		}
		if _, ok := indegree[rel.TargetFactID]; !ok {
			continue
		}
		indegree[rel.TargetFactID]++
		if hint, ok := orderHint[rel.TargetFactID]; !ok || rel.DependencyOrder < hint {
			orderHint[rel.TargetFactID] = rel.DependencyOrder
		}
	}

	ready := make([]string, 0, len(nodes))
	for _, id := range nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		if orderHint[a] != orderHint[b] {
			return orderHint[a] < orderHint[b]
		}
		return a < b
	}

	out := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if less(ready[i], ready[best]) {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, id)

		for _, n := range adj[id] {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
	}

	if len(out) != len(nodes) {
		stuck := make([]string, 0, len(nodes)-len(out))
		emitted := make(map[string]struct{}, len(out))
		for _, id := range out {
			emitted[id] = struct{}{}
		}
		for _, id := range nodes {
			if _, ok := emitted[id]; !ok {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{ClusterID: clusterID, FactIDs: stuck}
	}
	return out, nil
}

// buildAdjacency restricts the edge set to the member ids and returns a
// sorted adjacency map plus the sorted node list. Sorting both keeps every
// traversal deterministic.
func buildAdjacency(relationships []*store.Relationship, factIDs []string) (map[string][]string, []string) {
	members := make(map[string]struct{}, len(factIDs))
	nodes := make([]string, 0, len(factIDs))
	for _, id := range factIDs {
		if _, ok := members[id]; ok {
			continue
		}
		members[id] = struct{}{}
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	adj := make(map[string][]string, len(nodes))
	for _, rel := range relationships {
		if _, ok := members[rel.SourceFactID]; !ok {
			continue
		}
		if _, ok := members[rel.TargetFactID]; !ok {
			continue
		}
		adj[rel.SourceFactID] = append(adj[rel.SourceFactID], rel.TargetFactID)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj, nodes
}
