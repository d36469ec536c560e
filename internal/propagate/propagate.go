// Package propagate recomputes dependent facts after a cluster's primary
// value changes. It walks the relationship graph in dependency order and
// applies each edge's calculation rule. Per-edge computation failures are
// collected, not fatal: independent edges still complete, and the caller
// decides whether partial propagation is acceptable.
package propagate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docpulse/docpulse/internal/graph"
	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/store"
)

// ErrorKind classifies structural propagation failures. These abort the
// whole call, unlike per-edge failures.
type ErrorKind string

const (
	ErrInactiveCluster ErrorKind = "inactive_cluster"
	ErrInvalidCluster  ErrorKind = "invalid_cluster"
)

// Error aborts a propagation before any fact is touched.
type Error struct {
	Kind       ErrorKind
	ClusterID  string
	Violations []lifecycle.Violation
}

func (e *Error) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("propagation refused: cluster %s is %s", e.ClusterID, strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("propagation refused: cluster %s is invalid: %s", e.ClusterID, strings.Join(parts, "; "))
}

// FailureKind classifies per-edge computation failures.
type FailureKind string

const (
	FailDivisionByZero   FailureKind = "division_by_zero"
	FailUnparseableValue FailureKind = "unparseable_value"
)

// Failure records one edge whose recomputation failed. The target fact is
// left unchanged by that edge.
type Failure struct {
	FactID         string      `json:"fact_id"`
	RelationshipID string      `json:"relationship_id"`
	Kind           FailureKind `json:"kind"`
	Detail         string      `json:"detail,omitempty"`
}

// Result reports one propagation pass. A non-empty Failures list is still a
// success at the API level.
type Result struct {
	ClusterID       string    `json:"cluster_id"`
	PrimaryFactID   string    `json:"primary_fact_id"`
	OldPrimaryValue string    `json:"old_primary_value"`
	NewPrimaryValue string    `json:"new_primary_value"`
	Updated         []string  `json:"updated"`
	Failures        []Failure `json:"failures"`
}

// Engine runs propagations against a lifecycle manager's state. All work
// happens under the manager's write lock, so a propagation is atomic with
// respect to every other engine operation.
type Engine struct {
	mgr *lifecycle.Manager
}

// NewEngine wraps a lifecycle manager.
func NewEngine(mgr *lifecycle.Manager) *Engine {
	return &Engine{mgr: mgr}
}

// Propagate sets the cluster's primary fact to newPrimaryValue and
// recomputes every dependent in topological order. Inactive and
// structurally invalid clusters are rejected before anything changes.
func (e *Engine) Propagate(clusterID, newPrimaryValue string) (*Result, error) {
	var result *Result
	err := e.mgr.WriteLocked(func(arena *store.Arena, now time.Time) error {
		cluster := arena.GetCluster(clusterID)
		if cluster == nil {
			return &Error{Kind: ErrInvalidCluster, ClusterID: clusterID,
				Violations: []lifecycle.Violation{{Kind: lifecycle.ViolationUnknownID, ClusterID: clusterID}}}
		}
		if !cluster.IsActive {
			return &Error{Kind: ErrInactiveCluster, ClusterID: clusterID}
		}
		if violations := lifecycle.ValidateCluster(arena, clusterID); len(violations) > 0 {
			return &Error{Kind: ErrInvalidCluster, ClusterID: clusterID, Violations: violations}
		}

		var primary *store.Fact
		for _, f := range arena.AllInCluster(clusterID) {
			if f.Role == store.RolePrimary {
				primary = f
				break
			}
		}
		if primary == nil {
			// Only reachable for an empty cluster, which cannot exist:
			// emptying a cluster deletes it.
			return &Error{Kind: ErrInvalidCluster, ClusterID: clusterID}
		}

		// Snapshot pre-propagation values so chained edges recompute from
		// their source's old/new pair, not from half-updated state.
		oldValues := make(map[string]string, len(cluster.FactIDs))
		for _, id := range cluster.FactIDs {
			if f := arena.GetFact(id); f != nil {
				oldValues[id] = f.Value
			}
		}

		rels := arena.RelationshipsInCluster(clusterID)
		order, err := graph.TopologicalOrder(clusterID, rels, cluster.FactIDs)
		if err != nil {
			return &Error{Kind: ErrInvalidCluster, ClusterID: clusterID,
				Violations: []lifecycle.Violation{{Kind: lifecycle.ViolationCycleDetected, ClusterID: clusterID}}}
		}

		result = &Result{
			ClusterID:       clusterID,
			PrimaryFactID:   primary.ID,
			OldPrimaryValue: primary.Value,
			NewPrimaryValue: newPrimaryValue,
			Updated:         []string{primary.ID},
			Failures:        []Failure{},
		}

		primary.Value = newPrimaryValue
		primary.UpdateCount++
		primary.LastUpdatedAt = now

		incoming := make(map[string][]*store.Relationship, len(cluster.FactIDs))
		for _, rel := range rels {
			incoming[rel.TargetFactID] = append(incoming[rel.TargetFactID], rel)
		}
		for id := range incoming {
			edges := incoming[id]
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].DependencyOrder != edges[j].DependencyOrder {
					return edges[i].DependencyOrder < edges[j].DependencyOrder
				}
				return edges[i].ID < edges[j].ID
			})
		}

		updated := map[string]struct{}{primary.ID: {}}
		for _, factID := range order {
			if factID == primary.ID {
				continue
			}
			target := arena.GetFact(factID)
			if target == nil {
				continue
			}
			for _, rel := range incoming[factID] {
				source := arena.GetFact(rel.SourceFactID)
				if source == nil {
					continue
				}
				changed, failure := applyRule(rel, source, oldValues[rel.SourceFactID], target)
				if failure != nil {
					result.Failures = append(result.Failures, *failure)
					continue
				}
				if changed {
					target.UpdateCount++
					target.LastUpdatedAt = now
					if _, ok := updated[factID]; !ok {
						updated[factID] = struct{}{}
						result.Updated = append(result.Updated, factID)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyRule recomputes target from one relationship. It returns whether the
// target's value changed, or a per-edge failure. The source's old value is
// its pre-propagation snapshot; source.Value is its current (possibly just
// recomputed) value.
func applyRule(rel *store.Relationship, source *store.Fact, sourceOld string, target *store.Fact) (bool, *Failure) {
	switch rel.Type {
	case store.RelPercentageChange:
		oldNum, okOld := parseNumeric(sourceOld)
		newNum, okNew := parseNumeric(source.Value)
		if !okOld || !okNew {
			return false, &Failure{
				FactID:         target.ID,
				RelationshipID: rel.ID,
				Kind:           FailUnparseableValue,
				Detail:         fmt.Sprintf("source fact %s value is not numeric", source.ID),
			}
		}
		if oldNum == 0 {
			return false, &Failure{
				FactID:         target.ID,
				RelationshipID: rel.ID,
				Kind:           FailDivisionByZero,
				Detail:         fmt.Sprintf("source fact %s prior value is zero", source.ID),
			}
		}
		target.Value = formatPercent((newNum - oldNum) / oldNum * 100)
		return true, nil

	case store.RelDirection:
		oldNum, okOld := parseNumeric(sourceOld)
		newNum, okNew := parseNumeric(source.Value)
		if !okOld || !okNew {
			return false, &Failure{
				FactID:         target.ID,
				RelationshipID: rel.ID,
				Kind:           FailUnparseableValue,
				Detail:         fmt.Sprintf("source fact %s value is not numeric", source.ID),
			}
		}
		switch {
		case newNum > oldNum:
			target.Value = "up"
			return true, nil
		case newNum < oldNum:
			target.Value = "down"
			return true, nil
		default:
			// Equal values leave the direction untouched; no-change is not
			// an error.
			return false, nil
		}

	case store.RelComparison:
		sourceNum, okSource := parseNumeric(source.Value)
		targetNum, okTarget := parseNumeric(target.Value)
		if !okSource || !okTarget {
			offending := source.ID
			if okSource {
				offending = target.ID
			}
			return false, &Failure{
				FactID:         target.ID,
				RelationshipID: rel.ID,
				Kind:           FailUnparseableValue,
				Detail:         fmt.Sprintf("fact %s value is not numeric", offending),
			}
		}
		target.Value = renderComparison(sourceNum-targetNum, rel.CalculationRule)
		return true, nil

	case store.RelReferencePoint:
		// Freezes the source's prior value as a "from" anchor on first
		// propagation; immutable until the anchor is explicitly reset.
		if rel.AnchorSet {
			return false, nil
		}
		target.Value = sourceOld
		rel.AnchorSet = true
		return true, nil
	}

	return false, &Failure{
		FactID:         target.ID,
		RelationshipID: rel.ID,
		Kind:           FailUnparseableValue,
		Detail:         fmt.Sprintf("unknown relationship type %q", rel.Type),
	}
}

// renderComparison formats a signed delta as a natural-language comparison.
// The relationship's calculation rule may carry a unit word ("degrees"),
// which is inserted between the number and the direction.
func renderComparison(delta float64, unit string) string {
	if delta == 0 {
		return "unchanged"
	}
	direction := "higher"
	if delta < 0 {
		direction = "lower"
	}
	unit = strings.TrimSpace(unit)
	if unit != "" {
		return fmt.Sprintf("%s %s %s", formatDelta(delta), unit, direction)
	}
	return fmt.Sprintf("%s %s", formatDelta(delta), direction)
}

// ResetAnchor re-arms a reference_point relationship so the next propagation
// refreshes its frozen value.
func (e *Engine) ResetAnchor(clusterID, relationshipID string) error {
	return e.mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		rel := arena.GetRelationship(relationshipID)
		if rel == nil || rel.ClusterID != clusterID {
			return fmt.Errorf("relationship %s not found in cluster %s", relationshipID, clusterID)
		}
		if rel.Type != store.RelReferencePoint {
			return fmt.Errorf("relationship %s is %s, not %s", relationshipID, rel.Type, store.RelReferencePoint)
		}
		rel.AnchorSet = false
		return nil
	})
}
