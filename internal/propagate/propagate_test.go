package propagate

import (
	"errors"
	"testing"
	"time"

	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/store"
)

func newTestEngine(t *testing.T, p lifecycle.Proposal) (*Engine, *lifecycle.Manager, string) {
	t.Helper()
	mgr := lifecycle.NewManager(nil)
	cluster, err := mgr.Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewEngine(mgr), mgr, cluster.ID
}

func stockProposal() lifecycle.Proposal {
	return lifecycle.Proposal{
		Name: "aapl price",
		Type: "mathematical",
		Facts: []store.Fact{
			{ID: "price", Value: "$257.75", Role: store.RolePrimary, Confidence: store.ConfidenceHigh},
			{ID: "pct", Value: "4.2%", Role: store.RoleDependent},
			{ID: "dir", Value: "down", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r-pct", SourceFactID: "price", TargetFactID: "pct", Type: store.RelPercentageChange, DependencyOrder: 1},
			{ID: "r-dir", SourceFactID: "price", TargetFactID: "dir", Type: store.RelDirection, DependencyOrder: 2},
		},
	}
}

func TestPropagatePercentageChangeAndDirection(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, stockProposal())

	result, err := engine.Propagate(clusterID, "$275.30")
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	if result.OldPrimaryValue != "$257.75" || result.NewPrimaryValue != "$275.30" {
		t.Fatalf("primary values wrong: %+v", result)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("Unexpected failures: %+v", result.Failures)
	}
	if len(result.Updated) != 3 {
		t.Fatalf("Expected 3 updated facts, got %v", result.Updated)
	}

	if f := mgr.GetFact("pct"); f.Value != "6.8%" {
		t.Fatalf("Expected 6.8%%, got %q", f.Value)
	}
	if f := mgr.GetFact("dir"); f.Value != "up" {
		t.Fatalf("Expected up, got %q", f.Value)
	}
	if f := mgr.GetFact("price"); f.UpdateCount != 1 || f.LastUpdatedAt.IsZero() {
		t.Fatalf("primary bookkeeping not updated: %+v", f)
	}
}

func TestPropagateDirectionDown(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, stockProposal())

	if _, err := engine.Propagate(clusterID, "$240.00"); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if f := mgr.GetFact("dir"); f.Value != "down" {
		t.Fatalf("Expected down, got %q", f.Value)
	}
}

func TestPropagateEqualValueLeavesDirectionUntouched(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, stockProposal())

	result, err := engine.Propagate(clusterID, "$257.75")
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if f := mgr.GetFact("dir"); f.Value != "down" {
		t.Fatalf("direction changed on equal value: %q", f.Value)
	}
	if f := mgr.GetFact("pct"); f.Value != "0.0%" {
		t.Fatalf("Expected 0.0%%, got %q", f.Value)
	}
	for _, id := range result.Updated {
		if id == "dir" {
			t.Fatal("dir should not be reported as updated")
		}
	}
}

func TestPropagateDivisionByZero(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, lifecycle.Proposal{
		Name: "from zero",
		Facts: []store.Fact{
			{ID: "price", Value: "$0.00", Role: store.RolePrimary},
			{ID: "pct", Value: "n/a", Role: store.RoleDependent},
			{ID: "dir", Value: "flat", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r-pct", SourceFactID: "price", TargetFactID: "pct", Type: store.RelPercentageChange},
			{ID: "r-dir", SourceFactID: "price", TargetFactID: "dir", Type: store.RelDirection},
		},
	})

	result, err := engine.Propagate(clusterID, "$10.00")
	if err != nil {
		t.Fatalf("Propagate should not abort on per-edge failure: %v", err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %+v", result.Failures)
	}
	f := result.Failures[0]
	if f.Kind != FailDivisionByZero || f.FactID != "pct" || f.RelationshipID != "r-pct" {
		t.Fatalf("failure mismatch: %+v", f)
	}
	// The failed edge leaves its target alone; the independent edge still ran.
	if got := mgr.GetFact("pct"); got.Value != "n/a" {
		t.Fatalf("failed target mutated: %q", got.Value)
	}
	if got := mgr.GetFact("dir"); got.Value != "up" {
		t.Fatalf("independent edge skipped: %q", got.Value)
	}
}

func TestPropagateUnparseableValue(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, lifecycle.Proposal{
		Name: "words",
		Facts: []store.Fact{
			{ID: "status", Value: "strong demand", Role: store.RolePrimary},
			{ID: "pct", Value: "1.0%", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r-pct", SourceFactID: "status", TargetFactID: "pct", Type: store.RelPercentageChange},
		},
	})

	result, err := engine.Propagate(clusterID, "weak demand")
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != FailUnparseableValue {
		t.Fatalf("Expected unparseable_value failure, got %+v", result.Failures)
	}
	if mgr.GetFact("pct").Value != "1.0%" {
		t.Fatal("failed target should keep its old value")
	}
	// The primary itself still updates: values are opaque strings.
	if mgr.GetFact("status").Value != "weak demand" {
		t.Fatal("primary should update regardless of parseability")
	}
}

func TestPropagateComparison(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, lifecycle.Proposal{
		Name: "temperature",
		Type: "comparative",
		Facts: []store.Fact{
			{ID: "today", Value: "72 degrees", Role: store.RolePrimary},
			{ID: "delta", Value: "69", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r-cmp", SourceFactID: "today", TargetFactID: "delta", Type: store.RelComparison, CalculationRule: "degrees"},
		},
	})

	if _, err := engine.Propagate(clusterID, "75 degrees"); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if got := mgr.GetFact("delta").Value; got != "6 degrees higher" {
		t.Fatalf("Expected %q, got %q", "6 degrees higher", got)
	}
}

func TestPropagateChainedEdges(t *testing.T) {
	// price feeds pct, pct feeds a direction read on the percentage itself.
	// The chained edge must compare pct's recomputed value against its
	// pre-propagation snapshot, not against an intermediate state.
	engine, mgr, clusterID := newTestEngine(t, lifecycle.Proposal{
		Name: "chained",
		Facts: []store.Fact{
			{ID: "price", Value: "$100", Role: store.RolePrimary},
			{ID: "pct", Value: "2.0%", Role: store.RoleDependent},
			{ID: "pct-dir", Value: "down", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r1", SourceFactID: "price", TargetFactID: "pct", Type: store.RelPercentageChange, DependencyOrder: 1},
			{ID: "r2", SourceFactID: "pct", TargetFactID: "pct-dir", Type: store.RelDirection, DependencyOrder: 2},
		},
	})

	result, err := engine.Propagate(clusterID, "$110")
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if mgr.GetFact("pct").Value != "10.0%" {
		t.Fatalf("pct = %q", mgr.GetFact("pct").Value)
	}
	// 10.0 (new) vs 2.0 (snapshot) reads as up.
	if mgr.GetFact("pct-dir").Value != "up" {
		t.Fatalf("pct-dir = %q", mgr.GetFact("pct-dir").Value)
	}
	if len(result.Updated) != 3 {
		t.Fatalf("Expected 3 updates, got %v", result.Updated)
	}
}

func TestPropagateReferencePointFreezesAnchor(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, lifecycle.Proposal{
		Name: "baseline",
		Facts: []store.Fact{
			{ID: "price", Value: "$257.75", Role: store.RolePrimary},
			{ID: "anchor", Value: "", Role: store.RoleDependent},
		},
		Relationships: []store.Relationship{
			{ID: "r-ref", SourceFactID: "price", TargetFactID: "anchor", Type: store.RelReferencePoint},
		},
	})

	if _, err := engine.Propagate(clusterID, "$275.30"); err != nil {
		t.Fatalf("first Propagate: %v", err)
	}
	if got := mgr.GetFact("anchor").Value; got != "$257.75" {
		t.Fatalf("anchor should freeze the prior value, got %q", got)
	}

	// Further propagations leave the anchor alone.
	if _, err := engine.Propagate(clusterID, "$300.00"); err != nil {
		t.Fatalf("second Propagate: %v", err)
	}
	if got := mgr.GetFact("anchor").Value; got != "$257.75" {
		t.Fatalf("anchor moved on second propagation: %q", got)
	}

	// After a reset the next propagation re-freezes from the current value.
	if err := engine.ResetAnchor(clusterID, "r-ref"); err != nil {
		t.Fatalf("ResetAnchor: %v", err)
	}
	if _, err := engine.Propagate(clusterID, "$310.00"); err != nil {
		t.Fatalf("third Propagate: %v", err)
	}
	if got := mgr.GetFact("anchor").Value; got != "$300.00" {
		t.Fatalf("anchor should re-freeze after reset, got %q", got)
	}
}

func TestResetAnchorRejectsWrongType(t *testing.T) {
	engine, _, clusterID := newTestEngine(t, stockProposal())
	if err := engine.ResetAnchor(clusterID, "r-pct"); err == nil {
		t.Fatal("Expected error for non reference_point relationship")
	}
	if err := engine.ResetAnchor(clusterID, "nope"); err == nil {
		t.Fatal("Expected error for unknown relationship")
	}
}

func TestPropagateRejectsInactiveCluster(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, stockProposal())

	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.GetCluster(clusterID).IsActive = false
		return nil
	})

	_, err := engine.Propagate(clusterID, "$1.00")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrInactiveCluster {
		t.Fatalf("Expected inactive_cluster error, got %v", err)
	}
	if mgr.GetFact("price").Value != "$257.75" {
		t.Fatal("refused propagation must not touch the primary")
	}
}

func TestPropagateRejectsInvalidCluster(t *testing.T) {
	engine, mgr, clusterID := newTestEngine(t, stockProposal())

	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.GetFact("price").Role = store.RoleDependent
		return nil
	})

	_, err := engine.Propagate(clusterID, "$1.00")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrInvalidCluster {
		t.Fatalf("Expected invalid_cluster error, got %v", err)
	}
	found := false
	for _, v := range perr.Violations {
		if v.Kind == lifecycle.ViolationMissingPrimary {
			found = true
		}
	}
	if !found {
		t.Fatalf("Expected missing_primary violation, got %+v", perr.Violations)
	}
}

func TestPropagateUnknownCluster(t *testing.T) {
	engine, _, _ := newTestEngine(t, stockProposal())
	_, err := engine.Propagate("nope", "$1.00")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrInvalidCluster {
		t.Fatalf("Expected invalid_cluster error, got %v", err)
	}
}
