package observe

import (
	"errors"
	"testing"
	"time"

	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/store"
)

func newScoredCluster(t *testing.T, p lifecycle.Proposal) (*Scorer, *lifecycle.Manager, string) {
	t.Helper()
	mgr := lifecycle.NewManager(nil)
	cluster, err := mgr.Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewScorer(mgr), mgr, cluster.ID
}

func healthyProposal() lifecycle.Proposal {
	return lifecycle.Proposal{
		Name: "aapl price",
		Facts: []store.Fact{
			{ID: "price", Value: "$257.75", Role: store.RolePrimary, Confidence: store.ConfidenceHigh},
			{ID: "pct", Value: "6.8%", Role: store.RoleDependent, Confidence: store.ConfidenceMedium},
		},
		Relationships: []store.Relationship{
			{ID: "r1", SourceFactID: "price", TargetFactID: "pct", Type: store.RelPercentageChange},
		},
	}
}

func TestScoreHealthyCluster(t *testing.T) {
	scorer, _, clusterID := newScoredCluster(t, healthyProposal())

	report, err := scorer.Score(clusterID, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Score != 100 {
		t.Fatalf("Expected 100, got %d (%+v)", report.Score, report.Penalties)
	}
	if report.FactCount != 2 || report.RelationshipCount != 1 || report.PrimaryCount != 1 {
		t.Fatalf("counts wrong: %+v", report)
	}
}

func TestScorePrimaryViolation(t *testing.T) {
	scorer, mgr, clusterID := newScoredCluster(t, healthyProposal())

	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.GetFact("price").Role = store.RoleDependent
		return nil
	})

	report, err := scorer.Score(clusterID, nil)
	if err != nil {
		t.Fatalf("Score on broken cluster should still work: %v", err)
	}
	if report.Penalties.PrimaryViolation != 30 || report.Score != 70 {
		t.Fatalf("Expected 30-point penalty, got %+v", report)
	}
}

func TestScoreStalenessIsProportional(t *testing.T) {
	scorer, _, clusterID := newScoredCluster(t, healthyProposal())

	// One of two facts stale: half the 25-point budget, rounded.
	report, err := scorer.Score(clusterID, func(f store.Fact) bool {
		return f.ID == "pct"
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.StaleCount != 1 || report.Penalties.Staleness != 13 {
		t.Fatalf("Expected rounded half penalty 13, got %+v", report)
	}
	if report.Score != 87 {
		t.Fatalf("Expected 87, got %d", report.Score)
	}

	// All facts stale: the full budget.
	report, err = scorer.Score(clusterID, func(store.Fact) bool { return true })
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Penalties.Staleness != 25 || report.Score != 75 {
		t.Fatalf("Expected full 25-point penalty, got %+v", report)
	}
}

func TestScoreLowConfidence(t *testing.T) {
	scorer, mgr, clusterID := newScoredCluster(t, healthyProposal())

	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.GetFact("pct").Confidence = store.ConfidenceLow
		return nil
	})

	report, err := scorer.Score(clusterID, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.LowConfidenceCount != 1 || report.Penalties.LowConfidence != 10 {
		t.Fatalf("Expected half of the 20-point budget, got %+v", report)
	}
	if report.Score != 90 {
		t.Fatalf("Expected 90, got %d", report.Score)
	}
}

func TestScoreUnconnectedFacts(t *testing.T) {
	scorer, mgr, clusterID := newScoredCluster(t, healthyProposal())

	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.RemoveRelationship("r1")
		return nil
	})

	report, err := scorer.Score(clusterID, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Penalties.Unconnected != 15 || report.Score != 85 {
		t.Fatalf("Expected 15-point penalty, got %+v", report)
	}
}

func TestScoreSingleFactClusterNotUnconnected(t *testing.T) {
	scorer, _, clusterID := newScoredCluster(t, lifecycle.Proposal{
		Name:  "solo",
		Facts: []store.Fact{{ID: "only", Value: "1", Role: store.RolePrimary}},
	})

	report, err := scorer.Score(clusterID, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Penalties.Unconnected != 0 || report.Score != 100 {
		t.Fatalf("single-fact cluster penalized: %+v", report)
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	mgr := lifecycle.NewManager(nil)
	cluster, err := mgr.Create(lifecycle.Proposal{
		Name: "wreck",
		Facts: []store.Fact{
			{ID: "a", Value: "1", Role: store.RolePrimary, Confidence: store.ConfidenceLow},
			{ID: "b", Value: "2", Role: store.RoleDependent, Confidence: store.ConfidenceLow},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr.WriteLocked(func(arena *store.Arena, _ time.Time) error {
		arena.GetFact("a").Role = store.RoleDependent
		return nil
	})

	// Inflated weights push the raw score below zero.
	scorer := NewScorerWithWeights(mgr, Weights{
		PrimaryViolation: 60,
		StalenessMax:     30,
		LowConfidenceMax: 20,
		Unconnected:      15,
	})
	report, err := scorer.Score(cluster.ID, func(store.Fact) bool { return true })
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Score != 0 {
		t.Fatalf("Expected clamp at 0, got %d", report.Score)
	}
}

func TestScoreUnknownCluster(t *testing.T) {
	scorer, _, _ := newScoredCluster(t, healthyProposal())

	_, err := scorer.Score("nope", nil)
	var verr *lifecycle.ValidationError
	if !errors.As(err, &verr) || !verr.Has(lifecycle.ViolationUnknownID) {
		t.Fatalf("Expected unknown_id validation error, got %v", err)
	}
}
