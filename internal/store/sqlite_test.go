package store

import (
	"context"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() Snapshot {
	return Snapshot{
		Facts: []Fact{
			{ID: "f1", Value: "$257.75", ClusterID: "cl1", Role: RolePrimary, Confidence: ConfidenceHigh, UpdateCount: 2,
				LastUpdatedAt: time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)},
			{ID: "f2", Value: "6.8%", ClusterID: "cl1", Role: RoleDependent, Confidence: ConfidenceMedium},
			{ID: "f3", Value: "unattached", Role: RoleStandalone, Confidence: ConfidenceLow},
		},
		Clusters: []Cluster{
			{ID: "cl1", Name: "aapl price", Type: "mathematical", SemanticRule: "pct tracks price", FactIDs: []string{"f1", "f2"}, IsActive: true},
		},
		Relationships: []Relationship{
			{ID: "r1", ClusterID: "cl1", SourceFactID: "f1", TargetFactID: "f2", Type: RelPercentageChange, DependencyOrder: 1, AnchorSet: true},
		},
	}
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if len(loaded.Facts) != 3 || len(loaded.Clusters) != 1 || len(loaded.Relationships) != 1 {
		t.Fatalf("Unexpected counts: %d facts, %d clusters, %d relationships",
			len(loaded.Facts), len(loaded.Clusters), len(loaded.Relationships))
	}

	f := loaded.Facts[0]
	if f.ID != "f1" || f.Value != "$257.75" || f.Role != RolePrimary || f.UpdateCount != 2 {
		t.Fatalf("fact f1 mismatch: %+v", f)
	}
	if !f.LastUpdatedAt.Equal(time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("timestamp not preserved: %v", f.LastUpdatedAt)
	}
	if loaded.Facts[2].LastUpdatedAt != (time.Time{}) {
		t.Fatalf("zero timestamp should survive as zero, got %v", loaded.Facts[2].LastUpdatedAt)
	}

	c := loaded.Clusters[0]
	if c.Name != "aapl price" || !c.IsActive {
		t.Fatalf("cluster mismatch: %+v", c)
	}
	if len(c.FactIDs) != 2 || c.FactIDs[0] != "f1" || c.FactIDs[1] != "f2" {
		t.Fatalf("membership order not preserved: %v", c.FactIDs)
	}

	r := loaded.Relationships[0]
	if r.Type != RelPercentageChange || r.DependencyOrder != 1 || !r.AnchorSet {
		t.Fatalf("relationship mismatch: %+v", r)
	}
}

func TestSQLiteSaveReplacesPreviousSnapshot(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("first SaveSnapshot: %v", err)
	}
	small := Snapshot{Facts: []Fact{{ID: "only", Value: "x", Role: RoleStandalone, Confidence: ConfidenceMedium}}}
	if err := s.SaveSnapshot(ctx, small); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(loaded.Facts) != 1 || loaded.Facts[0].ID != "only" {
		t.Fatalf("stale rows survived replacement: %+v", loaded.Facts)
	}
	if len(loaded.Clusters) != 0 || len(loaded.Relationships) != 0 {
		t.Fatalf("stale clusters/relationships survived: %+v %+v", loaded.Clusters, loaded.Relationships)
	}
}

func TestSQLiteLoadManyClusterMemberships(t *testing.T) {
	// Loading memberships used to run a second query while the cluster
	// cursor was still open, which lands on a second pooled connection; for
	// an in-memory database that connection is a separate empty database.
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	snap := Snapshot{
		Facts: []Fact{
			{ID: "a1", Value: "1", ClusterID: "cl-a", Role: RolePrimary, Confidence: ConfidenceMedium},
			{ID: "a2", Value: "2", ClusterID: "cl-a", Role: RoleDependent, Confidence: ConfidenceMedium},
			{ID: "b1", Value: "3", ClusterID: "cl-b", Role: RolePrimary, Confidence: ConfidenceMedium},
		},
		Clusters: []Cluster{
			{ID: "cl-a", Name: "a", FactIDs: []string{"a2", "a1"}, IsActive: true},
			{ID: "cl-b", Name: "b", FactIDs: []string{"b1"}, IsActive: true},
			{ID: "cl-empty", Name: "none", IsActive: true},
		},
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(loaded.Clusters) != 3 {
		t.Fatalf("Expected 3 clusters, got %d", len(loaded.Clusters))
	}
	byID := map[string]Cluster{}
	for _, c := range loaded.Clusters {
		byID[c.ID] = c
	}
	if got := byID["cl-a"].FactIDs; len(got) != 2 || got[0] != "a2" || got[1] != "a1" {
		t.Fatalf("cl-a membership order lost: %v", got)
	}
	if got := byID["cl-b"].FactIDs; len(got) != 1 || got[0] != "b1" {
		t.Fatalf("cl-b membership wrong: %v", got)
	}
	if got := byID["cl-empty"].FactIDs; len(got) != 0 {
		t.Fatalf("cl-empty should have no members: %v", got)
	}
}

func TestSQLiteLoadArena(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	arena, err := s.LoadArena(ctx)
	if err != nil {
		t.Fatalf("LoadArena: %v", err)
	}
	if arena.GetFact("f2") == nil || arena.GetCluster("cl1") == nil || arena.GetRelationship("r1") == nil {
		t.Fatal("arena missing loaded entities")
	}
}

func TestSQLiteLoadEmptyDatabase(t *testing.T) {
	s := newTestSQLiteStore(t)

	arena, err := s.LoadArena(context.Background())
	if err != nil {
		t.Fatalf("LoadArena on empty db: %v", err)
	}
	if len(arena.ListFacts()) != 0 || len(arena.ListClusters()) != 0 {
		t.Fatal("empty db should yield empty arena")
	}
}
