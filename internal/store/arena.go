package store

import "sort"

// Arena is the in-memory ground truth for facts, clusters, and relationships.
// It is a pure keyed collection: no invariant checking lives here. The
// lifecycle manager is the only writer and enforces consistency before
// committing.
type Arena struct {
	facts         map[string]*Fact
	clusters      map[string]*Cluster
	relationships map[string]*Relationship
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{
		facts:         make(map[string]*Fact),
		clusters:      make(map[string]*Cluster),
		relationships: make(map[string]*Relationship),
	}
}

// GetFact returns the fact with the given id, or nil.
func (a *Arena) GetFact(id string) *Fact {
	return a.facts[id]
}

// UpsertFact inserts or replaces a fact.
func (a *Arena) UpsertFact(f *Fact) {
	a.facts[f.ID] = f
}

// RemoveFact deletes a fact and returns the removed record, or nil when the
// id is unknown. The caller inspects the returned fact's role: removing a
// cluster's sole primary is the caller's problem to repair, not the arena's.
func (a *Arena) RemoveFact(id string) *Fact {
	f, ok := a.facts[id]
	if !ok {
		return nil
	}
	delete(a.facts, id)
	return f
}

// AllInCluster returns the facts assigned to a cluster, ordered by id.
func (a *Arena) AllInCluster(clusterID string) []*Fact {
	out := make([]*Fact, 0, 8)
	for _, f := range a.facts {
		if f.ClusterID == clusterID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListFacts returns every fact, ordered by id.
func (a *Arena) ListFacts() []*Fact {
	out := make([]*Fact, 0, len(a.facts))
	for _, f := range a.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetCluster returns the cluster with the given id, or nil.
func (a *Arena) GetCluster(id string) *Cluster {
	return a.clusters[id]
}

// PutCluster inserts or replaces a cluster.
func (a *Arena) PutCluster(c *Cluster) {
	a.clusters[c.ID] = c
}

// DeleteCluster removes a cluster and every relationship it owns.
// Member facts are left in place; detaching them is the caller's job.
func (a *Arena) DeleteCluster(id string) {
	delete(a.clusters, id)
	for relID, rel := range a.relationships {
		if rel.ClusterID == id {
			delete(a.relationships, relID)
		}
	}
}

// ListClusters returns every cluster, ordered by id.
func (a *Arena) ListClusters() []*Cluster {
	out := make([]*Cluster, 0, len(a.clusters))
	for _, c := range a.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetRelationship returns the relationship with the given id, or nil.
func (a *Arena) GetRelationship(id string) *Relationship {
	return a.relationships[id]
}

// PutRelationship inserts or replaces a relationship.
func (a *Arena) PutRelationship(r *Relationship) {
	a.relationships[r.ID] = r
}

// RemoveRelationship deletes a relationship by id.
func (a *Arena) RemoveRelationship(id string) {
	delete(a.relationships, id)
}

// RelationshipsInCluster returns a cluster's relationships, ordered by id.
func (a *Arena) RelationshipsInCluster(clusterID string) []*Relationship {
	out := make([]*Relationship, 0, 8)
	for _, r := range a.relationships {
		if r.ClusterID == clusterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is the serializable representation of the arena.
type Snapshot struct {
	Facts         []Fact         `json:"facts"`
	Clusters      []Cluster      `json:"clusters"`
	Relationships []Relationship `json:"relationships"`
}

// Snapshot copies the arena into a value-typed snapshot with deterministic
// ordering.
func (a *Arena) Snapshot() Snapshot {
	snap := Snapshot{
		Facts:         make([]Fact, 0, len(a.facts)),
		Clusters:      make([]Cluster, 0, len(a.clusters)),
		Relationships: make([]Relationship, 0, len(a.relationships)),
	}
	for _, f := range a.ListFacts() {
		snap.Facts = append(snap.Facts, *f)
	}
	for _, c := range a.ListClusters() {
		cc := *c
		cc.FactIDs = append([]string(nil), c.FactIDs...)
		snap.Clusters = append(snap.Clusters, cc)
	}
	rels := make([]*Relationship, 0, len(a.relationships))
	for _, r := range a.relationships {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	for _, r := range rels {
		snap.Relationships = append(snap.Relationships, *r)
	}
	return snap
}

// FromSnapshot builds a fresh arena from a snapshot.
func FromSnapshot(snap Snapshot) *Arena {
	a := NewArena()
	for i := range snap.Facts {
		f := snap.Facts[i]
		a.facts[f.ID] = &f
	}
	for i := range snap.Clusters {
		c := snap.Clusters[i]
		c.FactIDs = append([]string(nil), snap.Clusters[i].FactIDs...)
		a.clusters[c.ID] = &c
	}
	for i := range snap.Relationships {
		r := snap.Relationships[i]
		a.relationships[r.ID] = &r
	}
	return a
}
