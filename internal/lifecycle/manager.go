// Package lifecycle owns every mutation of the cluster model. Clusters are
// created from validated proposals, changed only through Manager operations,
// and either stay structurally valid or the operation fails atomically.
// Nothing outside this package writes to the arena.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docpulse/docpulse/internal/graph"
	"github.com/docpulse/docpulse/internal/store"
)

// Proposal is the strict input shape for cluster creation. Analyzer output
// is untrusted: everything here is re-validated before any of it becomes
// visible in the arena.
type Proposal struct {
	Name          string               `json:"name"`
	Type          string               `json:"type,omitempty"`
	SemanticRule  string               `json:"semantic_rule,omitempty"`
	Facts         []store.Fact         `json:"facts"`
	Relationships []store.Relationship `json:"relationships"`
}

// MergeResult reports the outcome of a cluster merge. DemotedPrimaryID is
// set when the absorbed cluster's primary had to be demoted to keep the
// single-primary invariant.
type MergeResult struct {
	Cluster          store.Cluster `json:"cluster"`
	MovedFacts       int           `json:"moved_facts"`
	DemotedPrimaryID string        `json:"demoted_primary_id,omitempty"`
}

// RepairAction is one corrective step taken by Repair.
type RepairAction struct {
	Action         string `json:"action"`
	FactID         string `json:"fact_id,omitempty"`
	RelationshipID string `json:"relationship_id,omitempty"`
	Reason         string `json:"reason"`
}

// RepairReport lists the corrective actions of one repair pass. An empty
// Actions slice means the cluster was already healthy.
type RepairReport struct {
	ClusterID string         `json:"cluster_id"`
	Actions   []RepairAction `json:"actions"`
}

// ClusterDetail is a read-only view of a cluster with its facts and
// relationships, safe to hand to collaborators.
type ClusterDetail struct {
	Cluster       store.Cluster        `json:"cluster"`
	Facts         []store.Fact         `json:"facts"`
	Relationships []store.Relationship `json:"relationships"`
}

// Manager serializes all engine mutations behind one lock. Reads
// (Validate, ClusterDetail, snapshots, the health scorer) take the read
// side; every mutating operation takes the write side, so no caller ever
// observes a half-applied multi-step operation.
type Manager struct {
	mu    sync.RWMutex
	arena *store.Arena
	now   func() time.Time
	newID func() string
}

// NewManager wraps an arena. Passing nil starts empty.
func NewManager(arena *store.Arena) *Manager {
	if arena == nil {
		arena = store.NewArena()
	}
	return &Manager{
		arena: arena,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Create validates a proposed batch and commits it as a new cluster.
// All-or-nothing: on any violation the arena is untouched.
func (m *Manager) Create(p Proposal) (*store.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	facts := make([]store.Fact, len(p.Facts))
	copy(facts, p.Facts)

	seen := make(map[string]struct{}, len(facts))
	primaries := 0
	for i := range facts {
		if facts[i].ID == "" {
			facts[i].ID = m.newID()
		}
		if _, dup := seen[facts[i].ID]; dup {
			return nil, validationErr(Violation{
				Kind:   ViolationUnknownID,
				FactID: facts[i].ID,
				Detail: "duplicate fact id in proposal",
			})
		}
		seen[facts[i].ID] = struct{}{}
		if m.arena.GetFact(facts[i].ID) != nil {
			return nil, validationErr(Violation{
				Kind:   ViolationUnknownID,
				FactID: facts[i].ID,
				Detail: "fact id already exists in store",
			})
		}
		role, err := store.ParseRole(string(facts[i].Role))
		if err != nil {
			return nil, fmt.Errorf("proposed fact %s: %w", facts[i].ID, err)
		}
		facts[i].Role = role
		conf, err := store.ParseConfidence(string(facts[i].Confidence))
		if err != nil {
			return nil, fmt.Errorf("proposed fact %s: %w", facts[i].ID, err)
		}
		facts[i].Confidence = conf
		if facts[i].Role == store.RolePrimary {
			primaries++
		}
	}

	if len(facts) > 0 && primaries == 0 {
		return nil, validationErr(Violation{Kind: ViolationMissingPrimary})
	}
	if primaries > 1 {
		return nil, validationErr(Violation{Kind: ViolationMultiplePrimaries})
	}

	rels := make([]store.Relationship, len(p.Relationships))
	copy(rels, p.Relationships)
	relPtrs := make([]*store.Relationship, 0, len(rels))
	factIDs := make([]string, 0, len(facts))
	for i := range facts {
		factIDs = append(factIDs, facts[i].ID)
	}
	for i := range rels {
		if rels[i].ID == "" {
			rels[i].ID = m.newID()
		}
		relType, err := store.ParseRelationshipType(string(rels[i].Type))
		if err != nil {
			return nil, fmt.Errorf("proposed relationship %s: %w", rels[i].ID, err)
		}
		rels[i].Type = relType
		if rels[i].SourceFactID == rels[i].TargetFactID {
			return nil, validationErr(Violation{
				Kind:           ViolationSelfLoop,
				RelationshipID: rels[i].ID,
				FactID:         rels[i].SourceFactID,
			})
		}
		for _, endpoint := range []string{rels[i].SourceFactID, rels[i].TargetFactID} {
			if _, ok := seen[endpoint]; !ok {
				return nil, validationErr(Violation{
					Kind:           ViolationDanglingRelationship,
					RelationshipID: rels[i].ID,
					FactID:         endpoint,
				})
			}
		}
		relPtrs = append(relPtrs, &rels[i])
	}

	if graph.HasCycle(relPtrs, factIDs) {
		return nil, validationErr(Violation{Kind: ViolationCycleDetected})
	}

	cluster := &store.Cluster{
		ID:           m.newID(),
		Name:         p.Name,
		Type:         p.Type,
		SemanticRule: p.SemanticRule,
		FactIDs:      factIDs,
		IsActive:     true,
	}

	for i := range facts {
		f := facts[i]
		f.ClusterID = cluster.ID
		m.arena.UpsertFact(&f)
	}
	for i := range rels {
		r := rels[i]
		r.ClusterID = cluster.ID
		m.arena.PutRelationship(&r)
	}
	m.arena.PutCluster(cluster)

	out := *cluster
	out.FactIDs = append([]string(nil), cluster.FactIDs...)
	return &out, nil
}

// CreateFact adds a standalone fact to the store. It joins a cluster later
// via AddFact, or never.
func (m *Manager) CreateFact(value string, confidence store.Confidence) (*store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conf, err := store.ParseConfidence(string(confidence))
	if err != nil {
		return nil, err
	}
	f := &store.Fact{
		ID:            m.newID(),
		Value:         value,
		Role:          store.RoleStandalone,
		Confidence:    conf,
		LastUpdatedAt: m.now(),
	}
	m.arena.UpsertFact(f)
	out := *f
	return &out, nil
}

// AddFact inserts an existing fact into a cluster. Promoting a fact to
// primary demotes any current primary: last writer wins by contract, not by
// accident. Demoting the cluster's only primary is rejected; it would leave
// the cluster with none.
func (m *Manager) AddFact(clusterID, factID string, role store.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}
	fact := m.arena.GetFact(factID)
	if fact == nil {
		return validationErr(Violation{Kind: ViolationUnknownID, FactID: factID})
	}
	if role == "" {
		role = store.RoleDependent
	}
	parsed, err := store.ParseRole(string(role))
	if err != nil {
		return err
	}
	if parsed == store.RoleStandalone {
		return fmt.Errorf("cannot add fact %s with standalone role", factID)
	}

	if fact.ClusterID == clusterID && fact.Role == store.RolePrimary && parsed == store.RoleDependent {
		otherPrimary := false
		for _, member := range m.arena.AllInCluster(clusterID) {
			if member.ID != factID && member.Role == store.RolePrimary {
				otherPrimary = true
				break
			}
		}
		if !otherPrimary {
			return validationErr(Violation{
				Kind:      ViolationMissingPrimary,
				ClusterID: clusterID,
				FactID:    factID,
				Detail:    "demoting the cluster's only primary",
			})
		}
	}

	if fact.ClusterID != "" && fact.ClusterID != clusterID {
		m.detachLocked(fact)
	}

	if parsed == store.RolePrimary {
		for _, member := range m.arena.AllInCluster(clusterID) {
			if member.ID != factID && member.Role == store.RolePrimary {
				member.Role = store.RoleDependent
			}
		}
	}

	fact.ClusterID = clusterID
	fact.Role = parsed
	if !cluster.HasMember(factID) {
		cluster.FactIDs = append(cluster.FactIDs, factID)
	}
	return nil
}

// RemoveFact detaches a fact from its cluster. Relationships touching the
// fact are deleted (closure is kept by deletion, not by failure), and a
// cluster emptied by the removal is deleted outright.
func (m *Manager) RemoveFact(factID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fact := m.arena.GetFact(factID)
	if fact == nil {
		return validationErr(Violation{Kind: ViolationUnknownID, FactID: factID})
	}
	m.detachLocked(fact)
	return nil
}

func (m *Manager) detachLocked(fact *store.Fact) {
	clusterID := fact.ClusterID
	fact.ClusterID = ""
	fact.Role = store.RoleStandalone
	if clusterID == "" {
		return
	}
	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return
	}

	members := cluster.FactIDs[:0]
	for _, id := range cluster.FactIDs {
		if id != fact.ID {
			members = append(members, id)
		}
	}
	cluster.FactIDs = members

	for _, rel := range m.arena.RelationshipsInCluster(clusterID) {
		if rel.SourceFactID == fact.ID || rel.TargetFactID == fact.ID {
			m.arena.RemoveRelationship(rel.ID)
		}
	}

	if len(cluster.FactIDs) == 0 {
		m.arena.DeleteCluster(clusterID)
	}
}

// AddRelationship adds a directed edge after checking both endpoints are
// members and that the hypothetical edge set stays acyclic. A rejected edge
// is never added-then-rolled-back: the check runs before any mutation.
func (m *Manager) AddRelationship(clusterID string, rel store.Relationship) (*store.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return nil, validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}
	relType, err := store.ParseRelationshipType(string(rel.Type))
	if err != nil {
		return nil, err
	}
	rel.Type = relType
	if rel.SourceFactID == rel.TargetFactID {
		return nil, validationErr(Violation{
			Kind:      ViolationSelfLoop,
			ClusterID: clusterID,
			FactID:    rel.SourceFactID,
		})
	}
	for _, endpoint := range []string{rel.SourceFactID, rel.TargetFactID} {
		if !cluster.HasMember(endpoint) {
			return nil, validationErr(Violation{
				Kind:      ViolationDanglingRelationship,
				ClusterID: clusterID,
				FactID:    endpoint,
			})
		}
	}

	existing := m.arena.RelationshipsInCluster(clusterID)
	hypothetical := append(append([]*store.Relationship{}, existing...), &rel)
	if graph.HasCycle(hypothetical, cluster.FactIDs) {
		return nil, validationErr(Violation{
			Kind:           ViolationCycleDetected,
			ClusterID:      clusterID,
			RelationshipID: rel.ID,
		})
	}

	if rel.ID == "" {
		rel.ID = m.newID()
	}
	rel.ClusterID = clusterID
	committed := rel
	m.arena.PutRelationship(&committed)
	out := committed
	return &out, nil
}

// SetClusterActive flips the propagation gate for a cluster. Inactive
// clusters keep their data and stay valid; they just refuse propagation.
func (m *Manager) SetClusterActive(clusterID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}
	cluster.IsActive = active
	return nil
}

// DeleteCluster removes a cluster, its relationships, and detaches every
// member fact back to standalone. The facts themselves survive.
func (m *Manager) DeleteCluster(clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}
	for _, id := range cluster.FactIDs {
		if f := m.arena.GetFact(id); f != nil {
			f.ClusterID = ""
			f.Role = store.RoleStandalone
		}
	}
	m.arena.DeleteCluster(clusterID)
	return nil
}

// MergeClusters moves every fact and relationship of secondaryID into
// primaryID and deletes secondaryID. When both clusters had a primary fact,
// the absorbed cluster's primary is demoted to dependent (value preserved)
// rather than leaving the merged cluster with two primaries.
func (m *Manager) MergeClusters(primaryID, secondaryID string) (*MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if primaryID == secondaryID {
		return nil, fmt.Errorf("cannot merge cluster %s into itself", primaryID)
	}
	primary := m.arena.GetCluster(primaryID)
	if primary == nil {
		return nil, validationErr(Violation{Kind: ViolationUnknownID, ClusterID: primaryID})
	}
	secondary := m.arena.GetCluster(secondaryID)
	if secondary == nil {
		return nil, validationErr(Violation{Kind: ViolationUnknownID, ClusterID: secondaryID})
	}

	primaryHasPrimary := false
	for _, f := range m.arena.AllInCluster(primaryID) {
		if f.Role == store.RolePrimary {
			primaryHasPrimary = true
			break
		}
	}

	result := &MergeResult{}
	for _, f := range m.arena.AllInCluster(secondaryID) {
		if f.Role == store.RolePrimary && primaryHasPrimary {
			f.Role = store.RoleDependent
			result.DemotedPrimaryID = f.ID
		}
		f.ClusterID = primaryID
		if !primary.HasMember(f.ID) {
			primary.FactIDs = append(primary.FactIDs, f.ID)
		}
		result.MovedFacts++
	}
	for _, rel := range m.arena.RelationshipsInCluster(secondaryID) {
		rel.ClusterID = primaryID
	}
	m.arena.DeleteCluster(secondaryID)

	out := *primary
	out.FactIDs = append([]string(nil), primary.FactIDs...)
	result.Cluster = out
	return result, nil
}

// Repair is the idempotent self-healing pass: it promotes or demotes
// primaries to restore the single-primary invariant, drops membership
// entries whose facts vanished, re-syncs fact-side cluster ids, and deletes
// relationships whose endpoints left the cluster. A cluster left with no
// members is deleted. Calling it on a healthy cluster is a no-op.
func (m *Manager) Repair(clusterID string) (*RepairReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return nil, validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}

	report := &RepairReport{ClusterID: clusterID, Actions: []RepairAction{}}

	members := cluster.FactIDs[:0]
	for _, id := range cluster.FactIDs {
		fact := m.arena.GetFact(id)
		if fact == nil {
			report.Actions = append(report.Actions, RepairAction{
				Action: "drop_missing_member",
				FactID: id,
				Reason: "member fact no longer exists",
			})
			continue
		}
		if fact.ClusterID != clusterID {
			fact.ClusterID = clusterID
			report.Actions = append(report.Actions, RepairAction{
				Action: "attach_member",
				FactID: id,
				Reason: "fact cluster id out of sync with membership",
			})
		}
		members = append(members, id)
	}
	cluster.FactIDs = members

	// A cluster that repair empties follows the same rule as removal:
	// empty clusters do not exist.
	if len(cluster.FactIDs) == 0 {
		m.arena.DeleteCluster(clusterID)
		report.Actions = append(report.Actions, RepairAction{
			Action: "delete_empty_cluster",
			Reason: "no member facts remain",
		})
		return report, nil
	}

	sorted := append([]string(nil), cluster.FactIDs...)
	sort.Strings(sorted)

	primaries := make([]string, 0, 2)
	for _, id := range sorted {
		if m.arena.GetFact(id).Role == store.RolePrimary {
			primaries = append(primaries, id)
		}
	}
	switch {
	case len(primaries) == 0:
		promoted := m.arena.GetFact(sorted[0])
		promoted.Role = store.RolePrimary
		report.Actions = append(report.Actions, RepairAction{
			Action: "promote_primary",
			FactID: promoted.ID,
			Reason: "cluster had no primary fact",
		})
	case len(primaries) > 1:
		for _, id := range primaries[1:] {
			m.arena.GetFact(id).Role = store.RoleDependent
			report.Actions = append(report.Actions, RepairAction{
				Action: "demote_primary",
				FactID: id,
				Reason: "cluster had multiple primary facts",
			})
		}
	}

	for _, rel := range m.arena.RelationshipsInCluster(clusterID) {
		if !cluster.HasMember(rel.SourceFactID) || !cluster.HasMember(rel.TargetFactID) {
			m.arena.RemoveRelationship(rel.ID)
			report.Actions = append(report.Actions, RepairAction{
				Action:         "drop_dangling_relationship",
				RelationshipID: rel.ID,
				Reason:         "relationship endpoint no longer a member",
			})
		}
	}

	return report, nil
}

// Validate runs the read-only structural check for one cluster. An empty
// result means the cluster is valid.
func (m *Manager) Validate(clusterID string) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.arena.GetCluster(clusterID) == nil {
		return nil, validationErr(Violation{Kind: ViolationUnknownID, ClusterID: clusterID})
	}
	return ValidateCluster(m.arena, clusterID), nil
}

// ValidateCluster checks single-primary, acyclicity, and relationship
// closure for one cluster against an arena the caller has already locked.
// Exposed so the propagation engine can gate on validity while holding the
// write lock.
func ValidateCluster(arena *store.Arena, clusterID string) []Violation {
	cluster := arena.GetCluster(clusterID)
	if cluster == nil {
		return []Violation{{Kind: ViolationUnknownID, ClusterID: clusterID}}
	}

	violations := []Violation{}
	primaries := make([]string, 0, 2)
	for _, id := range cluster.FactIDs {
		fact := arena.GetFact(id)
		if fact == nil {
			violations = append(violations, Violation{
				Kind:      ViolationUnknownID,
				ClusterID: clusterID,
				FactID:    id,
				Detail:    "member fact not found in store",
			})
			continue
		}
		if fact.Role == store.RolePrimary {
			primaries = append(primaries, id)
		}
	}

	if len(cluster.FactIDs) > 0 {
		switch {
		case len(primaries) == 0:
			violations = append(violations, Violation{
				Kind:      ViolationMissingPrimary,
				ClusterID: clusterID,
			})
		case len(primaries) > 1:
			sort.Strings(primaries)
			violations = append(violations, Violation{
				Kind:      ViolationMultiplePrimaries,
				ClusterID: clusterID,
				Detail:    fmt.Sprintf("primaries: %v", primaries),
			})
		}
	}

	rels := arena.RelationshipsInCluster(clusterID)
	for _, rel := range rels {
		if rel.SourceFactID == rel.TargetFactID {
			violations = append(violations, Violation{
				Kind:           ViolationSelfLoop,
				ClusterID:      clusterID,
				RelationshipID: rel.ID,
				FactID:         rel.SourceFactID,
			})
			continue
		}
		for _, endpoint := range []string{rel.SourceFactID, rel.TargetFactID} {
			if !cluster.HasMember(endpoint) || arena.GetFact(endpoint) == nil {
				violations = append(violations, Violation{
					Kind:           ViolationDanglingRelationship,
					ClusterID:      clusterID,
					RelationshipID: rel.ID,
					FactID:         endpoint,
				})
			}
		}
	}

	if graph.HasCycle(rels, cluster.FactIDs) {
		violations = append(violations, Violation{
			Kind:      ViolationCycleDetected,
			ClusterID: clusterID,
		})
	}

	return violations
}

// ClusterDetailByID returns a copied view of one cluster, or nil when the id
// is unknown.
func (m *Manager) ClusterDetailByID(clusterID string) *ClusterDetail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cluster := m.arena.GetCluster(clusterID)
	if cluster == nil {
		return nil
	}
	detail := &ClusterDetail{Cluster: *cluster}
	detail.Cluster.FactIDs = append([]string(nil), cluster.FactIDs...)
	for _, f := range m.arena.AllInCluster(clusterID) {
		detail.Facts = append(detail.Facts, *f)
	}
	for _, r := range m.arena.RelationshipsInCluster(clusterID) {
		detail.Relationships = append(detail.Relationships, *r)
	}
	return detail
}

// ListClusters returns copies of every cluster, ordered by id.
func (m *Manager) ListClusters() []store.Cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]store.Cluster, 0, 8)
	for _, c := range m.arena.ListClusters() {
		cc := *c
		cc.FactIDs = append([]string(nil), c.FactIDs...)
		out = append(out, cc)
	}
	return out
}

// GetFact returns a copy of one fact, or nil.
func (m *Manager) GetFact(factID string) *store.Fact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f := m.arena.GetFact(factID)
	if f == nil {
		return nil
	}
	out := *f
	return &out
}

// Snapshot copies the whole arena for persistence.
func (m *Manager) Snapshot() store.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.arena.Snapshot()
}

// WriteLocked runs fn with exclusive access to the arena. It exists for the
// propagation engine, which must validate, walk, and mutate as one atomic
// step; other callers should prefer the named operations.
func (m *Manager) WriteLocked(fn func(arena *store.Arena, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.arena, m.now())
}

// ReadLocked runs fn with shared access to the arena.
func (m *Manager) ReadLocked(fn func(arena *store.Arena) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.arena)
}
