// Package store holds the entity model for the cluster consistency engine
// and its two storage layers: an in-memory arena that is the engine's ground
// truth, and a SQLite snapshot store used by collaborators to persist and
// reload engine state.
//
// All cross-references between entities are plain ids. Clusters never hold
// Fact pointers and Relationships never hold Cluster pointers, so the whole
// model serializes without cycles.
package store

import (
	"fmt"
	"strings"
	"time"
)

// Role classifies a fact's position inside a cluster.
type Role string

const (
	RolePrimary    Role = "primary"
	RoleDependent  Role = "dependent"
	RoleStandalone Role = "standalone"
)

// Confidence is an informational quality band, consumed by the health scorer.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// RelationshipType selects the recomputation rule applied during propagation.
type RelationshipType string

const (
	RelPercentageChange RelationshipType = "percentage_change"
	RelDirection        RelationshipType = "direction"
	RelComparison       RelationshipType = "comparison"
	RelReferencePoint   RelationshipType = "reference_point"
)

// Fact is a single tracked value inside a document. Facts are owned by the
// arena; clusters and relationships reference them by id only.
type Fact struct {
	ID            string     `json:"id"`
	Value         string     `json:"value"`
	ClusterID     string     `json:"cluster_id,omitempty"`
	Role          Role       `json:"role"`
	Confidence    Confidence `json:"confidence"`
	UpdateCount   int        `json:"update_count"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// Cluster is a named group of facts that must stay mutually consistent.
// Membership is an ordered set of fact ids; order only matters for
// deterministic iteration.
type Cluster struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	SemanticRule string   `json:"semantic_rule,omitempty"`
	FactIDs      []string `json:"fact_ids"`
	IsActive     bool     `json:"is_active"`
}

// HasMember reports whether the fact id is part of the cluster.
func (c *Cluster) HasMember(factID string) bool {
	for _, id := range c.FactIDs {
		if id == factID {
			return true
		}
	}
	return false
}

// Relationship is a directed, typed dependency edge between two facts of the
// same cluster. AnchorSet tracks whether a reference_point edge has frozen
// its "from" value; it stays false for every other type.
type Relationship struct {
	ID              string           `json:"id"`
	ClusterID       string           `json:"cluster_id"`
	SourceFactID    string           `json:"source_fact_id"`
	TargetFactID    string           `json:"target_fact_id"`
	Type            RelationshipType `json:"type"`
	CalculationRule string           `json:"calculation_rule,omitempty"`
	DependencyOrder int              `json:"dependency_order"`
	AnchorSet       bool             `json:"anchor_set,omitempty"`
}

// ValidRelationshipTypes returns the valid relationship type strings.
func ValidRelationshipTypes() []string {
	return []string{
		string(RelPercentageChange), string(RelDirection),
		string(RelComparison), string(RelReferencePoint),
	}
}

// ParseRelationshipType validates and returns a RelationshipType.
func ParseRelationshipType(s string) (RelationshipType, error) {
	switch RelationshipType(strings.ToLower(strings.TrimSpace(s))) {
	case RelPercentageChange, RelDirection, RelComparison, RelReferencePoint:
		return RelationshipType(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid relationship type %q (valid: %s)",
			s, strings.Join(ValidRelationshipTypes(), ", "))
	}
}

// ParseRole validates and returns a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePrimary, RoleDependent, RoleStandalone:
		return Role(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid role %q (valid: primary, dependent, standalone)", s)
	}
}

// ParseConfidence validates and returns a Confidence, defaulting empty input
// to medium. Analyzer batches frequently omit confidence.
func ParseConfidence(s string) (Confidence, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return ConfidenceMedium, nil
	}
	switch Confidence(v) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(v), nil
	default:
		return "", fmt.Errorf("invalid confidence %q (valid: low, medium, high)", s)
	}
}
