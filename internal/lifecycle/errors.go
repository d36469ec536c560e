package lifecycle

import (
	"fmt"
	"strings"
)

// ViolationKind enumerates the structural problems a cluster can have.
type ViolationKind string

const (
	ViolationMissingPrimary       ViolationKind = "missing_primary"
	ViolationMultiplePrimaries    ViolationKind = "multiple_primaries"
	ViolationDanglingRelationship ViolationKind = "dangling_relationship"
	ViolationCycleDetected        ViolationKind = "cycle_detected"
	ViolationSelfLoop             ViolationKind = "self_loop"
	ViolationUnknownID            ViolationKind = "unknown_id"
)

// Violation is one structural problem, with the ids needed to locate it.
// Errors carry these as values so callers can branch on Kind instead of
// parsing strings.
type Violation struct {
	Kind           ViolationKind `json:"kind"`
	ClusterID      string        `json:"cluster_id,omitempty"`
	FactID         string        `json:"fact_id,omitempty"`
	RelationshipID string        `json:"relationship_id,omitempty"`
	Detail         string        `json:"detail,omitempty"`
}

func (v Violation) String() string {
	parts := []string{string(v.Kind)}
	if v.ClusterID != "" {
		parts = append(parts, "cluster="+v.ClusterID)
	}
	if v.FactID != "" {
		parts = append(parts, "fact="+v.FactID)
	}
	if v.RelationshipID != "" {
		parts = append(parts, "relationship="+v.RelationshipID)
	}
	if v.Detail != "" {
		parts = append(parts, v.Detail)
	}
	return strings.Join(parts, " ")
}

// ValidationError is returned by mutating operations that refuse to commit.
// The operation it aborted left no partial state behind.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

// Has reports whether any carried violation is of the given kind.
func (e *ValidationError) Has(kind ViolationKind) bool {
	for _, v := range e.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

func validationErr(violations ...Violation) error {
	return &ValidationError{Violations: violations}
}
