// Package observe answers the question "how healthy is this cluster?"
// without mutating anything. The score is a pure function of current state
// plus a caller-supplied staleness predicate; the scorer never reads the
// wall clock, so results are reproducible.
package observe

import (
	"math"

	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/store"
)

// Weights holds the penalty budget per diagnostic signal. Scores start at
// 100, subtract each earned penalty, and clamp at 0.
type Weights struct {
	PrimaryViolation int `yaml:"primary_violation_penalty" json:"primary_violation_penalty"`
	StalenessMax     int `yaml:"staleness_penalty_max" json:"staleness_penalty_max"`
	LowConfidenceMax int `yaml:"low_confidence_penalty_max" json:"low_confidence_penalty_max"`
	Unconnected      int `yaml:"unconnected_penalty" json:"unconnected_penalty"`
}

// DefaultWeights returns the standard penalty budget.
func DefaultWeights() Weights {
	return Weights{
		PrimaryViolation: 30,
		StalenessMax:     25,
		LowConfidenceMax: 20,
		Unconnected:      15,
	}
}

// Penalties is the per-signal breakdown of points subtracted from 100.
type Penalties struct {
	PrimaryViolation int `json:"primary_violation"`
	Staleness        int `json:"staleness"`
	LowConfidence    int `json:"low_confidence"`
	Unconnected      int `json:"unconnected"`
}

// Report is one cluster's health diagnosis: the 0-100 score plus the raw
// counts behind it so callers can see why.
type Report struct {
	ClusterID          string    `json:"cluster_id"`
	Score              int       `json:"score"`
	FactCount          int       `json:"fact_count"`
	RelationshipCount  int       `json:"relationship_count"`
	PrimaryCount       int       `json:"primary_count"`
	StaleCount         int       `json:"stale_count"`
	LowConfidenceCount int       `json:"low_confidence_count"`
	Penalties          Penalties `json:"penalties"`
}

// StaleFunc reports whether a fact is past its due threshold. Staleness is
// the caller's judgment, typically against a fetch schedule, not the
// engine's.
type StaleFunc func(f store.Fact) bool

// Scorer computes cluster health against a lifecycle manager's state.
type Scorer struct {
	mgr     *lifecycle.Manager
	weights Weights
}

// NewScorer builds a scorer with the default weights.
func NewScorer(mgr *lifecycle.Manager) *Scorer {
	return NewScorerWithWeights(mgr, DefaultWeights())
}

// NewScorerWithWeights builds a scorer with a custom penalty budget.
func NewScorerWithWeights(mgr *lifecycle.Manager, w Weights) *Scorer {
	return &Scorer{mgr: mgr, weights: w}
}

// Score computes the 0-100 health score for one cluster. A structurally
// broken cluster (0 or >1 primaries) is scored, not rejected: the scorer
// must report on exactly the states the lifecycle manager is meant to
// prevent. A nil stale predicate treats every fact as fresh.
func (s *Scorer) Score(clusterID string, stale StaleFunc) (*Report, error) {
	report := &Report{ClusterID: clusterID}

	err := s.mgr.ReadLocked(func(arena *store.Arena) error {
		cluster := arena.GetCluster(clusterID)
		if cluster == nil {
			return &lifecycle.ValidationError{Violations: []lifecycle.Violation{
				{Kind: lifecycle.ViolationUnknownID, ClusterID: clusterID},
			}}
		}

		facts := arena.AllInCluster(clusterID)
		report.FactCount = len(facts)
		report.RelationshipCount = len(arena.RelationshipsInCluster(clusterID))

		for _, f := range facts {
			if f.Role == store.RolePrimary {
				report.PrimaryCount++
			}
			if f.Confidence == store.ConfidenceLow {
				report.LowConfidenceCount++
			}
			if stale != nil && stale(*f) {
				report.StaleCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	score := 100

	if report.FactCount > 0 && report.PrimaryCount != 1 {
		report.Penalties.PrimaryViolation = s.weights.PrimaryViolation
		score -= s.weights.PrimaryViolation
	}
	if report.FactCount > 0 {
		staleFraction := float64(report.StaleCount) / float64(report.FactCount)
		report.Penalties.Staleness = int(math.Round(staleFraction * float64(s.weights.StalenessMax)))
		score -= report.Penalties.Staleness

		lowFraction := float64(report.LowConfidenceCount) / float64(report.FactCount)
		report.Penalties.LowConfidence = int(math.Round(lowFraction * float64(s.weights.LowConfidenceMax)))
		score -= report.Penalties.LowConfidence
	}
	if report.FactCount >= 2 && report.RelationshipCount == 0 {
		report.Penalties.Unconnected = s.weights.Unconnected
		score -= s.weights.Unconnected
	}

	if score < 0 {
		score = 0
	}
	report.Score = score
	return report, nil
}
