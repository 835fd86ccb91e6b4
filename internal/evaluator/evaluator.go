// Package evaluator coordinates the four pluggable evaluation capabilities
// of §4.E (drift, contradiction, belief revision, utility) behind deadlines
// and a documented partial-failure degradation policy.
package evaluator

import (
	"context"

	"github.com/R3E-Network/coherence-bus/internal/domain"
)

// DriftResult is the outcome of the drift capability.
type DriftResult struct {
	Magnitude   float64
	Explanation string
}

// ContradictionVerdict is the outcome of the contradiction capability.
type ContradictionVerdict string

const (
	VerdictContradicts    ContradictionVerdict = "contradicts"
	VerdictNotContradicts ContradictionVerdict = "not_contradicting"
)

// ContradictionResult is the outcome of the contradiction capability.
type ContradictionResult struct {
	Verdict    ContradictionVerdict
	Confidence float64
	Evidence   string
}

// RevisionResult is the outcome of the belief-revision capability.
type RevisionResult struct {
	ApprovedValue interface{}
	Rationale     string
	NewConfidence float64
}

// UtilityResult is the outcome of the utility capability.
type UtilityResult struct {
	Score    float64
	Features map[string]float64
}

// DriftEvaluator detects how far a proposed mutation pulls the tree from
// its recent trend.
type DriftEvaluator interface {
	Drift(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (DriftResult, error)
}

// ContradictionEvaluator checks a proposed mutation against the tree for
// semantic contradictions.
type ContradictionEvaluator interface {
	Contradict(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (ContradictionResult, error)
}

// ReviseEvaluator may revise a mutation's proposed value/confidence before
// it re-enters validation.
type ReviseEvaluator interface {
	Revise(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (RevisionResult, error)
}

// UtilityEvaluator predicts a mutation's expected value to the tree.
type UtilityEvaluator interface {
	Utility(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (UtilityResult, error)
}

// Capabilities bundles one implementation of each evaluator kind. A
// deployment registers exactly one set; which concrete types back each
// capability is a configuration/wiring decision (§9: "registration is
// explicit"), not runtime duck-typing.
type Capabilities struct {
	Drift        DriftEvaluator
	Contradict   ContradictionEvaluator
	Revise       ReviseEvaluator
	Utility      UtilityEvaluator
}
