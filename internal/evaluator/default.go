package evaluator

import (
	"context"
	"math"
	"sync"

	"github.com/R3E-Network/coherence-bus/internal/domain"
)

// The concrete ML models behind drift/contradiction/utility are explicitly
// out of scope (spec.md §1: "the core calls them through a narrow
// evaluator interface"). HeuristicCapabilities is a deterministic,
// dependency-free stand-in usable in tests and as a starting wiring; real
// deployments register a Capabilities value backed by their own model
// clients instead.
type HeuristicCapabilities struct {
	mu   sync.Mutex
	ewma map[string]float64
}

// NewHeuristicCapabilities builds a HeuristicCapabilities with empty EWMA
// state.
func NewHeuristicCapabilities() *HeuristicCapabilities {
	return &HeuristicCapabilities{ewma: make(map[string]float64)}
}

// DriftEWMA implements EWMAProvider.
func (h *HeuristicCapabilities) DriftEWMA(target string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ewma[target]
}

// Drift estimates magnitude as the normalized confidence delta between the
// proposed mutation and the field/domain it targets, updating a
// per-target EWMA (alpha=0.3) for later degraded-mode fallback.
func (h *HeuristicCapabilities) Drift(_ context.Context, tree *domain.Tree, m *domain.Mutation) (DriftResult, error) {
	prevConfidence := 0.5
	if d, ok := tree.Domains[m.TargetDomain()]; ok {
		if field := m.TargetField(); field != "" {
			if f, ok := d.Fields[field]; ok {
				prevConfidence = f.Confidence
			}
		} else {
			prevConfidence = d.Confidence
		}
	}

	magnitude := math.Abs(m.Confidence - prevConfidence)

	h.mu.Lock()
	const alpha = 0.3
	h.ewma[m.Target] = alpha*magnitude + (1-alpha)*h.ewma[m.Target]
	h.mu.Unlock()

	return DriftResult{Magnitude: magnitude, Explanation: "confidence-delta heuristic"}, nil
}

// Contradict reports not-contradicting unless the mutation proposes a
// value opposite the current one for a boolean field, which is the only
// shape this heuristic can reason about without a real model.
func (h *HeuristicCapabilities) Contradict(_ context.Context, tree *domain.Tree, m *domain.Mutation) (ContradictionResult, error) {
	d, ok := tree.Domains[m.TargetDomain()]
	if !ok {
		return ContradictionResult{Verdict: VerdictNotContradicts}, nil
	}
	field := m.TargetField()
	if field == "" {
		return ContradictionResult{Verdict: VerdictNotContradicts}, nil
	}
	f, ok := d.Fields[field]
	if !ok {
		return ContradictionResult{Verdict: VerdictNotContradicts}, nil
	}

	curBool, curIsBool := f.Value.(bool)
	newBool, newIsBool := m.NewValue.(bool)
	if curIsBool && newIsBool && curBool != newBool {
		return ContradictionResult{
			Verdict:    VerdictContradicts,
			Confidence: 0.9,
			Evidence:   "boolean field flip without intervening consensus",
		}, nil
	}
	return ContradictionResult{Verdict: VerdictNotContradicts, Confidence: 0.95}, nil
}

// Revise is the identity revision: it never alters the proposed value.
func (h *HeuristicCapabilities) Revise(_ context.Context, _ *domain.Tree, m *domain.Mutation) (RevisionResult, error) {
	return RevisionResult{ApprovedValue: m.NewValue, Rationale: "identity", NewConfidence: m.Confidence}, nil
}

// Utility scores a mutation by its own proposed confidence, treating a
// confident proposal as a proxy for usefulness absent a real model.
func (h *HeuristicCapabilities) Utility(_ context.Context, _ *domain.Tree, m *domain.Mutation) (UtilityResult, error) {
	return UtilityResult{Score: m.Confidence, Features: map[string]float64{"confidence": m.Confidence}}, nil
}

// Capabilities adapts the receiver to the Capabilities bundle.
func (h *HeuristicCapabilities) Capabilities() Capabilities {
	return Capabilities{Drift: h, Contradict: h, Revise: h, Utility: h}
}
