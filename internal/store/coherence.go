package store

import "github.com/R3E-Network/coherence-bus/internal/domain"

// coherence_score is left implementation-defined by spec.md §9 ("the exact
// formula is implementation-defined but must be reproducible in tests").
// This is a deterministic weighted average of four signals, each in
// [0,1], monotone in invariant satisfaction: a tree that is acyclic, fully
// resolved, and meets every confidence floor scores higher than one that
// doesn't, and the weights are fixed so the result is reproducible byte-
// for-byte given the same tree.
const (
	weightAvgConfidence    = 0.4
	weightFloorSatisfaction = 0.3
	weightResolution       = 0.2
	weightAcyclic          = 0.1
)

// Coherence computes the tree's coherence_score (§3, §9).
func Coherence(domains map[string]*domain.Domain, floors domain.ConfidenceFloors) float64 {
	if len(domains) == 0 {
		return 0
	}

	var confidenceSum float64
	var floorsMet int
	var totalDeps, resolvedDeps int

	for _, d := range domains {
		confidenceSum += d.Confidence
		if d.Confidence >= d.ConfidenceFloor(floors.High, floors.Medium, floors.Low) {
			floorsMet++
		}
		for _, dep := range d.Dependencies {
			totalDeps++
			if _, ok := domains[dep]; ok {
				resolvedDeps++
			}
		}
	}

	avgConfidence := confidenceSum / float64(len(domains))
	floorSatisfaction := float64(floorsMet) / float64(len(domains))

	resolution := 1.0
	if totalDeps > 0 {
		resolution = float64(resolvedDeps) / float64(totalDeps)
	}

	acyclic := 1.0
	if domain.CheckCycle(domains) != nil {
		acyclic = 0.0
	}

	return weightAvgConfidence*avgConfidence +
		weightFloorSatisfaction*floorSatisfaction +
		weightResolution*resolution +
		weightAcyclic*acyclic
}
