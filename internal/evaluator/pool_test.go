package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
)

func baseTree() *domain.Tree {
	return &domain.Tree{
		Domains: map[string]*domain.Domain{
			"PAIN_POINTS": {
				Criticality: domain.CriticalityMedium,
				Confidence:  0.7,
				Fields: map[string]*domain.Field{
					"problemas_actuales": {Value: "old", Confidence: 0.7},
				},
			},
		},
	}
}

func deadlines() Deadlines {
	return Deadlines{Drift: 50 * time.Millisecond, Contradiction: 50 * time.Millisecond, Revision: 50 * time.Millisecond, Utility: 50 * time.Millisecond}
}

func TestPool_HappyPath(t *testing.T) {
	h := NewHeuristicCapabilities()
	p := New(h.Capabilities(), deadlines(), DefaultThresholds(), h, 0, 0)

	m := &domain.Mutation{Target: "PAIN_POINTS.problemas_actuales", NewValue: "new", Confidence: 0.9}
	out, err := p.Evaluate(context.Background(), baseTree(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reject != nil {
		t.Errorf("expected no rejection, got %v", out.Reject)
	}
	if len(out.Degraded) != 0 {
		t.Errorf("expected no degradation, got %v", out.Degraded)
	}
}

type failAll struct{}

func (failAll) Drift(context.Context, *domain.Tree, *domain.Mutation) (DriftResult, error) {
	return DriftResult{}, errors.New("boom")
}
func (failAll) Contradict(context.Context, *domain.Tree, *domain.Mutation) (ContradictionResult, error) {
	return ContradictionResult{}, errors.New("boom")
}
func (failAll) Revise(context.Context, *domain.Tree, *domain.Mutation) (RevisionResult, error) {
	return RevisionResult{}, errors.New("boom")
}
func (failAll) Utility(context.Context, *domain.Tree, *domain.Mutation) (UtilityResult, error) {
	return UtilityResult{}, errors.New("boom")
}

func TestPool_TwoFailuresDegrade(t *testing.T) {
	caps := Capabilities{Drift: failAll{}, Contradict: failAll{}, Revise: NewHeuristicCapabilities(), Utility: NewHeuristicCapabilities()}
	p := New(caps, deadlines(), DefaultThresholds(), nil, 0, 0)

	m := &domain.Mutation{Target: "PAIN_POINTS.problemas_actuales", NewValue: "new", Confidence: 0.9}
	out, err := p.Evaluate(context.Background(), baseTree(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reject == nil {
		t.Fatalf("expected EvaluatorsDegraded rejection")
	}
}

func TestPool_UtilityTooLowRejects(t *testing.T) {
	h := NewHeuristicCapabilities()
	caps := h.Capabilities()
	caps.Utility = lowUtility{}
	p := New(caps, deadlines(), DefaultThresholds(), h, 0, 0)

	m := &domain.Mutation{Target: "PAIN_POINTS.problemas_actuales", NewValue: "new", Confidence: 0.9}
	out, err := p.Evaluate(context.Background(), baseTree(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reject == nil {
		t.Fatalf("expected UtilityTooLow rejection")
	}
}

type lowUtility struct{}

func (lowUtility) Utility(context.Context, *domain.Tree, *domain.Mutation) (UtilityResult, error) {
	return UtilityResult{Score: 0.1}, nil
}
