package store

import (
	"testing"

	"github.com/R3E-Network/coherence-bus/internal/domain"
)

func TestCoherence_PinnedValues(t *testing.T) {
	floors := domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4}

	cases := []struct {
		name    string
		domains map[string]*domain.Domain
		want    float64
	}{
		{
			name: "single domain meeting its floor, no deps",
			domains: map[string]*domain.Domain{
				"A": {Criticality: domain.CriticalityHigh, Confidence: 0.8},
			},
			want: 0.4*0.8 + 0.3*1.0 + 0.2*1.0 + 0.1*1.0, // = 0.92
		},
		{
			name: "single domain below its floor",
			domains: map[string]*domain.Domain{
				"A": {Criticality: domain.CriticalityHigh, Confidence: 0.5},
			},
			want: 0.4*0.5 + 0.3*0.0 + 0.2*1.0 + 0.1*1.0, // = 0.5
		},
		{
			name: "two domains with a cycle",
			domains: map[string]*domain.Domain{
				"A": {Criticality: domain.CriticalityMedium, Confidence: 0.7, Dependencies: []string{"B"}},
				"B": {Criticality: domain.CriticalityMedium, Confidence: 0.7, Dependencies: []string{"A"}},
			},
			want: 0.4*0.7 + 0.3*1.0 + 0.2*1.0 + 0.1*0.0, // = 0.78
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Coherence(c.domains, floors)
			if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Coherence() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCoherence_EmptyTreeIsZero(t *testing.T) {
	floors := domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4}
	if got := Coherence(map[string]*domain.Domain{}, floors); got != 0 {
		t.Errorf("expected 0 for empty tree, got %v", got)
	}
}
