package projector

import (
	"testing"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
)

func testTree() *domain.Tree {
	t := domain.NewTree()
	t.Version = "0.0.1"
	t.CoherenceScore = 0.9
	t.Domains["TARGET_AUDIENCE"] = &domain.Domain{
		Type:        domain.TypeTargetAudience,
		Criticality: domain.CriticalityHigh,
		Confidence:  0.85,
		Fields: map[string]*domain.Field{
			"persona": {Value: "solo founder", Confidence: 0.85, Timestamp: time.Now().UTC()},
		},
	}
	t.Domains["MARKET_CONTEXT"] = &domain.Domain{
		Type:        domain.TypeMarketContext,
		Criticality: domain.CriticalityMedium,
		Confidence:  0.7,
		Fields:      map[string]*domain.Field{},
	}
	return t
}

func floors() domain.ConfidenceFloors {
	return domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4}
}

func TestProject_EmitsOnlyIntersectingAgents(t *testing.T) {
	p := New(DefaultSpecs(), floors())
	frags, err := p.Project(testTree(), []string{"TARGET_AUDIENCE"}, "0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kinds := make(map[domain.AgentKind]bool)
	for _, f := range frags {
		kinds[f.AgentKind] = true
	}
	if !kinds[domain.AgentBuyerPersonas] || !kinds[domain.AgentPainPoints] {
		t.Errorf("expected BUYER_PERSONAS and PAIN_POINTS to be emitted, got %v", kinds)
	}
	if kinds[domain.AgentOferta] || kinds[domain.AgentMercado] {
		t.Errorf("expected OFERTA/MERCADO not to be emitted for a TARGET_AUDIENCE-only diff, got %v", kinds)
	}
}

func TestProject_DedupesUnchangedContent(t *testing.T) {
	p := New(DefaultSpecs(), floors())
	tree := testTree()

	first, err := p.Project(tree, []string{"TARGET_AUDIENCE"}, "0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("expected at least one fragment on first projection")
	}

	second, err := p.Project(tree, []string{"TARGET_AUDIENCE"}, "0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, f := range second {
		if f.AgentKind == domain.AgentBuyerPersonas {
			t.Errorf("expected BUYER_PERSONAS fragment to be deduped on unchanged content")
		}
	}
}

func TestProject_FieldRestrictedSpecOnlyIncludesListedFields(t *testing.T) {
	spec := domain.ProjectionSpec{
		AgentKind: domain.AgentBuyerPersonas,
		Phase:     domain.PhaseDiscovery,
		DomainIDs: []string{"TARGET_AUDIENCE"},
		Fields:    map[string][]string{"TARGET_AUDIENCE": {"persona"}},
	}
	p := New([]domain.ProjectionSpec{spec}, floors())
	frags, err := p.Project(testTree(), []string{"TARGET_AUDIENCE"}, "0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected exactly one fragment, got %d", len(frags))
	}
	restricted, ok := frags[0].ContextSubset["TARGET_AUDIENCE"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a field-restricted map, got %T", frags[0].ContextSubset["TARGET_AUDIENCE"])
	}
	if _, ok := restricted["persona"]; !ok {
		t.Errorf("expected 'persona' field present in restricted subset")
	}
}
