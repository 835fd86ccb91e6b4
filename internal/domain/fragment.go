package domain

import "time"

// AgentKind enumerates the known Fragment consumer kinds. The set is left
// open for configuration-driven registration (§9 "evaluators are
// discovered via configuration"); these are the ones named in spec.md's
// scenarios.
type AgentKind string

const (
	AgentBuyerPersonas AgentKind = "BUYER_PERSONAS"
	AgentPainPoints    AgentKind = "PAIN_POINTS"
	AgentOferta        AgentKind = "OFERTA"
	AgentMercado       AgentKind = "MERCADO"
)

// Phase is the planning stage a Fragment was generated for (§3).
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhasePlanning     Phase = "planning"
	PhaseExecution    Phase = "execution"
	PhaseOptimization Phase = "optimization"
)

// Fragment is a per-agent projection of the tree, emitted on relevant
// commits (§3, §4.G).
type Fragment struct {
	FragmentID           string                 `json:"fragment_id"`
	AgentKind            AgentKind              `json:"agent_kind"`
	Phase                Phase                  `json:"phase"`
	ContextSubset        map[string]interface{} `json:"context_subset"`
	CoherenceScore       float64                `json:"coherence_score"`
	Dependencies         []string               `json:"dependencies"`
	GeneratedAt          time.Time              `json:"generated_at"`
	ParentCommitVersion  string                 `json:"parent_commit_version"`
	ContentHash          string                 `json:"content_hash"`
}

// ProjectionSpec declares, per agent kind, which DomainIds (and optionally
// which fields within them) feed its fragments (§4.G step 2).
type ProjectionSpec struct {
	AgentKind AgentKind
	Phase     Phase
	// DomainIDs this agent's fragment draws from. A commit touching any of
	// these (via its diff set) triggers re-projection.
	DomainIDs []string
	// Fields, if non-empty, restricts the field predicate to a subset of
	// each domain's fields instead of taking it whole.
	Fields map[string][]string
}

// Intersects reports whether the projection spec is affected by a commit's
// diff set of changed DomainIds.
func (p ProjectionSpec) Intersects(diff map[string]bool) bool {
	for _, id := range p.DomainIDs {
		if diff[id] {
			return true
		}
	}
	return false
}
