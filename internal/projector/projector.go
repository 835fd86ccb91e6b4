// Package projector implements the Fragment Projector (§4.G): on every
// applied commit it materializes a per-agent-kind view of the knowledge
// tree, deduped by content hash, for agents whose projection spec
// intersects the commit's diff set.
package projector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/store"
)

// Projector holds the registered projection specs and the last-emitted
// fragment hash per agent kind, for the §4.G step 4 dedup gate.
type Projector struct {
	mu       sync.Mutex
	specs    []domain.ProjectionSpec
	lastHash map[domain.AgentKind]string
	floors   domain.ConfidenceFloors
}

// New builds a Projector over the given projection specs.
func New(specs []domain.ProjectionSpec, floors domain.ConfidenceFloors) *Projector {
	return &Projector{
		specs:    specs,
		lastHash: make(map[domain.AgentKind]string),
		floors:   floors,
	}
}

// DefaultSpecs returns the projection specs for the agent kinds named in
// spec.md's scenarios, each drawing from the foundational domains most
// relevant to that agent's concern.
func DefaultSpecs() []domain.ProjectionSpec {
	return []domain.ProjectionSpec{
		{
			AgentKind: domain.AgentBuyerPersonas,
			Phase:     domain.PhaseDiscovery,
			DomainIDs: []string{"TARGET_AUDIENCE", "MARKET_CONTEXT"},
		},
		{
			AgentKind: domain.AgentPainPoints,
			Phase:     domain.PhaseDiscovery,
			DomainIDs: []string{"CHALLENGES_PROBLEMS", "TARGET_AUDIENCE"},
		},
		{
			AgentKind: domain.AgentOferta,
			Phase:     domain.PhasePlanning,
			DomainIDs: []string{"VALUE_PROPOSITION", "GOALS_METRICS"},
		},
		{
			AgentKind: domain.AgentMercado,
			Phase:     domain.PhasePlanning,
			DomainIDs: []string{"MARKET_CONTEXT", "CONSTRAINTS_COMPLIANCE"},
		},
	}
}

// Project computes one Fragment per agent_kind whose projection spec
// intersects diff, skipping agents whose projected content is unchanged
// since their last emission (§4.G steps 2-4).
func (p *Projector) Project(tree *domain.Tree, diff []string, commitVersion string) ([]*domain.Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	diffSet := make(map[string]bool, len(diff))
	for _, d := range diff {
		diffSet[d] = true
	}

	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}

	var fragments []*domain.Fragment
	for _, spec := range p.specs {
		if !spec.Intersects(diffSet) {
			continue
		}

		subset, subsetDomains := p.subset(treeJSON, tree, spec)
		subsetJSON, err := json.Marshal(subset)
		if err != nil {
			return nil, err
		}
		hash := contentHash(subsetJSON)
		if p.lastHash[spec.AgentKind] == hash {
			continue
		}
		p.lastHash[spec.AgentKind] = hash

		fragments = append(fragments, &domain.Fragment{
			FragmentID:          uuid.NewString(),
			AgentKind:           spec.AgentKind,
			Phase:               spec.Phase,
			ContextSubset:       subset,
			CoherenceScore:      (tree.CoherenceScore + store.Coherence(subsetDomains, p.floors)) / 2,
			Dependencies:        dependenciesOf(subsetDomains),
			GeneratedAt:         time.Now().UTC(),
			ParentCommitVersion: commitVersion,
			ContentHash:         hash,
		})
	}
	return fragments, nil
}

// subset extracts spec's DomainIds (optionally restricted to spec.Fields)
// out of the tree, by path via gjson the way the teacher's price-feed
// extractor pulls a value out of a fetched JSON document by JSONPath.
func (p *Projector) subset(treeJSON []byte, tree *domain.Tree, spec domain.ProjectionSpec) (map[string]interface{}, map[string]*domain.Domain) {
	subset := make(map[string]interface{}, len(spec.DomainIDs))
	subsetDomains := make(map[string]*domain.Domain, len(spec.DomainIDs))

	for _, id := range spec.DomainIDs {
		d, ok := tree.Domains[id]
		if !ok {
			continue
		}
		subsetDomains[id] = d

		fields, restrict := spec.Fields[id]
		if !restrict {
			result := gjson.GetBytes(treeJSON, "domains."+gjsonEscape(id))
			if result.Exists() {
				subset[id] = result.Value()
			}
			continue
		}

		restricted := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			result := gjson.GetBytes(treeJSON, "domains."+gjsonEscape(id)+".fields."+gjsonEscape(f))
			if result.Exists() {
				restricted[f] = result.Value()
			}
		}
		subset[id] = restricted
	}
	return subset, subsetDomains
}

// gjsonEscape escapes path separators gjson would otherwise interpret as
// structure (DomainIds/field names in this spec are upper-snake-case and
// never contain '.', but this keeps the path builder honest).
func gjsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		safe := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == ':' || c <= ' ' || c > '~'
		if !safe {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

func dependenciesOf(domains map[string]*domain.Domain) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range domains {
		for _, dep := range d.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	sort.Strings(out)
	return out
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
