// Package validator implements the Schema & Dependency Validator (§4.D): a
// stateless, deterministic check of a proposed (tree, mutation) pair.
package validator

import (
	"strings"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
)

// Validator holds only the configured confidence floors; it carries no
// other state and Check is a pure function of its arguments (§4.D).
type Validator struct {
	Floors domain.ConfidenceFloors
}

// New builds a Validator against the configured confidence floors.
func New(floors domain.ConfidenceFloors) *Validator {
	return &Validator{Floors: floors}
}

// Check validates a proposed mutation against the tree it would apply to,
// returning a *scberr.Error of one of the §4.D kinds on the first violation
// found, or nil if the mutation is structurally and referentially sound.
func (v *Validator) Check(tree *domain.Tree, m *domain.Mutation) *scberr.Error {
	if err := v.checkSchema(m); err != nil {
		return err
	}

	domainID := m.TargetDomain()
	field := m.TargetField()

	switch m.Type {
	case domain.MutationAddDomain:
		return v.checkAddDomain(tree, domainID, m)
	case domain.MutationRemoveField:
		if err := v.checkKnownDomain(tree, domainID); err != nil {
			return err
		}
		return CheckRemoval(domainID, field)
	case domain.MutationUpdateDomain:
		if err := v.checkKnownDomain(tree, domainID); err != nil {
			return err
		}
		return v.checkUpdateDomain(tree, domainID, m)
	default: // AddInsight, UpdateField
		if err := v.checkKnownDomain(tree, domainID); err != nil {
			return err
		}
		if field == "" {
			return scberr.SchemaInvalid("target must address a domain field for " + string(m.Type))
		}
		return v.checkFieldConfidence(tree, domainID, m)
	}
}

func (v *Validator) checkSchema(m *domain.Mutation) *scberr.Error {
	if m.MutationID == "" {
		return scberr.SchemaInvalid("mutation_id is required")
	}
	if m.Target == "" {
		return scberr.SchemaInvalid("target is required")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return scberr.SchemaInvalid("confidence must be in [0,1]")
	}
	if m.Source == "" {
		return scberr.SchemaInvalid("source is required")
	}
	if m.Timestamp.IsZero() {
		return scberr.SchemaInvalid("timestamp is required")
	}
	if m.Timestamp.Location() != time.UTC {
		return scberr.TimestampNotUtc("timestamp")
	}
	return nil
}

func (v *Validator) checkKnownDomain(tree *domain.Tree, domainID string) *scberr.Error {
	if _, ok := tree.Domains[domainID]; !ok {
		return scberr.UnknownDomain(domainID)
	}
	return nil
}

func (v *Validator) checkAddDomain(tree *domain.Tree, domainID string, m *domain.Mutation) *scberr.Error {
	if _, exists := tree.Domains[domainID]; exists {
		return scberr.SchemaInvalid("domain already exists: " + domainID)
	}
	nv, ok := m.NewValue.(*domain.Domain)
	if !ok {
		return scberr.SchemaInvalid("AddDomain new_value must be a Domain")
	}
	for _, dep := range nv.Dependencies {
		if dep == domainID {
			return scberr.CyclicDependency([]string{domainID, dep})
		}
		if _, ok := tree.Domains[dep]; !ok {
			return scberr.UnknownDomain(dep)
		}
	}
	if err := validateFieldNames(domainID, nv.Fields); err != nil {
		return err
	}
	return v.checkDomainConfidence(domainID, nv.Criticality, nv.Confidence)
}

func (v *Validator) checkUpdateDomain(tree *domain.Tree, domainID string, m *domain.Mutation) *scberr.Error {
	current := tree.Domains[domainID]

	nv, ok := m.NewValue.(*domain.Domain)
	if !ok {
		return scberr.SchemaInvalid("UpdateDomain new_value must be a Domain")
	}

	for _, dep := range nv.Dependencies {
		if dep == domainID {
			return scberr.CyclicDependency([]string{domainID, dep})
		}
		if _, ok := tree.Domains[dep]; !ok {
			return scberr.UnknownDomain(dep)
		}
	}

	working := tree.Clone()
	working.Domains[domainID] = nv
	if cyc := domain.CheckCycle(working.Domains); cyc != nil {
		return scberr.CyclicDependency(cyc)
	}

	if err := validateFieldNames(domainID, nv.Fields); err != nil {
		return err
	}

	criticality := nv.Criticality
	if criticality == "" {
		criticality = current.Criticality
	}
	return v.checkDomainConfidence(domainID, criticality, nv.Confidence)
}

func (v *Validator) checkFieldConfidence(tree *domain.Tree, domainID string, m *domain.Mutation) *scberr.Error {
	d := tree.Domains[domainID]
	floor := d.ConfidenceFloor(v.Floors.High, v.Floors.Medium, v.Floors.Low)
	if m.Confidence < floor {
		return scberr.ConfidenceBelowFloor(domainID, m.Confidence, floor)
	}
	return nil
}

func (v *Validator) checkDomainConfidence(domainID string, criticality domain.Criticality, confidence float64) *scberr.Error {
	floor := (&domain.Domain{Criticality: criticality}).ConfidenceFloor(v.Floors.High, v.Floors.Medium, v.Floors.Low)
	if confidence < floor {
		return scberr.ConfidenceBelowFloor(domainID, confidence, floor)
	}
	return nil
}

func validateFieldNames(domainID string, fields map[string]*domain.Field) *scberr.Error {
	seen := make(map[string]bool, len(fields))
	for name := range fields {
		lower := strings.ToLower(name)
		if lower != name {
			return scberr.SchemaInvalid("field name must be lowercase snake_case: " + name)
		}
		if seen[lower] {
			return scberr.DuplicateFieldName(domainID, name)
		}
		seen[lower] = true
	}
	return nil
}

// CheckRemoval enforces §4.D's ForbiddenRemoval rule: a RemoveField mutation
// whose target has no field component addresses the domain itself, and that
// whole-domain removal is forbidden for a foundational domain. Field-level
// removal is allowed on foundational domains. Called from Check's
// MutationRemoveField case so this is rejected at validation (step 3),
// before the mutation ever reaches the Evaluator Pool.
func CheckRemoval(domainID, field string) *scberr.Error {
	if field == "" && domain.IsFoundational(domainID) {
		return scberr.ForbiddenRemoval(domainID)
	}
	return nil
}
