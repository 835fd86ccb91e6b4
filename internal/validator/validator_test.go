package validator

import (
	"testing"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
)

func floors() domain.ConfidenceFloors {
	return domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4}
}

func baseTree() *domain.Tree {
	return &domain.Tree{
		Domains: map[string]*domain.Domain{
			"PAIN_POINTS": {
				Criticality: domain.CriticalityMedium,
				Confidence:  0.8,
				Fields: map[string]*domain.Field{
					"problemas_actuales": {Value: "old", Confidence: 0.7, Source: "seed", Timestamp: time.Now().UTC()},
				},
			},
			"ORGANIZACION": {
				Criticality:  domain.CriticalityHigh,
				Confidence:   0.9,
				Dependencies: []string{"PAIN_POINTS"},
			},
			"MERCADO": {
				Criticality: domain.CriticalityMedium,
				Confidence:  0.7,
			},
		},
	}
}

func TestCheck_HappyPathUpdateField(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m1",
		Type:       domain.MutationUpdateField,
		Target:     "PAIN_POINTS.problemas_actuales",
		NewValue:   "Context drift",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	if err := v.Check(baseTree(), m); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_ConfidenceBelowFloor(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m2",
		Type:       domain.MutationUpdateField,
		Target:     "ORGANIZACION.mission",
		NewValue:   "x",
		Confidence: 0.75,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeConfidenceBelowFloor) {
		t.Errorf("expected ConfidenceBelowFloor, got %v", err)
	}
}

func TestCheck_CyclicDependency(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m3",
		Type:       domain.MutationUpdateDomain,
		Target:     "PAIN_POINTS",
		NewValue: &domain.Domain{
			Criticality:  domain.CriticalityMedium,
			Confidence:   0.8,
			Dependencies: []string{"ORGANIZACION"},
		},
		Confidence: 0.8,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeCyclicDependency) {
		t.Errorf("expected CyclicDependency, got %v", err)
	}
}

func TestCheck_UnknownDomain(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m4",
		Type:       domain.MutationUpdateField,
		Target:     "NOPE.field",
		NewValue:   "x",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeUnknownDomain) {
		t.Errorf("expected UnknownDomain, got %v", err)
	}
}

func TestCheck_TimestampNotUtc(t *testing.T) {
	v := New(floors())
	loc := time.FixedZone("UTC-5", -5*60*60)
	m := &domain.Mutation{
		MutationID: "m5",
		Type:       domain.MutationUpdateField,
		Target:     "PAIN_POINTS.problemas_actuales",
		NewValue:   "x",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().In(loc),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeTimestampNotUtc) {
		t.Errorf("expected TimestampNotUtc, got %v", err)
	}
}

func TestCheck_RejectsWholeRemovalOfFoundationalDomain(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m-remove",
		Type:       domain.MutationRemoveField,
		Target:     "ORGANIZACION",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeForbiddenRemoval) {
		t.Errorf("expected ForbiddenRemoval at validation, got %v", err)
	}
}

func TestCheck_AllowsFieldRemovalOnFoundationalDomain(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m-remove-field",
		Type:       domain.MutationRemoveField,
		Target:     "PAIN_POINTS.problemas_actuales",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	if err := v.Check(baseTree(), m); err != nil {
		t.Errorf("expected field-level removal to pass validation, got %v", err)
	}
}

func TestCheckRemoval_ForbidsFoundationalDomainRemoval(t *testing.T) {
	err := CheckRemoval("ORGANIZACION", "")
	if err == nil || !scberr.Is(err, scberr.CodeForbiddenRemoval) {
		t.Errorf("expected ForbiddenRemoval, got %v", err)
	}
}

func TestCheckRemoval_AllowsFieldRemovalOnFoundationalDomain(t *testing.T) {
	if err := CheckRemoval("ORGANIZACION", "mission"); err != nil {
		t.Errorf("expected field removal to be allowed, got %v", err)
	}
}

func TestCheck_NonLowercaseFieldNameIsSchemaInvalid(t *testing.T) {
	v := New(floors())
	m := &domain.Mutation{
		MutationID: "m6",
		Type:       domain.MutationAddDomain,
		Target:     "NEW_DOMAIN",
		NewValue: &domain.Domain{
			Criticality: domain.CriticalityLow,
			Confidence:  0.5,
			Fields: map[string]*domain.Field{
				"Mission": {Value: "x", Confidence: 0.5, Source: "s", Timestamp: time.Now().UTC()},
			},
		},
		Confidence: 0.5,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	err := v.Check(baseTree(), m)
	if err == nil || !scberr.Is(err, scberr.CodeSchemaInvalid) {
		t.Errorf("expected SchemaInvalid for non-lowercase field name, got %v", err)
	}
}
