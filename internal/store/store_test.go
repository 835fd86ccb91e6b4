package store

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
)

func testConfig() Config {
	return Config{
		Floors:        domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4},
		MinScore:      0.0, // score floor off; TestStore_InvariantViolationAbortsCommit raises it to force a violation
		SnapshotEvery: 256,
	}
}

func TestStore_BootstrapHasAllFoundationalDomains(t *testing.T) {
	s := New(testConfig(), NewMemoryBackend(), nil)
	if err := s.Bootstrap("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, tree := s.Current()
	if len(domain.MissingFoundationalDomains(tree.Domains)) != 0 {
		t.Errorf("expected all foundational domains present")
	}
}

func TestStore_CommitHappyPath(t *testing.T) {
	s := New(testConfig(), NewMemoryBackend(), nil)
	_ = s.Bootstrap("test")

	baseVersion, _ := s.Current()
	m := &domain.Mutation{
		MutationID: "m1",
		Type:       domain.MutationUpdateField,
		Target:     "ORGANIZACION.mission",
		NewValue:   "grow",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
	token := s.Propose(m, baseVersion)

	newVersion, err := s.Commit(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newVersion == baseVersion {
		t.Errorf("expected version to advance")
	}

	_, tree := s.Current()
	f := tree.Domains["ORGANIZACION"].Fields["mission"]
	if f == nil || f.Value != "grow" {
		t.Errorf("expected mission field to be set, got %+v", f)
	}
}

func TestStore_CommitStaleBaseVersionConflicts(t *testing.T) {
	s := New(testConfig(), NewMemoryBackend(), nil)
	_ = s.Bootstrap("test")

	baseVersion, _ := s.Current()
	m1 := &domain.Mutation{MutationID: "m1", Type: domain.MutationUpdateField, Target: "ORGANIZACION.a", NewValue: "1", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token1 := s.Propose(m1, baseVersion)
	if _, err := s.Commit(context.Background(), token1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m2 := &domain.Mutation{MutationID: "m2", Type: domain.MutationUpdateField, Target: "ORGANIZACION.b", NewValue: "2", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token2 := s.Propose(m2, baseVersion) // stale base_version

	_, err := s.Commit(context.Background(), token2)
	if err == nil || !scberr.Is(err, scberr.CodeConflict) {
		t.Errorf("expected Conflict, got %v", err)
	}
}

func TestStore_InvariantViolationAbortsCommit(t *testing.T) {
	cfg := testConfig()
	cfg.MinScore = 2.0 // impossible to satisfy, forcing InvariantViolation
	s := New(cfg, NewMemoryBackend(), nil)
	_ = s.Bootstrap("test")

	baseVersion, _ := s.Current()
	m := &domain.Mutation{MutationID: "m1", Type: domain.MutationUpdateField, Target: "ORGANIZACION.a", NewValue: "1", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token := s.Propose(m, baseVersion)

	_, err := s.Commit(context.Background(), token)
	if err == nil || !scberr.Is(err, scberr.CodeInvariantViolation) {
		t.Errorf("expected InvariantViolation, got %v", err)
	}

	afterVersion, _ := s.Current()
	if afterVersion != baseVersion {
		t.Errorf("expected tree unchanged after aborted commit")
	}
}

func TestStore_SnapshotAndRestoreRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(testConfig(), backend, nil)
	_ = s.Bootstrap("test")

	baseVersion, _ := s.Current()
	m := &domain.Mutation{MutationID: "m1", Type: domain.MutationUpdateField, Target: "ORGANIZACION.a", NewValue: "1", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token := s.Propose(m, baseVersion)
	if _, err := s.Commit(context.Background(), token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored := New(testConfig(), backend, nil)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantVersion, wantTree := s.Current()
	gotVersion, gotTree := restored.Current()
	if gotVersion != wantVersion {
		t.Errorf("version = %s, want %s", gotVersion, wantVersion)
	}
	if gotTree.ContextHash != wantTree.ContextHash {
		t.Errorf("hash = %s, want %s", gotTree.ContextHash, wantTree.ContextHash)
	}
}

func TestStore_RestoreFromLoadsNamedSnapshotNotLatest(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(testConfig(), backend, nil)
	_ = s.Bootstrap("test")

	v1, _ := s.Current()
	m1 := &domain.Mutation{MutationID: "m1", Type: domain.MutationUpdateField, Target: "ORGANIZACION.a", NewValue: "1", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token1 := s.Propose(m1, v1)
	if _, err := s.Commit(context.Background(), token1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, _ := s.Current()
	if err := s.Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m2 := &domain.Mutation{MutationID: "m2", Type: domain.MutationUpdateField, Target: "ORGANIZACION.a", NewValue: "2", Confidence: 0.9, Source: "s", Timestamp: time.Now().UTC()}
	token2 := s.Propose(m2, v2)
	if _, err := s.Commit(context.Background(), token2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Snapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored := New(testConfig(), backend, nil)
	if err := restored.RestoreFrom(context.Background(), "snapshot/"+v2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotVersion, _ := restored.Current()
	if gotVersion != v2 {
		t.Errorf("version = %s, want the named older snapshot %s", gotVersion, v2)
	}
}

func TestStore_RestoreFromWithoutBackendErrors(t *testing.T) {
	s := New(testConfig(), nil, nil)
	_ = s.Bootstrap("test")
	if err := s.RestoreFrom(context.Background(), "snapshot/anything"); err == nil {
		t.Fatalf("expected an error restoring without a backend")
	}
}

func TestStore_ForbiddenRemovalOfFoundationalDomain(t *testing.T) {
	s := New(testConfig(), NewMemoryBackend(), nil)
	_ = s.Bootstrap("test")

	baseVersion, _ := s.Current()
	m := &domain.Mutation{MutationID: "m1", Type: domain.MutationRemoveField, Target: "ORGANIZACION", Source: "s", Timestamp: time.Now().UTC()}
	token := s.Propose(m, baseVersion)

	_, err := s.Commit(context.Background(), token)
	if err == nil || !scberr.Is(err, scberr.CodeForbiddenRemoval) {
		t.Errorf("expected ForbiddenRemoval, got %v", err)
	}
}
