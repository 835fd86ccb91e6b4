package pipeline

import (
	"context"
	"testing"
	"time"

	busv "github.com/R3E-Network/coherence-bus/internal/bus"
	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/evaluator"
	"github.com/R3E-Network/coherence-bus/internal/projector"
	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/store"
	"github.com/R3E-Network/coherence-bus/internal/validator"
	"github.com/R3E-Network/coherence-bus/pkg/config"
)

func testFloors() domain.ConfidenceFloors {
	return domain.ConfidenceFloors{High: 0.8, Medium: 0.6, Low: 0.4}
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *busv.Bus) {
	t.Helper()

	st := store.New(store.Config{Floors: testFloors(), MinScore: 0, SnapshotEvery: 0}, nil, nil)
	if err := st.Bootstrap("tester"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	cfg := config.New()
	var specs []busv.ChannelSpec
	for name, cc := range cfg.Channels {
		specs = append(specs, busv.ChannelSpec{Name: name, MaxLen: cc.MaxLen, Retention: cc.Retention, TimeoutWindow: 4 * time.Second})
	}
	b := busv.New(specs, busv.NewMemorySeenSet(time.Minute), resilience.DefaultConfig(), 3)

	caps := evaluator.NewHeuristicCapabilities()
	pool := evaluator.New(caps.Capabilities(), evaluator.Deadlines{
		Drift: 200 * time.Millisecond, Contradiction: 200 * time.Millisecond,
		Revision: 200 * time.Millisecond, Utility: 200 * time.Millisecond,
	}, evaluator.DefaultThresholds(), caps, 4, 10)

	proj := projector.New(projector.DefaultSpecs(), testFloors())
	v := validator.New(testFloors())

	p := New(b, v, pool, st, proj, nil, config.PipelineConfig{MaxRetries: 3, BackoffBaseMS: 10})
	return p, st, b
}

func TestPipeline_HappyPathCommitsAndProjects(t *testing.T) {
	p, st, b := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &domain.Mutation{
		MutationID: "m1",
		Type:       domain.MutationUpdateField,
		Target:     "TARGET_AUDIENCE.persona",
		NewValue:   "busy solo founder",
		Confidence: 0.9,
		Source:     "test",
		Timestamp:  time.Now().UTC(),
	}
	if _, err := p.Submit(ctx, m); err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() { _ = p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, tree := st.Current()
		if d, ok := tree.Domains["TARGET_AUDIENCE"]; ok {
			if f, ok := d.Fields["persona"]; ok && f.Value == "busy solo founder" {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, tree := st.Current()
	d, ok := tree.Domains["TARGET_AUDIENCE"]
	if !ok {
		t.Fatalf("expected TARGET_AUDIENCE domain to exist")
	}
	f, ok := d.Fields["persona"]
	if !ok || f.Value != "busy solo founder" {
		t.Fatalf("expected persona field to be committed, got %+v", d.Fields)
	}

	if got := b.ChannelLength(config.ChannelSemanticValidation); got == 0 {
		t.Errorf("expected at least one semantic_validation event")
	}
	if got := b.ChannelLength(config.ChannelFragmentUpdates); got == 0 {
		t.Errorf("expected at least one fragment_updates event")
	}
}

func TestPipeline_UnknownDomainRejectsWithoutDeadLetter(t *testing.T) {
	p, _, b := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &domain.Mutation{
		MutationID: "m2",
		Type:       domain.MutationUpdateField,
		Target:     "NOT_A_REAL_DOMAIN.x",
		NewValue:   "x",
		Confidence: 0.9,
		Source:     "test",
		Timestamp:  time.Now().UTC(),
	}
	if _, err := p.Submit(ctx, m); err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() { _ = p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ChannelLength(config.ChannelSemanticValidation) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := b.ChannelLength(config.ChannelSemanticValidation); got == 0 {
		t.Fatalf("expected a semantic_validation rejection event")
	}
	if len(p.DeadLetters()) != 0 {
		t.Errorf("expected a terminal validator rejection not to be dead-lettered, got %d", len(p.DeadLetters()))
	}
}
