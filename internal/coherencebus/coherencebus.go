// Package coherencebus implements the Coherence Bus Core (§4.H): a thin
// façade over the Bus, Knowledge Store, and Mutation Pipeline exposing the
// publish/subscribe operations and health/metrics surface spec.md names.
package coherencebus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/bus"
	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/pipeline"
	"github.com/R3E-Network/coherence-bus/internal/store"
	"github.com/R3E-Network/coherence-bus/pkg/config"
	"github.com/R3E-Network/coherence-bus/pkg/logger"
	"github.com/R3E-Network/coherence-bus/pkg/metrics"
)

// CoherenceBus is the explicit-construction façade every external caller
// (HTTP admin surface, cbctl, the pipeline worker's own wiring) goes
// through, rather than reaching into the Bus/Store/Pipeline directly.
type CoherenceBus struct {
	bus      *bus.Bus
	store    *store.Store
	pipeline *pipeline.Pipeline
	log      *logger.Logger
}

// New wires an already-constructed Bus, Store and Pipeline into one façade.
func New(b *bus.Bus, st *store.Store, pl *pipeline.Pipeline, log *logger.Logger) *CoherenceBus {
	c := &CoherenceBus{bus: b, store: st, pipeline: pl, log: log}
	st.OnRollback(c.onRollback)
	return c
}

// onRollback routes a background-audit-triggered rollback onto
// coherence_alerts at priority 1 (§7 "Critical... is never swallowed").
func (c *CoherenceBus) onRollback(version string, cause error) {
	evt := struct {
		Kind    string `json:"kind"`
		Version string `json:"version"`
		Detail  string `json:"detail"`
	}{Kind: "invariant_violation_rollback", Version: version, Detail: cause.Error()}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.bus.Publish(ctx, config.ChannelCoherenceAlerts, "", "alert.invariant_violation_rollback", payload, 1, 30*24*3600, "coherencebus"); err != nil && c.log != nil {
		c.log.WithField("error", err).Error("failed to publish critical rollback alert")
	}
}

// PublishMutation submits a mutation for the pipeline to drive to a
// terminal status, returning the assigned context_mutations offset.
func (c *CoherenceBus) PublishMutation(ctx context.Context, m *domain.Mutation) (uint64, error) {
	return c.pipeline.Submit(ctx, m)
}

// PublishAlert emits an operator-facing alert directly (bypassing the
// pipeline, for callers — e.g. an external monitor — that are not
// reporting on a specific mutation).
func (c *CoherenceBus) PublishAlert(ctx context.Context, kind, detail string) (uint64, error) {
	evt := struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	}{Kind: kind, Detail: detail}
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}
	return c.bus.Publish(ctx, config.ChannelCoherenceAlerts, "", "alert."+kind, payload, 1, 30*24*3600, "coherencebus")
}

// PublishFragment emits a fragment directly, for projector implementations
// that run out-of-process from the pipeline.
func (c *CoherenceBus) PublishFragment(ctx context.Context, f *domain.Fragment) (uint64, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}
	return c.bus.Publish(ctx, config.ChannelFragmentUpdates, "", "fragment."+string(f.AgentKind), payload, 5, 14*24*3600, "coherencebus")
}

// SubscribeMutations, SubscribeValidations, SubscribeAlerts and
// SubscribeFragments are the subscription counterparts to the Publish*
// methods above (§4.H).
func (c *CoherenceBus) SubscribeMutations(ctx context.Context, group string, h bus.HandlerFunc) error {
	return c.bus.Subscribe(ctx, config.ChannelContextMutations, group, h)
}

func (c *CoherenceBus) SubscribeValidations(ctx context.Context, group string, h bus.HandlerFunc) error {
	return c.bus.Subscribe(ctx, config.ChannelSemanticValidation, group, h)
}

func (c *CoherenceBus) SubscribeAlerts(ctx context.Context, group string, h bus.HandlerFunc) error {
	return c.bus.Subscribe(ctx, config.ChannelCoherenceAlerts, group, h)
}

func (c *CoherenceBus) SubscribeFragments(ctx context.Context, group string, h bus.HandlerFunc) error {
	return c.bus.Subscribe(ctx, config.ChannelFragmentUpdates, group, h)
}

// HealthReport is the §7 "Health endpoint" shape: per-breaker state,
// per-channel length, commit lag, coherence score and dead-letter count.
// It carries no evaluator degradation flags.
type HealthReport struct {
	Version          string           `json:"version"`
	CoherenceScore   float64          `json:"coherence_score"`
	CommitLagSeconds float64          `json:"commit_lag_seconds"`
	ChannelLengths   map[string]int   `json:"channel_lengths"`
	BreakerStates    map[string]string `json:"breaker_states"`
	DeadLettered     int              `json:"dead_lettered_mutations"`
}

var channels = []string{
	config.ChannelContextMutations,
	config.ChannelSemanticValidation,
	config.ChannelCoherenceAlerts,
	config.ChannelFragmentUpdates,
}

// Health assembles the current HealthReport and records it to Prometheus.
func (c *CoherenceBus) Health() HealthReport {
	version, tree := c.store.Current()
	lag := time.Since(tree.LastUpdated)

	report := HealthReport{
		Version:          version,
		CoherenceScore:   tree.CoherenceScore,
		CommitLagSeconds: lag.Seconds(),
		ChannelLengths:   make(map[string]int, len(channels)),
		BreakerStates:    make(map[string]string, len(channels)),
		DeadLettered:     len(c.pipeline.DeadLetters()),
	}
	for _, ch := range channels {
		report.ChannelLengths[ch] = c.bus.ChannelLength(ch)
		report.BreakerStates[ch] = c.bus.BreakerState(ch).String()
	}

	metrics.SetCommitLag(lag)
	metrics.SetCoherenceScore(tree.CoherenceScore)
	return report
}

// Metrics returns the Prometheus scrape handler.
func (c *CoherenceBus) Metrics() http.Handler {
	return metrics.Handler()
}

// ReplayFrom rewinds a channel's consumer group to offset (`bus replay
// --from-offset`, §6).
func (c *CoherenceBus) ReplayFrom(channel, consumerGroup string, offset uint64) error {
	return c.bus.ReplayFrom(channel, consumerGroup, offset)
}

// ResetBreaker forces a channel's circuit breaker back to Closed
// (`circuit reset <name>`, §6).
func (c *CoherenceBus) ResetBreaker(channel string) error {
	return c.bus.ResetBreaker(channel)
}

// Snapshot forces an immediate Knowledge Store snapshot (`store
// snapshot`, §6).
func (c *CoherenceBus) Snapshot(ctx context.Context) error {
	return c.store.Snapshot(ctx)
}

// RestoreFrom loads a specific Knowledge Store snapshot key, overriding
// the current in-memory tree (`store restore <snapshot>`, §6).
func (c *CoherenceBus) RestoreFrom(ctx context.Context, snapshotKey string) error {
	return c.store.RestoreFrom(ctx, snapshotKey)
}
