// Package pipeline implements the Mutation Pipeline (§4.F): the worker
// that drives a submitted Mutation through validation, evaluation, and
// commit, with per-target serialization, conflict rebase, and the
// terminal-vs-transient failure classification of §7.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/bus"
	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/evaluator"
	"github.com/R3E-Network/coherence-bus/internal/projector"
	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
	"github.com/R3E-Network/coherence-bus/internal/store"
	"github.com/R3E-Network/coherence-bus/pkg/config"
	"github.com/R3E-Network/coherence-bus/pkg/logger"
	"github.com/R3E-Network/coherence-bus/pkg/metrics"
)

// Pipeline wires the Bus, Validator, Evaluator Pool, Knowledge Store and
// Fragment Projector together into the submit-to-commit chain (§4.F).
type Pipeline struct {
	bus       *bus.Bus
	validator checker
	pool      *evaluator.Pool
	store     *store.Store
	projector *projector.Projector
	log       *logger.Logger
	cfg       config.PipelineConfig
	seen      *bus.MemorySeenSet

	locksMu     sync.Mutex
	targetLocks map[string]*sync.Mutex

	mu          sync.Mutex
	deadLetters []*domain.Mutation
}

// checker is the Validator's interface, narrowed so pipeline tests can
// substitute a stub without constructing a full validator.Validator.
type checker interface {
	Check(tree *domain.Tree, m *domain.Mutation) *scberr.Error
}

// New builds a Pipeline from its already-constructed collaborators.
func New(b *bus.Bus, v checker, pool *evaluator.Pool, st *store.Store, proj *projector.Projector, log *logger.Logger, cfg config.PipelineConfig) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{
		bus:         b,
		validator:   v,
		pool:        pool,
		store:       st,
		projector:   proj,
		log:         log,
		cfg:         cfg,
		seen:        bus.NewMemorySeenSet(10 * time.Minute),
		targetLocks: make(map[string]*sync.Mutex),
	}
}

// Run subscribes to context_mutations and drives every delivered mutation
// through the pipeline until ctx is cancelled (§4.F step 1-2).
func (p *Pipeline) Run(ctx context.Context) error {
	return p.bus.Subscribe(ctx, config.ChannelContextMutations, "pipeline", p.handle)
}

// Submit publishes m onto context_mutations, returning the assigned offset
// (§4.F "submit(mutation) -> ack(offset)").
func (p *Pipeline) Submit(ctx context.Context, m *domain.Mutation) (uint64, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return 0, scberr.SchemaInvalid("mutation does not serialize: " + err.Error())
	}
	return p.bus.Publish(ctx, config.ChannelContextMutations, m.MutationID, "mutation."+string(m.Type), payload, 5, 3600, "pipeline-submit")
}

func (p *Pipeline) handle(ctx context.Context, env bus.Envelope) error {
	var m domain.Mutation
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		if p.log != nil {
			p.log.WithField("error", err).Error("dropping malformed mutation envelope")
		}
		return nil // not retryable; drop rather than poison the channel forever
	}
	if m.MutationID == "" {
		m.MutationID = env.MessageID
	}
	ctx = logger.WithMutationID(ctx, m.MutationID)
	ctx = logger.WithChannel(ctx, env.Channel)
	ctx = logger.WithActor(ctx, m.Source)
	ctx = logger.WithRole(ctx, string(m.Type))

	if dup, _ := p.seen.Seen(ctx, m.MutationID, time.Hour); dup {
		return nil
	}

	lock := p.lockFor(m.TargetDomain())
	lock.Lock()
	defer lock.Unlock()

	p.process(ctx, &m)
	return nil
}

func (p *Pipeline) lockFor(target string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.targetLocks[target]
	if !ok {
		l = &sync.Mutex{}
		p.targetLocks[target] = l
	}
	return l
}

// process drives one mutation through validate -> evaluate -> commit,
// rebasing on Conflict and retrying transient failures, per §4.F steps 3-7
// and the §7 failure-classification table.
func (p *Pipeline) process(ctx context.Context, m *domain.Mutation) {
	needsFullEval := true
	rebaseAttempts := 0

	for {
		var outcome *evaluator.Outcome
		var newVersion string
		var attemptErr error

		retryCfg := resilience.DefaultRetryConfig()
		if base := p.cfg.BackoffBase(); base > 0 {
			retryCfg.InitialDelay = base
		}
		retryErr := resilience.Retry(ctx, retryCfg, func(c context.Context) error {
			outcome, newVersion, attemptErr = p.attempt(c, m, needsFullEval)
			if attemptErr != nil && scberr.IsTransient(attemptErr) && !scberr.Is(attemptErr, scberr.CodeConflict) {
				return attemptErr
			}
			return nil
		})
		if retryErr != nil {
			p.deadLetter(m, retryErr)
			metrics.RecordSubmission("dead_lettered")
			p.publishAlert(ctx, m, "retry_exhausted", retryErr.Error())
			return
		}

		if attemptErr != nil {
			if scberr.Is(attemptErr, scberr.CodeConflict) {
				rebaseAttempts++
				if rebaseAttempts > p.cfg.MaxRetries {
					m.Status = domain.StatusRejected
					m.RejectReason = scberr.Contention().Error()
					metrics.RecordSubmission("contention")
					p.publishValidation(ctx, m, nil)
					return
				}
				diff, derr := p.store.DiffSince(m.BaseVersion)
				needsFullEval = derr != nil || diff[m.TargetDomain()]
				continue
			}

			m.Status = domain.StatusRejected
			m.RejectReason = attemptErr.Error()
			metrics.RecordSubmission("rejected")
			p.publishValidation(ctx, m, outcome)
			return
		}

		if outcome.Suspended {
			m.Status = domain.StatusSuspended
			metrics.RecordSubmission("suspended")
			p.publishValidation(ctx, m, outcome)
			p.publishAlert(ctx, m, "contradiction_pending", "contradiction evaluator requires deliberation")
			return
		}

		*m = *outcome.Mutation
		m.Status = domain.StatusApplied
		metrics.RecordSubmission("applied")
		p.publishValidation(ctx, m, outcome)
		p.projectAndPublish(ctx, newVersion, m)
		return
	}
}

// attempt runs one validate+evaluate+commit cycle. needsFullEval false
// means the caller has already determined the conflicting commit's diff
// did not touch this mutation's target, so only a fresh commit token is
// needed (§4.F step 6 "fast re-commit").
func (p *Pipeline) attempt(ctx context.Context, m *domain.Mutation, needsFullEval bool) (*evaluator.Outcome, string, error) {
	baseVersion, tree := p.store.Current()
	m.BaseVersion = baseVersion

	outcome := &evaluator.Outcome{Mutation: m}

	if needsFullEval {
		vStart := time.Now()
		verr := p.validator.Check(tree, m)
		metrics.RecordStage("validate", time.Since(vStart))
		if verr != nil {
			return nil, "", verr
		}

		eStart := time.Now()
		out, everr := p.pool.Evaluate(ctx, tree, m)
		metrics.RecordStage("evaluate", time.Since(eStart))
		if everr != nil {
			return nil, "", everr
		}
		if out.Reject != nil {
			return out, "", out.Reject
		}
		outcome = out

		// The revised mutation re-enters validation exactly once (§4.E
		// step 3), regardless of whether belief revision actually changed
		// anything.
		if revalErr := p.validator.Check(tree, outcome.Mutation); revalErr != nil {
			return outcome, "", revalErr
		}
	}

	cStart := time.Now()
	token := p.store.Propose(outcome.Mutation, baseVersion)
	newVersion, cerr := p.store.Commit(ctx, token)
	metrics.RecordStage("commit", time.Since(cStart))
	if cerr != nil {
		return outcome, "", cerr
	}
	return outcome, newVersion, nil
}

func (p *Pipeline) deadLetter(m *domain.Mutation, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.Status = domain.StatusRejected
	m.RejectReason = cause.Error()
	p.deadLetters = append(p.deadLetters, m.Clone())
}

// DeadLetters returns the mutations that exhausted transient retries,
// for administrative inspection (`cbctl` surfaces this via health()).
func (p *Pipeline) DeadLetters() []*domain.Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.Mutation, len(p.deadLetters))
	copy(out, p.deadLetters)
	return out
}

type validationEvent struct {
	MutationID   string   `json:"mutation_id"`
	Status       string   `json:"status"`
	RejectReason string   `json:"reject_reason,omitempty"`
	Degraded     []string `json:"degraded,omitempty"`
}

func (p *Pipeline) publishValidation(ctx context.Context, m *domain.Mutation, outcome *evaluator.Outcome) {
	evt := validationEvent{MutationID: m.MutationID, Status: string(m.Status), RejectReason: m.RejectReason}
	if outcome != nil {
		evt.Degraded = outcome.Degraded
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if _, err := p.bus.Publish(ctx, config.ChannelSemanticValidation, "", "mutation."+string(m.Status), payload, 5, 3*24*3600, "pipeline"); err != nil && p.log != nil {
		p.log.WithContext(ctx).WithField("error", err).Warn("failed to publish semantic_validation event")
	}
}

type alertEvent struct {
	MutationID string `json:"mutation_id"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

func (p *Pipeline) publishAlert(ctx context.Context, m *domain.Mutation, kind, detail string) {
	evt := alertEvent{MutationID: m.MutationID, Kind: kind, Detail: detail}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if _, err := p.bus.Publish(ctx, config.ChannelCoherenceAlerts, "", "alert."+kind, payload, 1, 30*24*3600, "pipeline"); err != nil && p.log != nil {
		p.log.WithContext(ctx).WithField("error", err).Error("failed to publish coherence_alert")
	}
}

func (p *Pipeline) projectAndPublish(ctx context.Context, version string, m *domain.Mutation) {
	if p.projector == nil {
		return
	}
	_, tree := p.store.Current()
	frags, err := p.projector.Project(tree, []string{m.TargetDomain()}, version)
	if err != nil {
		if p.log != nil {
			p.log.WithContext(ctx).WithField("error", err).Error("fragment projection failed")
		}
		return
	}
	for _, f := range frags {
		payload, err := json.Marshal(f)
		if err != nil {
			continue
		}
		if _, err := p.bus.Publish(ctx, config.ChannelFragmentUpdates, "", "fragment."+string(f.AgentKind), payload, 5, 14*24*3600, "pipeline"); err != nil {
			if p.log != nil {
				p.log.WithContext(ctx).WithField("error", err).Warn("failed to publish fragment_updates event")
			}
			continue
		}
		metrics.RecordFragmentEmitted(string(f.AgentKind))
	}
}
