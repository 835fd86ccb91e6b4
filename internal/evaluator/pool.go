package evaluator

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
)

// Deadlines holds the per-capability timeout defaults (§4.E, §6
// evaluator.<kind>.deadline_ms).
type Deadlines struct {
	Drift        time.Duration
	Contradiction time.Duration
	Revision      time.Duration
	Utility       time.Duration
}

// Thresholds holds the tunable numeric gates of the evaluation protocol
// (§4.E).
type Thresholds struct {
	DriftDeliberation      float64 // magnitude above which requires_deliberation is force-set
	ContradictionConfidence float64 // verdict=contradicts confidence gate for rejection
	UtilityFloorCritical   float64
	UtilityFloorStandard   float64
}

// DefaultThresholds returns the §4.E literal defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DriftDeliberation:       0.78,
		ContradictionConfidence: 0.85,
		UtilityFloorCritical:    0.3,
		UtilityFloorStandard:    0.6,
	}
}

// Outcome is the result of running the full evaluation protocol over one
// mutation.
type Outcome struct {
	Mutation      *domain.Mutation // possibly revised (§4.E step 3)
	Drift         DriftResult
	Contradiction ContradictionResult
	Utility       UtilityResult
	Degraded      []string // evaluator kinds that failed and were defaulted
	Suspended     bool     // contradicts + requires_deliberation: §4.E step 2, scenario S4
	Reject        *scberr.Error
}

// EWMAProvider supplies the previous drift-magnitude EWMA used as the
// conservative default when the drift evaluator itself fails (§4.E
// partial-failure policy).
type EWMAProvider interface {
	DriftEWMA(target string) float64
}

// Pool coordinates the four evaluator capabilities with deadlines,
// degradation, and a bounded-concurrency admission gate (§4.E, §5).
type Pool struct {
	caps       Capabilities
	deadlines  Deadlines
	thresholds Thresholds
	ewma       EWMAProvider
	limiter    *resilience.InflightLimiter
}

// New builds a Pool. maxInflight/queueCap default to §5's
// 4xCPU / 10_000 when zero.
func New(caps Capabilities, deadlines Deadlines, thresholds Thresholds, ewma EWMAProvider, maxInflight, queueCap int) *Pool {
	if maxInflight <= 0 {
		maxInflight = 4 * runtime.NumCPU()
	}
	if queueCap <= 0 {
		queueCap = 10_000
	}
	return &Pool{
		caps:       caps,
		deadlines:  deadlines,
		thresholds: thresholds,
		ewma:       ewma,
		limiter:    resilience.NewInflightLimiter(maxInflight, queueCap),
	}
}

// Evaluate runs the full §4.E protocol for one mutation against tree,
// admission-gated by the pool's inflight limiter.
func (p *Pool) Evaluate(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (*Outcome, error) {
	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return p.run(ctx, tree, m)
}

func (p *Pool) run(ctx context.Context, tree *domain.Tree, m *domain.Mutation) (*Outcome, error) {
	out := &Outcome{Mutation: m.Clone()}
	var degradedCount int

	// 1. Drift (<=200ms default).
	driftRes, err := callWithDeadline(ctx, p.deadlines.Drift, func(c context.Context) (DriftResult, error) {
		return p.caps.Drift.Drift(c, tree, out.Mutation)
	})
	if err != nil {
		degradedCount++
		out.Degraded = append(out.Degraded, "drift")
		mag := 0.0
		if p.ewma != nil {
			mag = p.ewma.DriftEWMA(out.Mutation.Target)
		}
		driftRes = DriftResult{Magnitude: mag, Explanation: "degraded: evaluator unavailable"}
	}
	out.Drift = driftRes
	if driftRes.Magnitude > p.thresholds.DriftDeliberation && !out.Mutation.RequiresDeliberation {
		out.Mutation.RequiresDeliberation = true
	}

	// 2. Contradiction (<=500ms default).
	contraRes, err := callWithDeadline(ctx, p.deadlines.Contradiction, func(c context.Context) (ContradictionResult, error) {
		return p.caps.Contradict.Contradict(c, tree, out.Mutation)
	})
	if err != nil {
		degradedCount++
		out.Degraded = append(out.Degraded, "contradiction")
		contraRes = ContradictionResult{Verdict: VerdictNotContradicts, Confidence: 0}
	}
	out.Contradiction = contraRes

	if contraRes.Verdict == VerdictContradicts && contraRes.Confidence >= p.thresholds.ContradictionConfidence {
		if out.Mutation.RequiresDeliberation {
			out.Suspended = true
		} else {
			out.Reject = scberr.Contradiction(contraRes.Evidence)
			return out, nil
		}
	}

	// 3. Belief revision (<=300ms default); re-validation is the caller's
	// responsibility (§4.E step 3: "revised form re-enters validation
	// exactly once").
	revRes, err := callWithDeadline(ctx, p.deadlines.Revision, func(c context.Context) (RevisionResult, error) {
		return p.caps.Revise.Revise(c, tree, out.Mutation)
	})
	if err != nil {
		degradedCount++
		out.Degraded = append(out.Degraded, "revision")
	} else if revRes.ApprovedValue != nil {
		out.Mutation.NewValue = revRes.ApprovedValue
		out.Mutation.Confidence = revRes.NewConfidence
	}

	// 4. Utility (<=100ms default).
	utilRes, err := callWithDeadline(ctx, p.deadlines.Utility, func(c context.Context) (UtilityResult, error) {
		return p.caps.Utility.Utility(c, tree, out.Mutation)
	})
	if err != nil {
		degradedCount++
		out.Degraded = append(out.Degraded, "utility")
		utilRes = UtilityResult{Score: 0.5}
	}
	out.Utility = utilRes

	if degradedCount >= 2 {
		out.Reject = scberr.EvaluatorsDegraded(out.Degraded)
		return out, nil
	}

	floor := p.thresholds.UtilityFloorStandard
	if d, ok := tree.Domains[out.Mutation.TargetDomain()]; ok && d.Criticality == domain.CriticalityHigh {
		floor = p.thresholds.UtilityFloorCritical
	}
	if utilRes.Score < floor {
		out.Reject = scberr.UtilityTooLow(utilRes.Score, floor)
	}

	return out, nil
}

func callWithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		d = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		go wg.Wait() // let the goroutine finish without leaking; result is discarded
		return zero, cctx.Err()
	}
}
