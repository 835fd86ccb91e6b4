// Package metrics exposes the Prometheus collectors for the coherence bus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	busPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence_bus",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Total number of publish attempts grouped by channel and result.",
		},
		[]string{"channel", "result"},
	)

	busPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coherence_bus",
			Subsystem: "bus",
			Name:      "publish_duration_seconds",
			Help:      "Duration of publish calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"channel"},
	)

	busChannelLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "bus",
			Name:      "channel_length",
			Help:      "Current number of messages retained on a channel.",
		},
		[]string{"channel"},
	)

	busDeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence_bus",
			Subsystem: "bus",
			Name:      "dead_letters_total",
			Help:      "Total number of messages dead-lettered after exhausting delivery attempts.",
		},
		[]string{"channel", "group"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{"name"},
	)

	pipelineSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence_bus",
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Total mutation submissions grouped by terminal status.",
		},
		[]string{"status"},
	)

	pipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coherence_bus",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a mutation pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"stage"},
	)

	storeCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence_bus",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Total commit attempts grouped by result (applied|conflict|invalid|invariant_violation).",
		},
		[]string{"result"},
	)

	storeCoherence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "store",
			Name:      "coherence_score",
			Help:      "Current coherence_score of the knowledge tree.",
		},
	)

	storeCommitLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "store",
			Name:      "commit_lag_seconds",
			Help:      "Seconds since the last successful commit.",
		},
	)

	evaluatorDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "evaluator",
			Name:      "degraded",
			Help:      "Whether an evaluator capability is currently degraded (1) or healthy (0).",
		},
		[]string{"capability"},
	)

	fragmentsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coherence_bus",
			Subsystem: "projector",
			Name:      "fragments_emitted_total",
			Help:      "Total fragments emitted grouped by agent kind.",
		},
		[]string{"agent_kind"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coherence_bus",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight administrative HTTP requests.",
		},
	)
)

func init() {
	Registry.MustRegister(
		busPublishTotal,
		busPublishDuration,
		busChannelLength,
		busDeadLetters,
		breakerState,
		pipelineSubmissions,
		pipelineStageDuration,
		storeCommits,
		storeCoherence,
		storeCommitLag,
		evaluatorDegraded,
		fragmentsEmitted,
		httpInFlight,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordPublish records the outcome and duration of a bus publish call.
func RecordPublish(channel string, err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	busPublishTotal.WithLabelValues(channel, result).Inc()
	busPublishDuration.WithLabelValues(channel).Observe(dur.Seconds())
}

// SetChannelLength publishes the current retained length of a channel.
func SetChannelLength(channel string, length int) {
	busChannelLength.WithLabelValues(channel).Set(float64(length))
}

// RecordDeadLetter increments the dead-letter counter for a channel/group pair.
func RecordDeadLetter(channel, group string) {
	busDeadLetters.WithLabelValues(channel, group).Inc()
}

// SetBreakerState publishes a circuit breaker's numeric state (0/1/2).
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordSubmission records a mutation's terminal pipeline status.
func RecordSubmission(status string) {
	pipelineSubmissions.WithLabelValues(status).Inc()
}

// RecordStage records the duration of a named pipeline stage (validate|evaluate|commit).
func RecordStage(stage string, dur time.Duration) {
	pipelineStageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// RecordCommit records a store commit attempt outcome.
func RecordCommit(result string) {
	storeCommits.WithLabelValues(result).Inc()
}

// SetCoherenceScore publishes the tree's current coherence_score.
func SetCoherenceScore(score float64) {
	storeCoherence.Set(score)
}

// SetCommitLag publishes the seconds elapsed since the last successful commit.
func SetCommitLag(d time.Duration) {
	storeCommitLag.Set(d.Seconds())
}

// SetEvaluatorDegraded marks an evaluator capability degraded (true) or healthy (false).
func SetEvaluatorDegraded(capability string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	evaluatorDegraded.WithLabelValues(capability).Set(v)
}

// RecordFragmentEmitted increments the fragment-emission counter for an agent kind.
func RecordFragmentEmitted(agentKind string) {
	fragmentsEmitted.WithLabelValues(agentKind).Inc()
}

// InstrumentHandler wraps an HTTP handler (e.g. the administrative health endpoint)
// with in-flight request tracking.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		next.ServeHTTP(w, r)
	})
}
