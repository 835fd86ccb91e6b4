// Command coherence-bus runs the Semantic Coherence Bus server: the Stream
// Broker Client, Knowledge Store, Mutation Evaluator Pipeline, and Fragment
// Propagation Engine wired together behind the Coherence Bus Core façade.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/coherence-bus/internal/bus"
	"github.com/R3E-Network/coherence-bus/internal/coherencebus"
	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/evaluator"
	"github.com/R3E-Network/coherence-bus/internal/pipeline"
	"github.com/R3E-Network/coherence-bus/internal/projector"
	"github.com/R3E-Network/coherence-bus/internal/resilience"
	"github.com/R3E-Network/coherence-bus/internal/store"
	"github.com/R3E-Network/coherence-bus/internal/validator"
	"github.com/R3E-Network/coherence-bus/pkg/config"
	"github.com/R3E-Network/coherence-bus/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address for /healthz and /metrics (defaults to :8090)")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	dsn := flag.String("dsn", "", "Postgres DSN for the Knowledge Store (overrides config; in-memory when empty)")
	owner := flag.String("owner", "coherence-bus", "owner recorded against the bootstrap tree when no snapshot exists")
	flag.Parse()

	var cfg *config.Config
	var err error
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	dsnVal := resolveDSN(*dsn, cfg)
	st, err := buildStore(cfg, dsnVal, *owner, log_)
	if err != nil {
		log_.WithField("error", err).Fatal("initialise store")
	}

	b := buildBus(cfg)

	caps := evaluator.NewHeuristicCapabilities()
	pool := evaluator.New(caps.Capabilities(), deadlines(cfg), evaluator.DefaultThresholds(), caps, 4, 64)
	v := validator.New(domainFloors(cfg))
	proj := projector.New(projector.DefaultSpecs(), domainFloors(cfg))

	pl := pipeline.New(b, v, pool, st, proj, log_, cfg.Pipeline)
	cb := coherencebus.New(b, st, pl, log_)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.StartBackgroundJobs(rootCtx, "@every 5m"); err != nil {
		log_.WithField("error", err).Fatal("start background invariant audit")
	}

	go func() {
		if err := pl.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log_.WithField("error", err).Error("pipeline worker exited")
		}
	}()

	listenAddr := determineAddr(*addr)
	srv := &http.Server{Addr: listenAddr, Handler: buildMux(cb)}
	go func() {
		log_.WithField("addr", listenAddr).Info("coherence bus listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log_.WithField("error", err).Fatal("http server")
		}
	}()

	<-rootCtx.Done()
	log_.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := st.StopBackgroundJobs(shutdownCtx); err != nil {
		log_.WithField("error", err).Warn("stop background jobs")
	}
	if err := st.Snapshot(shutdownCtx); err != nil {
		log_.WithField("error", err).Warn("final snapshot")
	}
}

// buildMux exposes /healthz and /metrics for operators/monitoring plus a
// small set of POST-only /admin/* endpoints cbctl drives (§6's non-hot-path
// administrative surface).
func buildMux(cb *coherencebus.CoherenceBus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", cb.Metrics())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, cb)
	})
	mux.HandleFunc("/admin/bus/replay", func(w http.ResponseWriter, r *http.Request) {
		adminBusReplay(w, r, cb)
	})
	mux.HandleFunc("/admin/store/snapshot", func(w http.ResponseWriter, r *http.Request) {
		adminStoreSnapshot(w, r, cb)
	})
	mux.HandleFunc("/admin/store/restore", func(w http.ResponseWriter, r *http.Request) {
		adminStoreRestore(w, r, cb)
	})
	mux.HandleFunc("/admin/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		adminCircuitReset(w, r, cb)
	})
	return mux
}

func adminBusReplay(w http.ResponseWriter, r *http.Request, cb *coherencebus.CoherenceBus) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Channel       string `json:"channel"`
		ConsumerGroup string `json:"consumer_group"`
		FromOffset    uint64 `json:"from_offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cb.ReplayFrom(req.Channel, req.ConsumerGroup, req.FromOffset); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func adminStoreSnapshot(w http.ResponseWriter, r *http.Request, cb *coherencebus.CoherenceBus) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := cb.Snapshot(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func adminStoreRestore(w http.ResponseWriter, r *http.Request, cb *coherencebus.CoherenceBus) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Snapshot string `json:"snapshot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Snapshot) == "" {
		http.Error(w, "snapshot key required", http.StatusBadRequest)
		return
	}
	if err := cb.RestoreFrom(r.Context(), req.Snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func adminCircuitReset(w http.ResponseWriter, r *http.Request, cb *coherencebus.CoherenceBus) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cb.ResetBreaker(req.Channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildStore(cfg *config.Config, dsnVal, owner string, log_ *logger.Logger) (*store.Store, error) {
	var backend store.Backend
	if dsnVal != "" {
		pg, err := store.NewPostgresBackend(dsnVal)
		if err != nil {
			return nil, err
		}
		backend = pg
	} else {
		backend = store.NewMemoryBackend()
	}

	st := store.New(store.Config{
		Floors:        domainFloors(cfg),
		MinScore:      cfg.Coherence.MinScore,
		SnapshotEvery: cfg.Store.SnapshotEvery,
	}, backend, log_)

	ctx := context.Background()
	if dsnVal != "" {
		if err := st.Restore(ctx); err != nil {
			log_.WithField("error", err).Warn("no prior snapshot found, bootstrapping fresh tree")
			if err := st.Bootstrap(owner); err != nil {
				return nil, err
			}
		}
	} else if err := st.Bootstrap(owner); err != nil {
		return nil, err
	}
	return st, nil
}

func buildBus(cfg *config.Config) *bus.Bus {
	var specs []bus.ChannelSpec
	for name, cc := range cfg.Channels {
		specs = append(specs, bus.ChannelSpec{Name: name, MaxLen: cc.MaxLen, Retention: cc.Retention, TimeoutWindow: cfg.CircuitBreaker.TimeoutWindow()})
	}

	local := bus.NewMemorySeenSet(time.Minute)
	var seen bus.SeenSet = local
	if url := strings.TrimSpace(cfg.Bus.URL); url != "" {
		client := redis.NewClient(&redis.Options{Addr: url})
		seen = bus.NewTieredSeenSet(local, bus.NewRedisSeenSet(client))
	}

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
	breakerCfg.RecoveryThreshold = cfg.CircuitBreaker.RecoveryThreshold
	breakerCfg.TimeoutWindow = cfg.CircuitBreaker.TimeoutWindow()

	return bus.New(specs, seen, breakerCfg, 3)
}

func deadlines(cfg *config.Config) evaluator.Deadlines {
	d := evaluator.Deadlines{}
	if e, ok := cfg.Evaluators[config.EvaluatorDrift]; ok {
		d.Drift = e.Deadline()
	}
	if e, ok := cfg.Evaluators[config.EvaluatorContradiction]; ok {
		d.Contradiction = e.Deadline()
	}
	if e, ok := cfg.Evaluators[config.EvaluatorBelief]; ok {
		d.Revision = e.Deadline()
	}
	if e, ok := cfg.Evaluators[config.EvaluatorUtility]; ok {
		d.Utility = e.Deadline()
	}
	return d
}

func domainFloors(cfg *config.Config) domain.ConfidenceFloors {
	cf := cfg.Coherence.ConfidenceFloor
	return domain.ConfidenceFloors{High: cf.High, Medium: cf.Medium, Low: cf.Low}
}

func determineAddr(flagAddr string) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("COHERENCE_BUS_ADDR")); env != "" {
		return env
	}
	return ":8090"
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("STORE_DSN")); env != "" {
		return env
	}
	if cfg != nil && strings.EqualFold(cfg.Store.Driver, "postgres") {
		return strings.TrimSpace(cfg.Store.DSN)
	}
	return ""
}

func writeHealth(w http.ResponseWriter, cb *coherencebus.CoherenceBus) {
	report := cb.Health()
	w.Header().Set("Content-Type", "application/json")
	if report.CoherenceScore < 0.5 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
