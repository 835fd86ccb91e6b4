// Package store implements the Knowledge Store (§4.C): the single-writer
// owner of the canonical knowledge tree, its mutation log, and snapshot/
// restore machinery (§4.I).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/coherence-bus/internal/domain"
	"github.com/R3E-Network/coherence-bus/internal/scberr"
	"github.com/R3E-Network/coherence-bus/pkg/logger"
	"github.com/R3E-Network/coherence-bus/pkg/metrics"
)

// WALRecord is one append-only log entry (§4.C step 4, §6 wire format).
type WALRecord struct {
	Version     string           `json:"new_version"`
	Mutation    *domain.Mutation `json:"mutation"`
	Diff        []string         `json:"diff"`
	Hash        string           `json:"hash"`
	Score       float64          `json:"score"`
	Timestamp   time.Time        `json:"timestamp"`
}

// proposal is the pending commit bound to a token returned by Propose.
type proposal struct {
	mutation    *domain.Mutation
	baseVersion string
}

// Config configures a Store (§6).
type Config struct {
	Floors        domain.ConfidenceFloors
	MinScore      float64
	SnapshotEvery int
}

// Store owns the canonical knowledge tree (§3 "Ownership"). All mutation
// to the tree happens on the single commit path below; every other
// component only ever holds a read-only Clone.
type Store struct {
	mu sync.RWMutex

	tree    *domain.Tree
	version uint64

	cfg     Config
	backend Backend
	log     *logger.Logger

	wal                  []WALRecord
	commitsSinceSnapshot int

	proposals map[string]proposal

	cron *cron.Cron

	onRollback func(version string, cause error)
}

// OnRollback registers a callback invoked whenever the background invariant
// audit rolls the tree back (§4.F "applied -> rolled_back... emit critical
// alert"). The Store itself has no bus access — the Coherence Bus Core
// wiring supplies this hook to route the event onto `coherence_alerts`.
func (s *Store) OnRollback(fn func(version string, cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRollback = fn
}

// New builds a Store around an initial tree (e.g. from Bootstrap or a
// restored snapshot) and a persistence Backend.
func New(cfg Config, backend Backend, log *logger.Logger) *Store {
	s := &Store{
		tree:      domain.NewTree(),
		cfg:       cfg,
		backend:   backend,
		log:       log,
		proposals: make(map[string]proposal),
	}
	s.tree.Version = formatVersion(0)
	return s
}

func formatVersion(n uint64) string {
	return fmt.Sprintf("0.0.%d", n)
}

func parseVersion(v string) (uint64, error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed version %q", v)
	}
	return strconv.ParseUint(parts[2], 10, 64)
}

// Bootstrap seeds the store with an initial tree containing every
// foundational domain at a baseline confidence (used at first startup when
// no snapshot exists).
func (s *Store) Bootstrap(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree := domain.NewTree()
	now := time.Now().UTC()
	for _, id := range domain.FoundationalDomainIDs {
		tree.Domains[id] = &domain.Domain{
			Type:        domain.TypeFoundational,
			Criticality: domain.CriticalityHigh,
			Owner:       owner,
			Confidence:  0.8,
			Fields:      make(map[string]*domain.Field),
		}
	}
	tree.Version = formatVersion(0)
	tree.LastUpdated = now
	tree.CoherenceScore = Coherence(tree.Domains, s.cfg.Floors)

	hash, err := domain.Hash(tree)
	if err != nil {
		return err
	}
	tree.ContextHash = hash

	s.tree = tree
	s.version = 0
	return nil
}

// Current returns the tree's current version and a read-only snapshot
// (§4.C).
func (s *Store) Current() (string, *domain.Tree) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Version, s.tree.Clone()
}

// Propose registers a pending mutation against a base_version, returning an
// opaque commit token (§4.C).
func (s *Store) Propose(m *domain.Mutation, baseVersion string) string {
	token := uuid.NewString()

	s.mu.Lock()
	s.proposals[token] = proposal{mutation: m.Clone(), baseVersion: baseVersion}
	s.mu.Unlock()

	return token
}

// Commit applies the mutation bound to token if its base_version still
// matches current, atomically recomputing hash/score, verifying
// invariants, appending a WAL record, and swapping the canonical tree
// pointer (§4.C).
func (s *Store) Commit(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[token]
	if !ok {
		return "", scberr.New(scberr.CodeConflict, "unknown or already-consumed commit token")
	}
	delete(s.proposals, token)

	if p.baseVersion != s.tree.Version {
		metrics.RecordCommit("conflict")
		return "", scberr.Conflict(p.baseVersion, s.tree.Version)
	}

	working := s.tree.Clone()
	diff, err := applyMutation(working, p.mutation)
	if err != nil {
		metrics.RecordCommit("invalid")
		return "", err
	}

	nextVer, verr := parseVersion(s.tree.Version)
	if verr != nil {
		return "", scberr.InvariantViolation("version", verr)
	}
	working.Version = formatVersion(nextVer + 1)
	working.LastUpdated = time.Now().UTC()
	working.CoherenceScore = Coherence(working.Domains, s.cfg.Floors)

	hash, herr := domain.Hash(working)
	if herr != nil {
		return "", scberr.InvariantViolation("hash", herr)
	}
	working.ContextHash = hash

	if ierr := s.checkInvariants(working); ierr != nil {
		metrics.RecordCommit("invariant_violation")
		return "", ierr
	}

	rec := WALRecord{
		Version:   working.Version,
		Mutation:  p.mutation,
		Diff:      diff,
		Hash:      working.ContextHash,
		Score:     working.CoherenceScore,
		Timestamp: working.LastUpdated,
	}
	if err := s.appendWAL(ctx, rec); err != nil {
		return "", scberr.StoreUnavailable(err)
	}

	s.tree = working
	s.version = nextVer + 1
	s.commitsSinceSnapshot++

	metrics.RecordCommit("applied")
	metrics.SetCoherenceScore(working.CoherenceScore)

	if s.cfg.SnapshotEvery > 0 && s.commitsSinceSnapshot >= s.cfg.SnapshotEvery {
		if err := s.snapshotLocked(ctx); err != nil && s.log != nil {
			s.log.WithField("error", err).Error("periodic snapshot failed")
		}
	}

	return working.Version, nil
}

// checkInvariants verifies §3 invariants 1-5 on a fully-recomputed working
// tree, mapping the first violation found to InvariantViolation.
func (s *Store) checkInvariants(t *domain.Tree) *scberr.Error {
	if t.CoherenceScore < s.cfg.MinScore {
		return scberr.InvariantViolation("coherence_score", fmt.Errorf("%.4f < %.4f", t.CoherenceScore, s.cfg.MinScore))
	}
	if cyc := domain.CheckCycle(t.Domains); cyc != nil {
		return scberr.InvariantViolation("acyclic_dependencies", fmt.Errorf("cycle: %v", cyc))
	}
	if missing := domain.UnresolvedDependencies(t.Domains); len(missing) > 0 {
		return scberr.InvariantViolation("resolved_dependencies", fmt.Errorf("unresolved: %v", missing))
	}
	if violations := domain.ConfidenceViolations(t.Domains, s.cfg.Floors); len(violations) > 0 {
		return scberr.InvariantViolation("confidence_floor", fmt.Errorf("below floor: %v", violations))
	}
	if missing := domain.MissingFoundationalDomains(t.Domains); len(missing) > 0 {
		return scberr.InvariantViolation("foundational_domains_present", fmt.Errorf("missing: %v", missing))
	}
	expectedHash, err := domain.Hash(t)
	if err != nil {
		return scberr.InvariantViolation("context_hash", err)
	}
	if expectedHash != t.ContextHash {
		return scberr.InvariantViolation("context_hash", fmt.Errorf("hash mismatch"))
	}
	return nil
}

// applyMutation mutates working in place per m.Type, returning the set of
// DomainIds touched (§4.G step 1's diff set).
func applyMutation(working *domain.Tree, m *domain.Mutation) ([]string, *scberr.Error) {
	domainID := m.TargetDomain()
	field := m.TargetField()

	switch m.Type {
	case domain.MutationAddDomain, domain.MutationUpdateDomain:
		nv, ok := m.NewValue.(*domain.Domain)
		if !ok {
			return nil, scberr.SchemaInvalid("new_value must be a Domain")
		}
		working.Domains[domainID] = nv.Clone()
		return []string{domainID}, nil

	case domain.MutationAddInsight, domain.MutationUpdateField:
		d, ok := working.Domains[domainID]
		if !ok {
			return nil, scberr.UnknownDomain(domainID)
		}
		if d.Fields == nil {
			d.Fields = make(map[string]*domain.Field)
		}
		d.Fields[field] = &domain.Field{
			Value:      m.NewValue,
			Confidence: m.Confidence,
			Source:     m.Source,
			Timestamp:  m.Timestamp,
		}
		return []string{domainID}, nil

	case domain.MutationRemoveField:
		d, ok := working.Domains[domainID]
		if !ok {
			return nil, scberr.UnknownDomain(domainID)
		}
		if field == "" {
			if domain.IsFoundational(domainID) {
				// Backstop: validator.CheckRemoval already rejects this at
				// step 3, before evaluation ever runs. Kept here too in
				// case a mutation reaches commit some other way.
				return nil, scberr.ForbiddenRemoval(domainID)
			}
			delete(working.Domains, domainID)
		} else {
			delete(d.Fields, field)
		}
		return []string{domainID}, nil

	default:
		return nil, scberr.SchemaInvalid("unknown mutation type: " + string(m.Type))
	}
}

// DiffSince returns the union of diff sets for every WAL record committed
// after baseVersion, so the Mutation Pipeline can decide whether a rebase
// needs full re-validation or a fast re-commit (§4.F step 6).
func (s *Store) DiffSince(baseVersion string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	baseN, err := parseVersion(baseVersion)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, rec := range s.wal {
		n, err := parseVersion(rec.Version)
		if err != nil {
			continue
		}
		if n > baseN {
			for _, d := range rec.Diff {
				out[d] = true
			}
		}
	}
	return out, nil
}

// Rollback discards the current tree and restores the tree recorded at the
// given version from the WAL (§4.F "applied -> rolled_back").
func (s *Store) Rollback(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.wal) - 1; i >= 0; i-- {
		if s.wal[i].Version == version {
			// rebuild by replaying WAL up to and including this record
			// from the last snapshot; for the in-memory fast path we
			// simply refuse to roll further back than the oldest WAL
			// entry currently held.
			return s.replayLocked(s.wal[:i+1])
		}
	}
	return scberr.New(scberr.CodeConflict, "version not found in WAL: "+version)
}

func (s *Store) replayLocked(records []WALRecord) error {
	tree := domain.NewTree()
	for _, rec := range records {
		if _, err := applyMutation(tree, rec.Mutation); err != nil {
			return err
		}
		tree.Version = rec.Version
		tree.LastUpdated = rec.Timestamp
		tree.CoherenceScore = rec.Score
		tree.ContextHash = rec.Hash
	}
	s.tree = tree
	v, err := parseVersion(tree.Version)
	if err != nil {
		return err
	}
	s.version = v
	return nil
}

// StartBackgroundJobs schedules the periodic invariant audit via cron, per
// §4.F "background invariant audit (every snapshot)". Snapshots are not
// scheduled here: Commit takes one every SnapshotEvery commits, and
// StopBackgroundJobs takes one on shutdown.
func (s *Store) StartBackgroundJobs(ctx context.Context, schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		s.auditLocked(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// StopBackgroundJobs stops the cron scheduler and takes a final snapshot
// (§4.I "snapshots... on clean shutdown").
func (s *Store) StopBackgroundJobs(ctx context.Context) error {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	return s.Snapshot(ctx)
}

// auditLocked re-verifies every invariant on the live tree; a violation
// triggers an immediate rollback to the last known-good WAL record
// (§4.F: "background invariant audit... discovering drift").
func (s *Store) auditLocked(ctx context.Context) {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	if err := s.checkInvariants(tree); err != nil {
		if s.log != nil {
			s.log.WithField("error", err).Error("background invariant audit failed; rolling back")
		}
		if len(s.wal) >= 2 {
			target := s.wal[len(s.wal)-2].Version
			rerr := s.Rollback(target)
			s.mu.RLock()
			cb := s.onRollback
			s.mu.RUnlock()
			if cb != nil && rerr == nil {
				cb(target, err)
			}
		}
	}
}

// snapshot is the on-disk/on-backend shape of the tree for §4.I.
type snapshotDoc struct {
	Tree    *domain.Tree `json:"tree"`
	WAL     []WALRecord  `json:"wal"`
	Version uint64       `json:"version"`
}

func (s *Store) appendWAL(ctx context.Context, rec WALRecord) error {
	s.wal = append(s.wal, rec)
	if s.backend == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := "wal/" + rec.Version
	return s.backend.Save(ctx, key, data)
}

// Snapshot serializes the whole tree and WAL tail to the backend (§4.C,
// §4.I).
func (s *Store) Snapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *Store) snapshotLocked(ctx context.Context) error {
	doc := snapshotDoc{Tree: s.tree, WAL: s.wal, Version: s.version}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if s.backend == nil {
		s.commitsSinceSnapshot = 0
		return nil
	}
	key := "snapshot/" + s.tree.Version
	if err := s.backend.Save(ctx, key, data); err != nil {
		return err
	}
	s.commitsSinceSnapshot = 0
	return nil
}

// Restore loads the most recent snapshot from the backend, then replays
// any WAL entries written after it (§4.I).
func (s *Store) Restore(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	keys, err := s.backend.List(ctx, "snapshot/")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	latest, latestN := keys[0], uint64(0)
	for _, k := range keys {
		if n, err := parseVersion(strings.TrimPrefix(k, "snapshot/")); err == nil && n >= latestN {
			latest, latestN = k, n
		}
	}
	return s.restoreSnapshot(ctx, latest, true)
}

// RestoreFrom loads a specific snapshot key rather than the latest one, for
// the `store restore <snapshot>` administrative operation (§6) where an
// operator needs to roll back past a bad commit. Unlike Restore, it does not
// replay the WAL tail forward: doing so would re-apply the very commits the
// operator is rolling back past.
func (s *Store) RestoreFrom(ctx context.Context, snapshotKey string) error {
	if s.backend == nil {
		return scberr.SchemaInvalid("store has no backend to restore from")
	}
	return s.restoreSnapshot(ctx, snapshotKey, false)
}

func (s *Store) restoreSnapshot(ctx context.Context, key string, replayWAL bool) error {
	data, err := s.backend.Load(ctx, key)
	if err != nil {
		return err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = doc.Tree
	s.wal = doc.WAL
	s.version = doc.Version

	if !replayWAL {
		return nil
	}

	walKeys, err := s.backend.List(ctx, "wal/")
	if err != nil {
		return err
	}
	sort.Slice(walKeys, func(i, j int) bool {
		a, _ := parseVersion(strings.TrimPrefix(walKeys[i], "wal/"))
		b, _ := parseVersion(strings.TrimPrefix(walKeys[j], "wal/"))
		return a < b
	})
	for _, k := range walKeys {
		data, err := s.backend.Load(ctx, k)
		if err != nil {
			continue
		}
		var rec WALRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if recVersion, err := parseVersion(rec.Version); err == nil && recVersion > s.version {
			if _, err := applyMutation(s.tree, rec.Mutation); err == nil {
				s.tree.Version = rec.Version
				s.tree.LastUpdated = rec.Timestamp
				s.tree.CoherenceScore = rec.Score
				s.tree.ContextHash = rec.Hash
				s.wal = append(s.wal, rec)
				s.version = recVersion
			}
		}
	}
	return nil
}
