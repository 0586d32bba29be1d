// Package resolve decides whether a record is new, an existing entity, or a
// duplicate group that needs merging, and performs identity merges.
package resolve

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/archive"
	"github.com/sells-group/enrichment-engine/internal/lock"
	"github.com/sells-group/enrichment-engine/internal/merge"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// Config tunes resolution.
type Config struct {
	Thresholds `yaml:",inline" mapstructure:",squash"`
	// AuthoritativeSystems rank external-id systems for survivor selection,
	// most authoritative first.
	AuthoritativeSystems []string `yaml:"authoritative_systems" mapstructure:"authoritative_systems"`
}

// DefaultConfig returns the standard resolution settings.
func DefaultConfig() Config {
	return Config{
		Thresholds:           DefaultThresholds(),
		AuthoritativeSystems: []string{"salesforce", "hubspot"},
	}
}

// Outcome is the result of resolving one candidate.
type Outcome struct {
	Kind      model.ResolutionKind  `json:"kind"`
	MatchedID string                `json:"matched_id,omitempty"`
	Group     *model.DuplicateGroup `json:"group,omitempty"`
	Signal    *model.IdentitySignal `json:"signal,omitempty"`
}

// Resolver finds and merges duplicate entities.
type Resolver struct {
	store   store.Store
	archive *archive.Service
	merger  *merge.Engine
	locker  lock.Locker
	cfg     Config
	metrics *monitoring.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver. A nil locker defaults to an in-process lock.
func New(st store.Store, arc *archive.Service, merger *merge.Engine, locker lock.Locker, cfg Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.High <= 0 {
		cfg.High = def.High
	}
	if cfg.Low <= 0 || cfg.Low > cfg.High {
		cfg.Low = def.Low
	}
	if cfg.AuthoritativeSystems == nil {
		cfg.AuthoritativeSystems = def.AuthoritativeSystems
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	r := &Resolver{
		store:   st,
		archive: arc,
		merger:  merger,
		locker:  locker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "resolve")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stages are tried in descending signal strength. The domain pool feeds the
// fuzzy comparison.
var stages = []string{KeyExternalID, KeyURL, KeyNameDomain, KeyEmail, KeyDomain}

type match struct {
	entity model.Entity
	sim    Similarity
}

// Resolve matches candidate against the workspace's live entities. A
// candidate without an ID is a record not yet stored: one match resolves to
// Matched. A stored candidate that matches others forms a DuplicateGroup
// with them. Matches whose signals conflict with each other return
// model.ErrAmbiguousDuplicate.
func (r *Resolver) Resolve(ctx context.Context, candidate model.Entity) (Outcome, error) {
	if candidate.WorkspaceID == "" || !candidate.Kind.Valid() {
		return Outcome{}, eris.Wrap(model.ErrInvalidInput, "resolve: candidate needs workspace and kind")
	}

	keys := IdentityKeys(candidate)
	seen := map[string]bool{}
	rejected := 0
	var weak []match

	for _, prefix := range stages {
		var found []match
		for _, key := range keysWithPrefix(keys, prefix) {
			ids, err := r.store.FindByIdentityKey(ctx, candidate.WorkspaceID, candidate.Kind, key)
			if err != nil {
				return Outcome{}, eris.Wrapf(err, "resolve: lookup %s", key)
			}
			for _, id := range ids {
				if id == candidate.ID || seen[id] {
					continue
				}
				seen[id] = true
				other, err := r.store.GetEntity(ctx, candidate.WorkspaceID, id)
				if err != nil {
					if errors.Is(err, model.ErrNotFound) {
						continue
					}
					return Outcome{}, eris.Wrapf(err, "resolve: load %s", id)
				}
				sim := CompareWith(candidate, *other, r.cfg.Thresholds)
				switch {
				case sim.Rejected:
					rejected++
					r.log.Debug("match rejected",
						zap.String("entity_id", candidate.ID),
						zap.String("other_id", id),
						zap.String("reason", sim.Reason),
					)
				case sim.AutoMerge():
					found = append(found, match{entity: *other, sim: sim})
				case sim.Match():
					weak = append(weak, match{entity: *other, sim: sim})
				}
			}
		}
		if len(found) > 0 {
			out, err := r.decide(candidate, found)
			r.metrics.IncResolution(string(candidate.Kind), outcomeLabel(out, err))
			return out, err
		}
	}

	if len(weak) > 0 {
		ids := make([]string, 0, len(weak))
		for _, m := range weak {
			ids = append(ids, m.entity.ID)
		}
		r.log.Info("possible duplicates below merge threshold",
			zap.String("workspace_id", candidate.WorkspaceID),
			zap.String("entity_id", candidate.ID),
			zap.Strings("candidates", ids),
		)
	}
	if rejected > 0 {
		r.log.Debug("all matches rejected", zap.String("entity_id", candidate.ID), zap.Int("rejected", rejected))
	}
	r.metrics.IncResolution(string(candidate.Kind), string(model.ResolutionNew))
	return Outcome{Kind: model.ResolutionNew}, nil
}

func outcomeLabel(out Outcome, err error) string {
	if err != nil {
		return "ambiguous_duplicate"
	}
	return string(out.Kind)
}

func (r *Resolver) decide(candidate model.Entity, found []match) (Outcome, error) {
	// Every pair of matches must also be compatible with each other.
	for i := range found {
		for j := i + 1; j < len(found); j++ {
			if sim := CompareWith(found[i].entity, found[j].entity, r.cfg.Thresholds); sim.Rejected {
				return Outcome{}, eris.Wrapf(model.ErrAmbiguousDuplicate,
					"resolve: %s matches %s and %s which conflict (%s)",
					candidate.ID, found[i].entity.ID, found[j].entity.ID, sim.Reason)
			}
		}
	}

	best := found[0]
	for _, m := range found[1:] {
		if m.sim.Score > best.sim.Score {
			best = m
		}
	}
	sig := best.sim.Signal

	if candidate.ID == "" && len(found) == 1 {
		return Outcome{Kind: model.ResolutionMatched, MatchedID: best.entity.ID, Signal: &sig}, nil
	}

	members := make([]model.Entity, 0, len(found)+1)
	signals := make([]model.IdentitySignal, 0, len(found))
	for _, m := range found {
		members = append(members, m.entity)
		signals = append(signals, m.sim.Signal)
	}
	if candidate.ID != "" {
		members = append(members, candidate)
	}

	survivor := r.ChooseSurvivor(members)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	group := &model.DuplicateGroup{
		ID:          uuid.New().String(),
		WorkspaceID: candidate.WorkspaceID,
		Kind:        candidate.Kind,
		PrimaryID:   survivor.ID,
		EntityIDs:   ids,
		Signals:     signals,
		CreatedAt:   r.now(),
	}
	return Outcome{Kind: model.ResolutionAmbiguous, MatchedID: survivor.ID, Group: group, Signal: &sig}, nil
}

// ChooseSurvivor picks the canonical entity of a group: the one holding an id
// from the most authoritative system, then the most external ids, then the
// most populated fields, then the oldest, then the smallest id.
func (r *Resolver) ChooseSurvivor(members []model.Entity) model.Entity {
	ranked := slices.Clone(members)
	authority := func(e model.Entity) int {
		ids := e.ExternalIDs()
		for i, sys := range r.cfg.AuthoritativeSystems {
			if ids[sys] != "" {
				return len(r.cfg.AuthoritativeSystems) - i
			}
		}
		return 0
	}
	populated := func(e model.Entity) int {
		n := 0
		for k := range e.Fields {
			if e.Populated(k) {
				n++
			}
		}
		return n
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if x, y := authority(a), authority(b); x != y {
			return x > y
		}
		if x, y := len(a.ExternalIDs()), len(b.ExternalIDs()); x != y {
			return x > y
		}
		if x, y := populated(a), populated(b); x != y {
			return x > y
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ranked[0]
}

// IndexKeys refreshes e's identity keys inside tx.
func IndexKeys(ctx context.Context, tx store.Tx, e model.Entity) error {
	if err := tx.SetIdentityKeys(ctx, e.WorkspaceID, e.Kind, e.ID, IdentityKeys(e)); err != nil {
		return eris.Wrapf(err, "resolve: index %s", e.ID)
	}
	return nil
}
