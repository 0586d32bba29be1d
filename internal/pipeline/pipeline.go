// Package pipeline wires the engine's components into the inbound
// operations: single-entity enrichment, role generation and batch runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/batch"
	"github.com/sells-group/enrichment-engine/internal/freshness"
	"github.com/sells-group/enrichment-engine/internal/lock"
	"github.com/sells-group/enrichment-engine/internal/merge"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/resolve"
	"github.com/sells-group/enrichment-engine/internal/roles"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// DefaultDeadline bounds one entity's provider fan-out.
const DefaultDeadline = 30 * time.Second

// Enricher fans an entity out to providers.
type Enricher interface {
	Enrich(ctx context.Context, target model.Entity, fields []string, deadline time.Time) (map[string]model.ProviderResult, error)
}

// Config tunes the pipeline.
type Config struct {
	Deadline time.Duration `yaml:"deadline" mapstructure:"deadline"`
	// RefreshAfter skips entities enriched more recently unless forced.
	RefreshAfter time.Duration `yaml:"refresh_after" mapstructure:"refresh_after"`
	// RoleConcurrency bounds parallel employment checks during role
	// generation.
	RoleConcurrency int          `yaml:"role_concurrency" mapstructure:"role_concurrency"`
	Batch           batch.Config `yaml:"batch" mapstructure:"batch"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Deadline:        DefaultDeadline,
		RefreshAfter:    24 * time.Hour,
		RoleConcurrency: 4,
		Batch:           batch.DefaultConfig(),
	}
}

// Options controls one EnrichEntity call.
type Options struct {
	ForceRefresh    bool     `json:"force_refresh"`
	FieldsRequested []string `json:"fields_requested,omitempty"`
	DryRun          bool     `json:"dry_run,omitempty"`
}

// Pipeline runs enrichment end to end.
type Pipeline struct {
	cfg        Config
	store      store.Store
	enricher   Enricher
	merger     *merge.Engine
	resolver   *resolve.Resolver
	verifier   *freshness.Verifier
	classifier *roles.Classifier
	locker     lock.Locker
	profile    *roles.SellerProfile
	metrics    *monitoring.Metrics
	coord      *batch.Coordinator
	now        func() time.Time
	log        *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVerifier enables employment verification.
func WithVerifier(v *freshness.Verifier) Option {
	return func(p *Pipeline) {
		p.verifier = v
	}
}

// WithLocker sets the advisory lock used around entity writes. The resolver
// must share it.
func WithLocker(l lock.Locker) Option {
	return func(p *Pipeline) {
		p.locker = l
	}
}

// WithSellerProfile makes batch runs regenerate role assignments for every
// enriched company.
func WithSellerProfile(profile roles.SellerProfile) Option {
	return func(p *Pipeline) {
		p.profile = &profile
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(cfg Config, st store.Store, enricher Enricher, merger *merge.Engine, resolver *resolve.Resolver, classifier *roles.Classifier, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.RoleConcurrency <= 0 {
		cfg.RoleConcurrency = def.RoleConcurrency
	}
	p := &Pipeline{
		cfg:        cfg,
		store:      st,
		enricher:   enricher,
		merger:     merger,
		resolver:   resolver,
		classifier: classifier,
		now:        func() time.Time { return time.Now().UTC() },
		log:        zap.L().With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = lock.NewLocal()
	}
	p.coord = batch.New(p.processEntity, cfg.Batch,
		batch.WithStore(st),
		batch.WithMetrics(p.metrics),
		batch.WithNow(p.now),
	)
	return p
}

// Coordinator exposes the batch coordinator (dead-letter retries, resumes).
func (p *Pipeline) Coordinator() *batch.Coordinator {
	return p.coord
}

// phase runs fn and logs its outcome and duration.
func phase[T any](log *zap.Logger, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	ms := time.Since(start).Milliseconds()
	if err != nil {
		log.Warn("pipeline: phase failed", zap.String("phase", name), zap.Int64("duration_ms", ms), zap.Error(err))
	} else {
		log.Debug("pipeline: phase complete", zap.String("phase", name), zap.Int64("duration_ms", ms))
	}
	return out, err
}

// EnrichEntity fans the entity out to providers, merges the answers,
// persists them, resolves duplicates and verifies employment for people.
//
// Only model.ErrNoDataAvailable, model.ErrAmbiguousDuplicate, not-found,
// invalid-input and configuration errors are returned; anything else is
// absorbed into the result's Message. An ambiguous duplicate returns both
// the result (the enrichment was persisted) and the error.
func (p *Pipeline) EnrichEntity(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, opts Options) (*model.EnrichmentResult, error) {
	if workspaceID == "" || entityID == "" || !kind.Valid() {
		return nil, eris.Wrap(model.ErrInvalidInput, "pipeline: workspace, kind and entity id are required")
	}
	start := time.Now()
	defer func() { p.metrics.ObserveEnrichment(time.Since(start)) }()

	log := p.log.With(
		zap.String("workspace_id", workspaceID),
		zap.String("entity_id", entityID),
		zap.String("kind", string(kind)),
	)

	current, err := p.store.GetEntity(ctx, workspaceID, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load entity")
	}
	if current.Kind != kind {
		return nil, eris.Wrapf(model.ErrInvalidInput, "pipeline: entity %s is a %s, not a %s", entityID, current.Kind, kind)
	}
	if current.Deleted() {
		return nil, eris.Wrapf(model.ErrNotFound, "pipeline: entity %s was merged into %q", entityID, current.MergedInto)
	}

	result := &model.EnrichmentResult{
		EntityID:    entityID,
		WorkspaceID: workspaceID,
		Kind:        kind,
		DryRun:      opts.DryRun,
		Resolution:  model.ResolutionNew,
	}
	now := p.now()
	if !opts.ForceRefresh && p.recentlyEnriched(*current, now) {
		result.Skipped = true
		result.QualityScore = p.merger.QualityScore(*current)
		result.Message = "enriched recently; use force refresh to re-run"
		return result, nil
	}

	results, err := phase(log, "providers", func() (map[string]model.ProviderResult, error) {
		return p.enricher.Enrich(ctx, *current, opts.FieldsRequested, now.Add(p.cfg.Deadline))
	})
	for _, name := range sortedProviders(results) {
		r := results[name]
		result.CostUSD += r.CostUSD
		if r.OK() {
			result.DataSources = append(result.DataSources, name)
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: enrich")
	}

	list := make([]model.ProviderResult, 0, len(results))
	for _, name := range sortedProviders(results) {
		list = append(list, results[name])
	}
	apply := func(base model.Entity) (model.Entity, []model.MergeDecision) {
		merged, decisions := p.merger.Merge(base, list)
		merged.Set(model.FieldLastEnriched, model.FieldValue{
			Value:      now.UTC().Format(time.RFC3339),
			Type:       model.TypeDate,
			Provenance: merge.ProvenanceComputed,
			Confidence: 100,
			ObservedAt: now.UTC(),
		})
		return merged, decisions
	}

	var notes []string
	merged, decisions := apply(*current)
	if opts.DryRun {
		notes = append(notes, "dry run: nothing persisted")
	} else {
		merged, err = p.persist(ctx, workspaceID, entityID, func(fresh model.Entity) model.Entity {
			var m model.Entity
			m, decisions = apply(fresh)
			return m
		})
		if err != nil {
			return nil, err
		}
		if merged.Deleted() {
			result.Resolution = model.ResolutionMatched
			result.MergedInto = merged.MergedInto
			result.Message = "merged into " + merged.MergedInto + " during enrichment; provider results discarded"
			log.Info("entity merged during enrichment", zap.String("merged_into", merged.MergedInto))
			return result, nil
		}
	}
	result.Decisions = decisions
	for _, d := range decisions {
		if d.Outcome.Changed() {
			result.FieldsPopulated = append(result.FieldsPopulated, d.Field)
		}
	}
	result.QualityScore = p.merger.QualityScore(merged)

	survivor, resNotes, resErr := p.resolveAndMerge(ctx, log, merged, opts.DryRun, result)
	notes = append(notes, resNotes...)
	if resErr != nil {
		result.Message = strings.Join(notes, "; ")
		return result, resErr
	}

	if survivor.Kind == model.KindPerson && p.verifier != nil && p.verifier.NeedsVerification(survivor, now) {
		notes = append(notes, p.verify(ctx, log, survivor, opts.DryRun)...)
	}

	result.Message = strings.Join(notes, "; ")
	log.Info("entity enriched",
		zap.Strings("data_sources", result.DataSources),
		zap.Int("fields_populated", len(result.FieldsPopulated)),
		zap.Int("quality_score", result.QualityScore),
		zap.String("resolution", string(result.Resolution)),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

func (p *Pipeline) recentlyEnriched(e model.Entity, now time.Time) bool {
	if p.cfg.RefreshAfter <= 0 {
		return false
	}
	fv, ok := e.Get(model.FieldLastEnriched)
	return ok && fv.Age(now) < p.cfg.RefreshAfter
}

// persist re-reads the entity under its advisory lock, applies update to
// the stored row and writes the result with its identity keys. A row that
// was merged away since it was loaded is returned untouched.
func (p *Pipeline) persist(ctx context.Context, workspaceID, id string, update func(model.Entity) model.Entity) (model.Entity, error) {
	unlock, err := p.locker.Lock(ctx, lock.EntityKey(workspaceID, id))
	if err != nil {
		return model.Entity{}, eris.Wrapf(err, "pipeline: lock %s", id)
	}
	defer unlock()

	var out model.Entity
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetEntity(ctx, workspaceID, id)
		if err != nil {
			return err
		}
		if fresh.Deleted() {
			out = *fresh
			return nil
		}
		out = update(*fresh)
		if err := tx.UpdateEntity(ctx, out); err != nil {
			return err
		}
		return resolve.IndexKeys(ctx, tx, out)
	})
	if err != nil {
		return model.Entity{}, eris.Wrapf(err, "pipeline: persist %s", id)
	}
	return out, nil
}

// resolveAndMerge runs duplicate detection for the freshly merged entity and
// executes any merge it calls for. It returns the entity that survives.
func (p *Pipeline) resolveAndMerge(ctx context.Context, log *zap.Logger, e model.Entity, dryRun bool, result *model.EnrichmentResult) (model.Entity, []string, error) {
	out, err := phase(log, "resolve", func() (resolve.Outcome, error) {
		return p.resolver.Resolve(ctx, e)
	})
	if err != nil {
		if errors.Is(err, model.ErrAmbiguousDuplicate) {
			result.Resolution = model.ResolutionAmbiguous
			return e, []string{"conflicting duplicates need manual review"}, eris.Wrap(err, "pipeline: resolve")
		}
		return e, []string{"duplicate check failed: " + err.Error()}, nil
	}
	result.Resolution = out.Kind

	switch out.Kind {
	case model.ResolutionMatched:
		result.MergedInto = out.MatchedID
		return e, []string{"matches existing entity " + out.MatchedID}, nil
	case model.ResolutionAmbiguous:
	default:
		return e, nil, nil
	}

	group := *out.Group
	if dryRun {
		return e, []string{fmt.Sprintf("would merge %d duplicates into %s", len(group.EntityIDs)-1, group.PrimaryID)}, nil
	}
	audit, err := phase(log, "merge", func() (*model.MergeAudit, error) {
		return p.resolver.MergeGroup(ctx, group)
	})
	if err != nil {
		return e, []string{"duplicate merge rolled back: " + err.Error()}, nil
	}
	result.ArchiveRef = audit.ArchiveRef
	if group.PrimaryID != e.ID {
		result.MergedInto = group.PrimaryID
	}
	survivor, err := p.store.GetEntity(ctx, e.WorkspaceID, group.PrimaryID)
	if err != nil {
		return e, []string{"merged; reload failed: " + err.Error()}, nil
	}
	return *survivor, []string{fmt.Sprintf("merged %d duplicates into %s", len(audit.MergedIDs), audit.SurvivorID)}, nil
}

// verify checks employment and stores the outcome. Failures only produce a
// note.
func (p *Pipeline) verify(ctx context.Context, log *zap.Logger, person model.Entity, dryRun bool) []string {
	ver, err := phase(log, "verify", func() (freshness.Verification, error) {
		return p.verifier.VerifyCurrent(ctx, person)
	})
	var note string
	switch {
	case err == nil && ver.Current:
		note = "employment verified"
	case err == nil:
		note = "possible departure: now at " + ver.Employer
	case errors.Is(err, model.ErrStaleUnverifiable):
		note = "employment unverifiable"
	default:
		return []string{"employment check failed: " + err.Error()}
	}
	if dryRun {
		return []string{note}
	}
	now := p.now()
	saved, err := p.persist(ctx, person.WorkspaceID, person.ID, func(fresh model.Entity) model.Entity {
		freshness.Apply(&fresh, ver, now)
		return fresh
	})
	if err != nil {
		return []string{note, "saving verification failed: " + err.Error()}
	}
	if saved.Deleted() {
		return []string{note, "verification not saved: merged into " + saved.MergedInto}
	}
	return []string{note}
}

func sortedProviders(results map[string]model.ProviderResult) []string {
	names := make([]string, 0, len(results))
	for n := range results {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
