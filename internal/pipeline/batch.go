package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/batch"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// BatchOptions controls one RunBatchEnrichment call.
type BatchOptions struct {
	BatchID     string
	Concurrency int
	DryRun      bool
	// Resume continues the batch's last checkpoint.
	Resume bool
}

// RunBatchEnrichment enriches every live entity matching filter. Per-entity
// failures land in the report and the dead-letter queue; a configuration
// error aborts the run.
func (p *Pipeline) RunBatchEnrichment(ctx context.Context, filter store.EntityFilter, opts BatchOptions) (*model.BatchReport, error) {
	if filter.WorkspaceID == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "pipeline: workspace is required")
	}
	filter.IncludeDeleted = false
	entities, err := p.store.ListEntities(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list batch entities")
	}
	refs := make([]model.EntityRef, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, e.Ref())
	}
	return p.RunBatchRefs(ctx, refs, opts)
}

// RunBatchRefs enriches an explicit list of entities.
func (p *Pipeline) RunBatchRefs(ctx context.Context, refs []model.EntityRef, opts BatchOptions) (*model.BatchReport, error) {
	skip := 0
	if opts.Resume && opts.BatchID != "" {
		cp, err := p.store.GetCheckpoint(ctx, opts.BatchID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load checkpoint %s", opts.BatchID)
		}
		if cp != nil {
			skip = cp.NextOffset
			p.log.Info("resuming batch", zap.String("batch_id", opts.BatchID), zap.Int("next_offset", skip))
		}
	}
	return p.coord.RunBatch(ctx, refs, batch.Options{
		BatchID:     opts.BatchID,
		Concurrency: opts.Concurrency,
		Skip:        skip,
		DryRun:      opts.DryRun,
	})
}

// RetryDeadLetters re-runs failed entities that are due for another attempt.
func (p *Pipeline) RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter, concurrency int) (*model.BatchReport, error) {
	return p.coord.RetryDeadLetters(ctx, filter, concurrency)
}

// processEntity is the batch coordinator's per-entity function. Companies
// also get their buyer group regenerated when a seller profile is set.
func (p *Pipeline) processEntity(ctx context.Context, ref model.EntityRef, dryRun bool) error {
	res, err := p.EnrichEntity(ctx, ref.WorkspaceID, ref.Kind, ref.ID, Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	if res.Skipped {
		return batch.ErrSkipped
	}
	if p.profile == nil || ref.Kind != model.KindCompany || dryRun || res.MergedInto != "" {
		return nil
	}
	if _, err := p.GenerateRoleAssignments(ctx, ref.WorkspaceID, ref.ID, *p.profile); err != nil && !errors.Is(err, model.ErrNotFound) {
		return eris.Wrapf(err, "pipeline: roles for %s", ref.ID)
	}
	return nil
}
