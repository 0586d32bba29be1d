package resolve

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/lock"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// MergeGroup folds every loser of group into its primary. The members are
// locked, snapshotted, and then merged in a single transaction: fields are
// unioned through the merge engine, edges are repointed to the survivor and
// losers are tombstoned. Any failure rolls the whole merge back, records a
// rolled_back audit row with the archive reference and returns an error
// wrapping model.ErrMergeTransactionFailed.
func (r *Resolver) MergeGroup(ctx context.Context, group model.DuplicateGroup) (*model.MergeAudit, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	log := r.log.With(
		zap.String("workspace_id", group.WorkspaceID),
		zap.String("group_id", group.ID),
		zap.String("survivor_id", group.PrimaryID),
	)

	lockKeys := make([]string, 0, len(group.EntityIDs))
	for _, id := range group.EntityIDs {
		lockKeys = append(lockKeys, lock.EntityKey(group.WorkspaceID, id))
	}
	unlock, err := r.locker.Lock(ctx, lockKeys...)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: lock group %s", group.ID)
	}
	defer unlock()

	ref, err := r.archive.Snapshot(ctx, group.WorkspaceID, group.EntityIDs, "merge:"+group.ID)
	if err != nil {
		// Nothing has been touched yet.
		r.metrics.IncMerge(string(model.MergeRolledBack))
		log.Error("merge aborted: snapshot failed", zap.Error(err))
		return nil, eris.Wrapf(errors.Join(model.ErrMergeTransactionFailed, err), "resolve: snapshot group %s", group.ID)
	}

	audit := model.MergeAudit{
		ID:          uuid.New().String(),
		WorkspaceID: group.WorkspaceID,
		GroupID:     group.ID,
		SurvivorID:  group.PrimaryID,
		MergedIDs:   group.Losers(),
		ArchiveRef:  ref,
		Signals:     group.Signals,
		Status:      model.MergeCommitted,
	}

	err = r.store.InTx(ctx, func(tx store.Tx) error {
		decisions, err := r.applyMerge(ctx, tx, group)
		if err != nil {
			return err
		}
		audit.Decisions = decisions
		audit.CommittedAt = r.now()
		return tx.AppendMergeAudit(ctx, audit)
	})
	if err != nil {
		audit.Status = model.MergeRolledBack
		audit.Decisions = nil
		audit.Error = err.Error()
		audit.CommittedAt = r.now()
		if aerr := r.store.AppendMergeAudit(ctx, audit); aerr != nil {
			log.Error("failed to record rolled back merge", zap.Error(aerr))
		}
		r.metrics.IncMerge(string(model.MergeRolledBack))
		log.Error("merge rolled back",
			zap.String("archive_ref", string(ref)),
			zap.Strings("merged_ids", audit.MergedIDs),
			zap.Error(err),
		)
		return nil, eris.Wrapf(errors.Join(model.ErrMergeTransactionFailed, err), "resolve: merge group %s", group.ID)
	}

	r.metrics.IncMerge(string(model.MergeCommitted))
	log.Info("merge committed",
		zap.String("archive_ref", string(ref)),
		zap.Strings("merged_ids", audit.MergedIDs),
		zap.Int("decisions", len(audit.Decisions)),
	)
	return &audit, nil
}

func validateGroup(g model.DuplicateGroup) error {
	switch {
	case g.WorkspaceID == "":
		return eris.Wrap(model.ErrInvalidInput, "resolve: group needs a workspace")
	case g.PrimaryID == "":
		return eris.Wrap(model.ErrInvalidInput, "resolve: group needs a primary")
	case !slices.Contains(g.EntityIDs, g.PrimaryID):
		return eris.Wrapf(model.ErrInvalidInput, "resolve: primary %s is not a group member", g.PrimaryID)
	case len(g.Losers()) == 0:
		return eris.Wrap(model.ErrInvalidInput, "resolve: group has nothing to merge")
	}
	return nil
}

func (r *Resolver) applyMerge(ctx context.Context, tx store.Tx, group model.DuplicateGroup) ([]model.MergeDecision, error) {
	survivor, err := tx.GetEntity(ctx, group.WorkspaceID, group.PrimaryID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: load survivor %s", group.PrimaryID)
	}
	if survivor.Deleted() {
		return nil, eris.Errorf("resolve: survivor %s was already merged into %s", survivor.ID, survivor.MergedInto)
	}

	losers := group.Losers()
	loserEnts := make([]model.Entity, 0, len(losers))
	results := make([]model.ProviderResult, 0, len(losers))
	for _, id := range losers {
		l, err := tx.GetEntity(ctx, group.WorkspaceID, id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: load loser %s", id)
		}
		if l.Deleted() {
			// No chained merges: the group must be re-resolved as a whole.
			return nil, eris.Errorf("resolve: %s was already merged into %s", id, l.MergedInto)
		}
		if l.Kind != survivor.Kind {
			return nil, eris.Wrapf(model.ErrInvalidInput, "resolve: cannot merge %s %s into %s", l.Kind, id, survivor.Kind)
		}
		loserEnts = append(loserEnts, *l)
		results = append(results, model.ProviderResult{
			Provider:  "entity:" + id,
			Tier:      model.TierPrimary,
			Status:    model.StatusSuccess,
			Fields:    l.Fields,
			FetchedAt: l.UpdatedAt,
		})
	}

	merged, decisions := r.merger.Merge(*survivor, results)
	unionExternalIDs(&merged, *survivor, loserEnts)
	merged.UpdatedAt = r.now()
	if err := tx.UpdateEntity(ctx, merged); err != nil {
		return nil, eris.Wrapf(err, "resolve: update survivor %s", merged.ID)
	}

	if err := repointEdges(ctx, tx, group.WorkspaceID, survivor.ID, losers); err != nil {
		return nil, err
	}

	now := r.now()
	for _, l := range loserEnts {
		tomb := now
		l.DeletedAt = &tomb
		l.MergedInto = survivor.ID
		l.UpdatedAt = now
		if err := tx.UpdateEntity(ctx, l); err != nil {
			return nil, eris.Wrapf(err, "resolve: tombstone %s", l.ID)
		}
		if err := tx.SetIdentityKeys(ctx, l.WorkspaceID, l.Kind, l.ID, nil); err != nil {
			return nil, eris.Wrapf(err, "resolve: unindex %s", l.ID)
		}
	}

	if err := IndexKeys(ctx, tx, merged); err != nil {
		return nil, err
	}
	return decisions, nil
}

// unionExternalIDs keeps every system's id across the group. The survivor
// wins when systems overlap.
func unionExternalIDs(merged *model.Entity, survivor model.Entity, losers []model.Entity) {
	ids := map[string]string{}
	var prov model.FieldValue
	for _, l := range losers {
		for sys, id := range l.ExternalIDs() {
			ids[sys] = id
		}
		if fv, ok := l.Get(model.FieldExternalIDs); ok && prov.Provenance == "" {
			prov = fv
		}
	}
	for sys, id := range survivor.ExternalIDs() {
		ids[sys] = id
	}
	if len(ids) == 0 {
		return
	}
	if fv, ok := survivor.Get(model.FieldExternalIDs); ok {
		prov = fv
	}
	prov.Value = ids
	prov.Type = model.TypeRecord
	merged.Set(model.FieldExternalIDs, prov)
}

// repointEdges moves every edge touching a loser onto the survivor. Edges
// that would duplicate an existing relationship or loop back onto the
// survivor are dropped.
func repointEdges(ctx context.Context, tx store.Tx, workspaceID, survivorID string, losers []string) error {
	edges, err := tx.ListEdges(ctx, workspaceID, losers)
	if err != nil {
		return eris.Wrap(err, "resolve: list edges")
	}
	isLoser := make(map[string]bool, len(losers))
	for _, id := range losers {
		isLoser[id] = true
	}
	for _, e := range edges {
		if err := tx.DeleteEdge(ctx, workspaceID, e.ID); err != nil {
			return eris.Wrapf(err, "resolve: detach edge %s", e.ID)
		}
		moved := e
		moved.ID = ""
		if isLoser[moved.FromID] {
			moved.FromID = survivorID
		}
		if isLoser[moved.ToID] {
			moved.ToID = survivorID
		}
		if moved.FromID == moved.ToID {
			continue
		}
		if _, err := tx.CreateEdge(ctx, &moved); err != nil {
			return eris.Wrapf(err, "resolve: repoint edge %s", e.ID)
		}
	}
	return nil
}
