// Package archive takes immutable snapshots of entities and their edges
// before any identity mutation, and restores from them on a best-effort
// basis.
package archive

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// KeyFunc derives identity keys for an entity. Restore uses it to re-index
// entities it brings back.
type KeyFunc func(model.Entity) []string

// Service snapshots and restores entities.
type Service struct {
	store store.Store
	keys  KeyFunc
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIdentityKeys sets the key function used when restoring.
func WithIdentityKeys(fn KeyFunc) Option {
	return func(s *Service) {
		s.keys = fn
	}
}

// New creates a Service.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "archive")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot captures every named entity, including tombstoned ones, plus all
// edges touching them. It returns only after the archive is durable.
func (s *Service) Snapshot(ctx context.Context, workspaceID string, entityIDs []string, reason string) (model.ArchiveRef, error) {
	if len(entityIDs) == 0 {
		return "", eris.Wrap(model.ErrInvalidInput, "archive: no entities to snapshot")
	}
	ids := slices.Clone(entityIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	ents, err := s.store.ListEntities(ctx, store.EntityFilter{WorkspaceID: workspaceID, IDs: ids, IncludeDeleted: true})
	if err != nil {
		return "", eris.Wrap(err, "archive: load entities")
	}
	if len(ents) != len(ids) {
		return "", eris.Wrapf(model.ErrNotFound, "archive: found %d of %d entities", len(ents), len(ids))
	}
	edges, err := s.store.ListEdges(ctx, workspaceID, ids)
	if err != nil {
		return "", eris.Wrap(err, "archive: load edges")
	}

	a := model.Archive{
		Ref:         model.ArchiveRef("arc_" + uuid.New().String()),
		WorkspaceID: workspaceID,
		Reason:      reason,
		Entities:    ents,
		Edges:       edges,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateArchive(ctx, a); err != nil {
		return "", eris.Wrap(err, "archive: persist snapshot")
	}

	s.log.Info("snapshot taken",
		zap.String("workspace_id", workspaceID),
		zap.String("archive_ref", string(a.Ref)),
		zap.String("reason", reason),
		zap.Int("entities", len(ents)),
		zap.Int("edges", len(edges)),
	)
	return a.Ref, nil
}

// Get returns an archive.
func (s *Service) Get(ctx context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error) {
	a, err := s.store.GetArchive(ctx, workspaceID, ref)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: get %s", ref)
	}
	return a, nil
}

// Restore brings archived entities back: missing ones are re-created and
// tombstoned ones get their archived fields back with the tombstone cleared.
// Live entities are left alone. Archived edges that no longer exist are
// re-created; edges repointed by a merge stay where they are.
func (s *Service) Restore(ctx context.Context, workspaceID string, ref model.ArchiveRef) ([]model.Entity, error) {
	a, err := s.Get(ctx, workspaceID, ref)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var restored []model.Entity
	edgesCreated := 0
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		for _, snap := range a.Entities {
			cur, err := tx.GetEntity(ctx, workspaceID, snap.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				e := snap.Clone()
				e.DeletedAt = nil
				e.MergedInto = ""
				e.UpdatedAt = now
				if err := tx.CreateEntity(ctx, &e); err != nil {
					return eris.Wrapf(err, "archive: recreate %s", snap.ID)
				}
				restored = append(restored, e)
			case err != nil:
				return eris.Wrapf(err, "archive: load %s", snap.ID)
			case cur.Deleted():
				e := snap.Clone()
				e.DeletedAt = nil
				e.MergedInto = ""
				e.UpdatedAt = now
				if err := tx.UpdateEntity(ctx, e); err != nil {
					return eris.Wrapf(err, "archive: untombstone %s", snap.ID)
				}
				restored = append(restored, e)
			default:
				continue
			}
			if s.keys != nil {
				last := restored[len(restored)-1]
				if err := tx.SetIdentityKeys(ctx, workspaceID, last.Kind, last.ID, s.keys(last)); err != nil {
					return eris.Wrapf(err, "archive: reindex %s", last.ID)
				}
			}
		}

		for _, edge := range a.Edges {
			e := edge
			created, err := tx.CreateEdge(ctx, &e)
			if err != nil {
				return eris.Wrapf(err, "archive: recreate edge %s", edge.ID)
			}
			if created {
				edgesCreated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("archive restored",
		zap.String("workspace_id", workspaceID),
		zap.String("archive_ref", string(ref)),
		zap.Int("entities_restored", len(restored)),
		zap.Int("edges_recreated", edgesCreated),
	)
	return restored, nil
}
