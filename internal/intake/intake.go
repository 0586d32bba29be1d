// Package intake turns queued Notion intake pages into stored entities and
// writes batch outcomes back to the pages.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resolve"
	"github.com/sells-group/enrichment-engine/internal/store"
	"github.com/sells-group/enrichment-engine/pkg/notion"
)

// System is the external-id system intake pages are recorded under.
const System = "notion"

// Item links one intake page to the entity it resolved to.
type Item struct {
	PageID string
	Ref    model.EntityRef
}

// Source reads one Notion intake database.
type Source struct {
	client   notion.Client
	dbID     string
	store    store.Store
	resolver *resolve.Resolver
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithNow overrides the clock used for field timestamps and page stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// New creates a Source.
func New(client notion.Client, dbID string, st store.Store, resolver *resolve.Resolver, opts ...Option) *Source {
	s := &Source{
		client:   client,
		dbID:     dbID,
		store:    st,
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "intake")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads every queued page and returns the entities they describe. A
// page matching a stored entity reuses it; otherwise a new entity is
// created. Pages that cannot be parsed or resolve ambiguously are marked
// Failed and left out.
func (s *Source) Load(ctx context.Context, workspaceID string) ([]Item, error) {
	if workspaceID == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "intake: workspace is required")
	}
	pages, err := s.client.QueryQueued(ctx, s.dbID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: load queued pages")
	}

	items := make([]Item, 0, len(pages))
	for _, p := range pages {
		item, err := s.loadPage(ctx, workspaceID, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "intake: load cancelled")
			}
			s.log.Warn("intake page rejected", zap.String("page_id", string(p.ID)), zap.Error(err))
			s.fail(ctx, string(p.ID), err)
			continue
		}
		items = append(items, item)
	}
	s.log.Info("intake loaded", zap.Int("pages", len(pages)), zap.Int("entities", len(items)))
	return items, nil
}

func (s *Source) loadPage(ctx context.Context, workspaceID string, p notionapi.Page) (Item, error) {
	row, err := notion.ParseIntake(p)
	if err != nil {
		return Item{}, eris.Wrap(model.ErrInvalidInput, err.Error())
	}
	candidate := s.toEntity(workspaceID, row)

	out, err := s.resolver.Resolve(ctx, candidate)
	if err != nil {
		return Item{}, err
	}
	// An unsaved candidate matching several stored entities lands on the
	// chosen survivor; enrichment merges the rest later.
	if out.Kind == model.ResolutionMatched || out.Kind == model.ResolutionAmbiguous {
		ref, err := s.attach(ctx, workspaceID, out.MatchedID, row.PageID)
		if err != nil {
			return Item{}, err
		}
		return Item{PageID: row.PageID, Ref: ref}, nil
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEntity(ctx, &candidate); err != nil {
			return err
		}
		return resolve.IndexKeys(ctx, tx, candidate)
	})
	if err != nil {
		return Item{}, eris.Wrapf(err, "intake: create entity for page %s", row.PageID)
	}
	return Item{PageID: row.PageID, Ref: candidate.Ref()}, nil
}

// attach records the page id on an existing entity so a re-queued page
// resolves by external id.
func (s *Source) attach(ctx context.Context, workspaceID, entityID, pageID string) (model.EntityRef, error) {
	var ref model.EntityRef
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetEntity(ctx, workspaceID, entityID)
		if err != nil {
			return err
		}
		ref = e.Ref()
		ids := e.ExternalIDs()
		if ids[System] == pageID {
			return nil
		}
		if ids == nil {
			ids = map[string]string{}
		}
		ids[System] = pageID
		fv, _ := e.Get(model.FieldExternalIDs)
		fv.Value = ids
		fv.Type = model.TypeRecord
		if fv.Provenance == "" {
			fv.Provenance = System
			fv.Confidence = 1
			fv.ObservedAt = s.now()
		}
		e.Set(model.FieldExternalIDs, fv)
		if err := tx.UpdateEntity(ctx, *e); err != nil {
			return err
		}
		return resolve.IndexKeys(ctx, tx, *e)
	})
	if err != nil {
		return ref, eris.Wrapf(err, "intake: attach page %s to %s", pageID, entityID)
	}
	return ref, nil
}

// toEntity builds an unsaved entity from an intake row. Typed-in values are
// manual so later provider merges keep them.
func (s *Source) toEntity(workspaceID string, row notion.IntakeRow) model.Entity {
	kind := model.KindCompany
	if row.Kind == string(model.KindPerson) {
		kind = model.KindPerson
	}
	e := model.NewEntity(workspaceID, kind)
	now := s.now()
	set := func(key, v string) {
		if v == "" {
			return
		}
		e.Set(key, model.FieldValue{
			Value:      v,
			Type:       model.TypeString,
			Provenance: model.ProvenanceManual,
			Confidence: 1,
			ObservedAt: now,
		})
	}

	set(model.FieldName, row.Name)
	set(model.FieldEmail, row.Email)
	if kind == model.KindCompany {
		set(model.FieldWebsite, row.Website)
		set(model.FieldDomain, resolve.NormalizeDomain(firstNonEmpty(row.Domain, row.Website)))
	} else {
		set(model.FieldTitle, row.Title)
		set(model.FieldCompanyName, row.Company)
		set(model.FieldCompanyDomain, resolve.NormalizeDomain(firstNonEmpty(row.Domain, row.Website)))
	}

	ids := map[string]string{System: row.PageID}
	for sys, id := range row.ExternalIDs {
		ids[sys] = id
	}
	e.Set(model.FieldExternalIDs, model.FieldValue{
		Value:      ids,
		Type:       model.TypeRecord,
		Provenance: System,
		Confidence: 1,
		ObservedAt: now,
	})
	return e
}

// Report marks each item's page Enriched or Failed from a batch report.
// Items a cancelled batch never reached stay Queued.
func (s *Source) Report(ctx context.Context, items []Item, report *model.BatchReport) error {
	if report == nil {
		return nil
	}
	failed := make(map[string]string, len(report.Errors))
	for _, e := range report.Errors {
		failed[e.EntityID] = e.Error
	}

	var errs []error
	for i, item := range items {
		if msg, ok := failed[item.Ref.ID]; ok {
			errs = append(errs, s.client.SetStatus(ctx, item.PageID, notion.StatusFailed, msg, s.now()))
			continue
		}
		if report.Cancelled && i >= report.NextOffset {
			continue
		}
		errs = append(errs, s.client.SetStatus(ctx, item.PageID, notion.StatusEnriched, "", s.now()))
	}
	if err := errors.Join(errs...); err != nil {
		return eris.Wrap(err, "intake: report")
	}
	return nil
}

func (s *Source) fail(ctx context.Context, pageID string, cause error) {
	if err := s.client.SetStatus(ctx, pageID, notion.StatusFailed, cause.Error(), s.now()); err != nil {
		s.log.Warn("could not mark intake page failed", zap.String("page_id", pageID), zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
