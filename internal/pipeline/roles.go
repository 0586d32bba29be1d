package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrichment-engine/internal/freshness"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/roles"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// GenerateRoleAssignments classifies every person linked to a company
// against profile and stores the results. People whose employment is stale
// are verified first when a verifier is configured. An unchanged
// fingerprint on a fresh assignment reuses the stored one. The returned
// assignments are ordered by influence, highest first.
func (p *Pipeline) GenerateRoleAssignments(ctx context.Context, workspaceID, companyID string, profile roles.SellerProfile) ([]model.RoleAssignment, error) {
	if workspaceID == "" || companyID == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "pipeline: workspace and company id are required")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	profile = profile.WithDefaults()
	log := p.log.With(
		zap.String("workspace_id", workspaceID),
		zap.String("company_id", companyID),
		zap.String("profile", profile.Name),
	)

	company, err := p.store.GetEntity(ctx, workspaceID, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load company")
	}
	if company.Kind != model.KindCompany {
		return nil, eris.Wrapf(model.ErrInvalidInput, "pipeline: %s is not a company", companyID)
	}
	if company.Deleted() {
		return nil, eris.Wrapf(model.ErrNotFound, "pipeline: company %s was merged into %q", companyID, company.MergedInto)
	}

	people, err := p.companyPeople(ctx, *company)
	if err != nil {
		return nil, err
	}

	now := p.now()
	slots := make([]*model.RoleAssignment, len(people))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.RoleConcurrency)
	for i, person := range people {
		g.Go(func() error {
			a, err := p.assign(gctx, log, person, *company, profile, now)
			if err != nil {
				return err
			}
			slots[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]model.RoleAssignment, 0, len(slots))
	for _, a := range slots {
		if a != nil {
			out = append(out, *a)
		}
	}

	err = p.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertRoleAssignments(ctx, out); err != nil {
			return eris.Wrap(err, "pipeline: save role assignments")
		}
		return syncBuyerGroup(ctx, tx, workspaceID, companyID, profile.Name, out, now)
	})
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		p.metrics.IncRoleAssignment(string(a.State))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].InfluenceScore != out[j].InfluenceScore {
			return out[i].InfluenceScore > out[j].InfluenceScore
		}
		return out[i].PersonID < out[j].PersonID
	})
	log.Info("role assignments generated", zap.Int("people", len(out)), zap.Int("assigned", countAssigned(out)))
	return out, nil
}

// syncBuyerGroup makes the company's buyer-group edges match out: people
// with a role get an edge carrying it, unassigned people lose theirs.
func syncBuyerGroup(ctx context.Context, tx store.Tx, workspaceID, companyID, profile string, out []model.RoleAssignment, now time.Time) error {
	edges, err := tx.ListEdges(ctx, workspaceID, []string{companyID})
	if err != nil {
		return eris.Wrap(err, "pipeline: list buyer group edges")
	}
	current := map[string]model.Edge{}
	for _, e := range edges {
		if e.Type == model.EdgeBuyerGroupMember && e.ToID == companyID {
			current[e.FromID] = e
		}
	}

	for _, a := range out {
		cur, ok := current[a.PersonID]
		if ok {
			if a.Role != model.RoleNone && cur.Attrs["role"] == string(a.Role) && cur.Attrs["profile"] == profile {
				continue
			}
			if err := tx.DeleteEdge(ctx, workspaceID, cur.ID); err != nil {
				return eris.Wrapf(err, "pipeline: drop buyer group edge for %s", a.PersonID)
			}
		}
		if a.Role == model.RoleNone {
			continue
		}
		edge := &model.Edge{
			ID:          uuid.New().String(),
			WorkspaceID: workspaceID,
			Type:        model.EdgeBuyerGroupMember,
			FromID:      a.PersonID,
			ToID:        companyID,
			Attrs:       map[string]any{"role": string(a.Role), "profile": profile},
			CreatedAt:   now,
		}
		if _, err := tx.CreateEdge(ctx, edge); err != nil {
			return eris.Wrapf(err, "pipeline: save buyer group edge for %s", a.PersonID)
		}
	}
	return nil
}

// companyPeople returns the live people linked to company by an employment
// or buyer-group edge, or by their company_id field.
func (p *Pipeline) companyPeople(ctx context.Context, company model.Entity) ([]model.Entity, error) {
	edges, err := p.store.ListEdges(ctx, company.WorkspaceID, []string{company.ID})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list company edges")
	}
	var linked []string
	for _, e := range edges {
		if e.ToID == company.ID && (e.Type == model.EdgeEmployment || e.Type == model.EdgeBuyerGroupMember) {
			linked = append(linked, e.FromID)
		}
	}

	out, err := p.store.ListEntities(ctx, store.EntityFilter{
		WorkspaceID: company.WorkspaceID,
		Kind:        model.KindPerson,
		CompanyID:   company.ID,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list company people")
	}
	if len(linked) == 0 {
		return out, nil
	}

	seen := make(map[string]bool, len(out))
	for _, person := range out {
		seen[person.ID] = true
	}
	// Tombstoned or non-person endpoints are filtered out here.
	byEdge, err := p.store.ListEntities(ctx, store.EntityFilter{
		WorkspaceID: company.WorkspaceID,
		Kind:        model.KindPerson,
		IDs:         linked,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list linked people")
	}
	for _, person := range byEdge {
		if !seen[person.ID] {
			seen[person.ID] = true
			out = append(out, person)
		}
	}
	return out, nil
}

// assign verifies (when stale) and classifies one person. It returns nil
// when the person was merged away during verification.
func (p *Pipeline) assign(ctx context.Context, log *zap.Logger, person, company model.Entity, profile roles.SellerProfile, now time.Time) (*model.RoleAssignment, error) {
	if p.verifier != nil && p.verifier.NeedsVerification(person, now) {
		ver, err := p.verifier.VerifyCurrent(ctx, person)
		switch {
		case err == nil, errors.Is(err, model.ErrStaleUnverifiable):
			saved, perr := p.persist(ctx, person.WorkspaceID, person.ID, func(fresh model.Entity) model.Entity {
				freshness.Apply(&fresh, ver, now)
				return fresh
			})
			switch {
			case perr != nil:
				log.Warn("saving verification failed", zap.String("person_id", person.ID), zap.Error(perr))
				freshness.Apply(&person, ver, now)
			case saved.Deleted():
				log.Info("person merged during role generation",
					zap.String("person_id", person.ID), zap.String("merged_into", saved.MergedInto))
				return nil, nil
			default:
				person = saved
			}
		default:
			log.Warn("employment check failed", zap.String("person_id", person.ID), zap.Error(err))
		}
	}

	prev, err := p.store.GetRoleAssignment(ctx, person.WorkspaceID, person.ID, company.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(err, "pipeline: load assignment for %s", person.ID)
	}
	departed := person.Text(model.FieldEmploymentStatus) == model.EmploymentPossibleDeparture

	if prev != nil && prev.Fingerprint == roles.Fingerprint(person, company, profile) {
		if refreshed := roles.Refresh(*prev, now, profile.StaleAfter); refreshed.State != model.RoleStale {
			return &refreshed, nil
		}
	}
	next := p.classifier.ClassifyRole(person, company, profile)
	a := roles.Reconcile(prev, next, departed, now, profile.StaleAfter)
	return &a, nil
}

func countAssigned(as []model.RoleAssignment) int {
	n := 0
	for _, a := range as {
		if a.Role != model.RoleNone {
			n++
		}
	}
	return n
}
