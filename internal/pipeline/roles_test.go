package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/roles"
	"github.com/sells-group/enrichment-engine/internal/store"
)

func infraProfile() roles.SellerProfile {
	return roles.SellerProfile{
		Name:              "cloudco",
		SolutionCategory:  roles.SolutionInfrastructure,
		TargetDepartments: []string{"engineering", "it"},
	}
}

func seedBuyerGroup(t *testing.T, h *harness) {
	t.Helper()
	h.save(t, entity("c1", model.KindCompany, map[string]model.FieldValue{
		model.FieldName:   crm("Acme"),
		model.FieldDomain: crm("acme.com"),
	}))
	h.save(t, entity("c2", model.KindCompany, map[string]model.FieldValue{model.FieldDomain: crm("globex.com")}))
	h.save(t, entity("p-vp", model.KindPerson, map[string]model.FieldValue{
		model.FieldName:  crm("Vera Park"),
		model.FieldTitle: crm("VP of Engineering"),
	}))
	h.save(t, entity("p-eng", model.KindPerson, map[string]model.FieldValue{
		model.FieldName:      crm("Eli Ng"),
		model.FieldTitle:     crm("Senior Software Engineer"),
		model.FieldCompanyID: crm("c1"),
	}))
	h.save(t, entity("p-cfo", model.KindPerson, map[string]model.FieldValue{
		model.FieldName:      crm("Cara Fox"),
		model.FieldTitle:     crm("Chief Financial Officer"),
		model.FieldCompanyID: crm("c1"),
	}))
	h.save(t, entity("p-other", model.KindPerson, map[string]model.FieldValue{
		model.FieldName:      crm("Otto Reyes"),
		model.FieldTitle:     crm("Chief Technology Officer"),
		model.FieldCompanyID: crm("c2"),
	}))
	_, err := h.store.CreateEdge(context.Background(), &model.Edge{
		WorkspaceID: "ws1", Type: model.EdgeEmployment, FromID: "p-vp", ToID: "c1",
	})
	require.NoError(t, err)
}

func TestGenerateRoleAssignments(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()

	as, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)
	require.Len(t, as, 3)

	assert.Equal(t, "p-vp", as[0].PersonID)
	assert.Equal(t, model.RoleDecisionMaker, as[0].Role)
	assert.Equal(t, model.RoleConfirmed, as[0].State)
	for i := 1; i < len(as); i++ {
		assert.GreaterOrEqual(t, as[i-1].InfluenceScore, as[i].InfluenceScore)
	}
	byPerson := map[string]model.RoleAssignment{}
	for _, a := range as {
		byPerson[a.PersonID] = a
	}
	assert.Equal(t, model.RoleInfluencer, byPerson["p-eng"].Role)
	assert.Equal(t, model.RoleNone, byPerson["p-cfo"].Role)
	assert.Equal(t, model.RoleUnassigned, byPerson["p-cfo"].State)

	stored, err := h.store.ListRoleAssignments(ctx, store.RoleFilter{WorkspaceID: "ws1", CompanyID: "c1"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	edges, err := h.store.ListEdges(ctx, "ws1", []string{"c1"})
	require.NoError(t, err)
	members := 0
	for _, e := range edges {
		if e.Type == model.EdgeBuyerGroupMember {
			members++
			assert.NotEqual(t, "p-cfo", e.FromID)
		}
	}
	assert.Equal(t, 2, members)

	again, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)
	assert.Equal(t, as, again)
}

func buyerEdges(t *testing.T, h *harness, companyID string) map[string]model.Edge {
	t.Helper()
	edges, err := h.store.ListEdges(context.Background(), "ws1", []string{companyID})
	require.NoError(t, err)
	out := map[string]model.Edge{}
	for _, e := range edges {
		if e.Type == model.EdgeBuyerGroupMember {
			out[e.FromID] = e
		}
	}
	return out
}

func TestGenerateRoleAssignments_SyncsBuyerGroupEdges(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()

	_, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)
	require.Contains(t, buyerEdges(t, h, "c1"), "p-eng")

	eli := h.get(t, "p-eng")
	eli.Set(model.FieldTitle, crm("Accounts Payable Clerk, Finance"))
	require.NoError(t, h.store.UpdateEntity(ctx, eli))

	as, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)
	for _, a := range as {
		if a.PersonID == "p-eng" {
			assert.Equal(t, model.RoleNone, a.Role)
		}
	}
	edges := buyerEdges(t, h, "c1")
	assert.NotContains(t, edges, "p-eng", "unassigned people leave the buyer group")
	assert.Contains(t, edges, "p-vp")
}

func TestGenerateRoleAssignments_RewritesEdgeRole(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()

	_, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)

	stale := buyerEdges(t, h, "c1")["p-eng"]
	require.NoError(t, h.store.DeleteEdge(ctx, "ws1", stale.ID))
	_, err = h.store.CreateEdge(ctx, &model.Edge{
		WorkspaceID: "ws1", Type: model.EdgeBuyerGroupMember, FromID: "p-eng", ToID: "c1",
		Attrs: map[string]any{"role": string(model.RoleChampion), "profile": "cloudco"},
	})
	require.NoError(t, err)

	as, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", infraProfile())
	require.NoError(t, err)
	edges := buyerEdges(t, h, "c1")
	for _, a := range as {
		if a.Role == model.RoleNone {
			assert.NotContains(t, edges, a.PersonID)
			continue
		}
		require.Contains(t, edges, a.PersonID)
		assert.Equal(t, string(a.Role), edges[a.PersonID].Attrs["role"])
	}
	assert.Equal(t, string(model.RoleInfluencer), edges["p-eng"].Attrs["role"])
}

func TestGenerateRoleAssignments_Invalid(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()

	_, err := h.pipeline.GenerateRoleAssignments(ctx, "ws1", "c1", roles.SellerProfile{Name: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = h.pipeline.GenerateRoleAssignments(ctx, "ws1", "p-vp", infraProfile())
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = h.pipeline.GenerateRoleAssignments(ctx, "ws1", "missing", infraProfile())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunBatchEnrichment(t *testing.T) {
	h := newHarness(t, acmeSpecs(), WithSellerProfile(infraProfile()))
	seedBuyerGroup(t, h)
	h.save(t, entity("c3", model.KindCompany, map[string]model.FieldValue{model.FieldDomain: crm("unknown.example")}))
	ctx := context.Background()
	filter := store.EntityFilter{WorkspaceID: "ws1", Kind: model.KindCompany}

	report, err := h.pipeline.RunBatchEnrichment(ctx, filter, BatchOptions{BatchID: "b1", Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed, "globex and unknown have no provider data")
	assert.Equal(t, 3, report.NextOffset)

	n, err := h.store.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	as, err := h.store.ListRoleAssignments(ctx, store.RoleFilter{WorkspaceID: "ws1", CompanyID: "c1"})
	require.NoError(t, err)
	assert.Len(t, as, 3)

	// A second pass skips what was just enriched.
	report, err = h.pipeline.RunBatchEnrichment(ctx, filter, BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Failed)
}

func TestRunBatchEnrichment_Resume(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()
	require.NoError(t, h.store.SaveCheckpoint(ctx, model.BatchCheckpoint{BatchID: "b1", WorkspaceID: "ws1", NextOffset: 1}))

	report, err := h.pipeline.RunBatchEnrichment(ctx,
		store.EntityFilter{WorkspaceID: "ws1", Kind: model.KindCompany},
		BatchOptions{BatchID: "b1", Resume: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.NextOffset)
}

func TestRunBatchEnrichment_NoProvidersAborts(t *testing.T) {
	h := newHarness(t, nil)
	seedBuyerGroup(t, h)
	_, err := h.pipeline.RunBatchEnrichment(context.Background(),
		store.EntityFilter{WorkspaceID: "ws1", Kind: model.KindCompany}, BatchOptions{})
	assert.ErrorIs(t, err, model.ErrNoProviders)

	_, err = h.pipeline.RunBatchEnrichment(context.Background(), store.EntityFilter{}, BatchOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestRetryDeadLetters(t *testing.T) {
	h := newHarness(t, acmeSpecs())
	seedBuyerGroup(t, h)
	ctx := context.Background()
	ref := model.EntityRef{WorkspaceID: "ws1", Kind: model.KindCompany, ID: "c1"}
	entry := resilience.NewDLQEntry(ref, "b0", resilience.NewTransientError(assert.AnError, 503), 3, testNow)
	entry.ID = "dlq-1"
	require.NoError(t, h.store.EnqueueDLQ(ctx, entry))

	report, err := h.pipeline.RetryDeadLetters(ctx, resilience.DLQFilter{WorkspaceID: "ws1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	n, _ := h.store.CountDLQ(ctx)
	assert.Zero(t, n)
}
