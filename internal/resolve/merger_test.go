package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// seedDuplicates stores a survivor, a loser and a person with edges to both.
func seedDuplicates(t *testing.T, f *fixture) (survivor, loser, p model.Entity) {
	t.Helper()
	ctx := context.Background()
	survivor = f.save(t, company("", map[string]any{
		model.FieldName:        "Acme",
		model.FieldDomain:      "acme.com",
		model.FieldExternalIDs: map[string]string{"salesforce": "001A"},
	}))
	loser = f.save(t, company("", map[string]any{
		model.FieldName:        "Acme Inc",
		model.FieldWebsite:     "https://acme.com",
		model.FieldIndustry:    "Industrial Tools",
		model.FieldExternalIDs: map[string]string{"hubspot": "h9"},
	}))
	p = f.save(t, person("", map[string]any{model.FieldName: "Jane Doe", model.FieldEmail: "jane@acme.com"}))

	for _, e := range []model.Edge{
		{WorkspaceID: "ws1", Type: model.EdgeEmployment, FromID: p.ID, ToID: survivor.ID},
		{WorkspaceID: "ws1", Type: model.EdgeEmployment, FromID: p.ID, ToID: loser.ID},
		{WorkspaceID: "ws1", Type: model.EdgeBuyerGroupMember, FromID: p.ID, ToID: loser.ID},
		{WorkspaceID: "ws1", Type: model.EdgeActivity, FromID: loser.ID, ToID: survivor.ID},
	} {
		_, err := f.store.CreateEdge(ctx, &e)
		require.NoError(t, err)
	}
	return survivor, loser, p
}

func group(survivor, loser model.Entity) model.DuplicateGroup {
	return model.DuplicateGroup{
		ID:          "g1",
		WorkspaceID: "ws1",
		Kind:        model.KindCompany,
		PrimaryID:   survivor.ID,
		EntityIDs:   []string{survivor.ID, loser.ID},
		Signals:     []model.IdentitySignal{{Type: model.SignalNameDomain, Strength: model.StrengthExact, Score: 1}},
	}
}

func TestMergeGroup_Commits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	survivor, loser, p := seedDuplicates(t, f)

	audit, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.NoError(t, err)
	assert.Equal(t, model.MergeCommitted, audit.Status)
	assert.Equal(t, []string{loser.ID}, audit.MergedIDs)
	assert.NotEmpty(t, audit.ArchiveRef)

	got, err := f.store.GetEntity(ctx, "ws1", survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Text(model.FieldName), "survivor keeps its populated name")
	assert.Equal(t, "Industrial Tools", got.Text(model.FieldIndustry), "loser fills gaps")
	assert.Equal(t, map[string]string{"salesforce": "001A", "hubspot": "h9"}, got.ExternalIDs())

	gone, err := f.store.GetEntity(ctx, "ws1", loser.ID)
	require.NoError(t, err)
	assert.True(t, gone.Deleted())
	assert.Equal(t, survivor.ID, gone.MergedInto)

	ids, err := f.store.FindByIdentityKey(ctx, "ws1", model.KindCompany, "external_id:hubspot:h9")
	require.NoError(t, err)
	assert.Equal(t, []string{survivor.ID}, ids)

	audits, err := f.store.ListMergeAudits(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.MergeCommitted, audits[0].Status)

	// Person still reachable via the survivor.
	edges, err := f.store.ListEdges(ctx, "ws1", []string{p.ID})
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotEqual(t, loser.ID, e.ToID)
	}
}

func TestMergeGroup_PreservesRelationships(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	survivor, loser, p := seedDuplicates(t, f)

	_, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.NoError(t, err)

	edges, err := f.store.ListEdges(ctx, "ws1", []string{survivor.ID, loser.ID})
	require.NoError(t, err)

	byType := map[model.EdgeType]int{}
	for _, e := range edges {
		assert.False(t, e.Touches(loser.ID), "edge %s still points at loser", e.ID)
		byType[e.Type]++
	}
	// Duplicate employment edge collapsed; membership moved; the activity
	// edge between the two became a self-loop and was dropped.
	assert.Equal(t, 1, byType[model.EdgeEmployment])
	assert.Equal(t, 1, byType[model.EdgeBuyerGroupMember])
	assert.Equal(t, 0, byType[model.EdgeActivity])

	member := false
	for _, e := range edges {
		if e.Type == model.EdgeBuyerGroupMember && e.FromID == p.ID && e.ToID == survivor.ID {
			member = true
		}
	}
	assert.True(t, member)
}

func TestMergeGroup_ArchivesBeforeMutating(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	survivor, loser, _ := seedDuplicates(t, f)

	audit, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.NoError(t, err)

	arc, err := f.store.GetArchive(ctx, "ws1", audit.ArchiveRef)
	require.NoError(t, err)
	require.Len(t, arc.Entities, 2)
	for _, e := range arc.Entities {
		assert.False(t, e.Deleted(), "archive holds pre-merge state")
		if e.ID == loser.ID {
			assert.Equal(t, "Industrial Tools", e.Text(model.FieldIndustry))
		}
	}
	assert.Len(t, arc.Edges, 4)
}

func TestMergeGroup_KeepsManualValues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	survivor := f.save(t, company("", map[string]any{model.FieldDomain: "acme.com"}))
	survivor.Set(model.FieldIndustry, model.FieldValue{Value: "Hand Tools", Provenance: model.ProvenanceManual})
	require.NoError(t, f.store.UpdateEntity(ctx, survivor))
	loser := f.save(t, company("", map[string]any{model.FieldDomain: "acme.com", model.FieldIndustry: "Software"}))

	_, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.NoError(t, err)

	got, err := f.store.GetEntity(ctx, "ws1", survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hand Tools", got.Text(model.FieldIndustry))
}

// failingStore fails the edge step inside merge transactions.
type failingStore struct {
	store.Store
}

type failingTx struct {
	store.Tx
}

func (f failingStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{tx})
	})
}

func (failingTx) DeleteEdge(context.Context, string, string) error {
	return eris.New("disk full")
}

func TestMergeGroup_RollsBackOnFailure(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, failingStore{mem})
	ctx := context.Background()
	survivor, loser, _ := seedDuplicates(t, f)

	_, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMergeTransactionFailed))
	assert.Contains(t, err.Error(), "disk full")

	// Nothing changed.
	gotS, err := mem.GetEntity(ctx, "ws1", survivor.ID)
	require.NoError(t, err)
	assert.False(t, gotS.Populated(model.FieldIndustry))
	gotL, err := mem.GetEntity(ctx, "ws1", loser.ID)
	require.NoError(t, err)
	assert.False(t, gotL.Deleted())
	edges, err := mem.ListEdges(ctx, "ws1", []string{loser.ID})
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	audits, err := mem.ListMergeAudits(ctx, "ws1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.MergeRolledBack, audits[0].Status)
	assert.NotEmpty(t, audits[0].ArchiveRef)
	assert.Contains(t, audits[0].Error, "disk full")

	_, err = mem.GetArchive(ctx, "ws1", audits[0].ArchiveRef)
	assert.NoError(t, err, "archive survives the rollback")
}

func TestMergeGroup_RefusesChainedMerge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	survivor, loser, _ := seedDuplicates(t, f)
	_, err := f.resolver.MergeGroup(ctx, group(survivor, loser))
	require.NoError(t, err)

	third := f.save(t, company("", map[string]any{model.FieldName: "Acme", model.FieldDomain: "acme.com"}))
	_, err = f.resolver.MergeGroup(ctx, group(third, loser))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMergeTransactionFailed))
}

func TestMergeGroup_InvalidGroup(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name  string
		group model.DuplicateGroup
	}{
		{"no workspace", model.DuplicateGroup{PrimaryID: "a", EntityIDs: []string{"a", "b"}}},
		{"primary not member", model.DuplicateGroup{WorkspaceID: "ws1", PrimaryID: "c", EntityIDs: []string{"a", "b"}}},
		{"single member", model.DuplicateGroup{WorkspaceID: "ws1", PrimaryID: "a", EntityIDs: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.resolver.MergeGroup(context.Background(), tt.group)
			assert.True(t, errors.Is(err, model.ErrInvalidInput))
		})
	}
}

func TestMergeGroup_MissingMemberFailsBeforeMutation(t *testing.T) {
	f := newFixture(t, nil)
	survivor := f.save(t, company("", map[string]any{model.FieldName: "Acme"}))
	_, err := f.resolver.MergeGroup(context.Background(), model.DuplicateGroup{
		ID: "g2", WorkspaceID: "ws1", PrimaryID: survivor.ID, EntityIDs: []string{survivor.ID, "ghost"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMergeTransactionFailed))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
