package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return newPostgresStore(mock), mock
}

var entityCols = []string{"id", "workspace_id", "kind", "fields", "created_at", "updated_at", "deleted_at", "merged_into"}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(entityCols).AddRow(
		"c1", "ws1", model.KindCompany, []byte(`{"name":{"value":"Acme","provider":"crm","confidence":80}}`),
		now, now, (*time.Time)(nil), "",
	)
	mock.ExpectQuery(`SELECT id, workspace_id, kind, fields .* FROM entities WHERE workspace_id = \$1 AND id = \$2`).
		WithArgs("ws1", "c1").
		WillReturnRows(rows)

	e, err := s.GetEntity(context.Background(), "ws1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Text(model.FieldName))
	assert.Equal(t, "crm", e.Fields[model.FieldName].Provenance)
	assert.Nil(t, e.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM entities WHERE workspace_id = \$1 AND id = \$2`).
		WithArgs("ws1", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEntity(context.Background(), "ws1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET fields = \$1`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", "ws1", "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	e := model.NewEntity("ws1", model.KindCompany)
	e.ID = "c1"
	err := s.UpdateEntity(context.Background(), e)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEntities_BuildsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE workspace_id = \$1 AND kind = \$2 AND deleted_at IS NULL ORDER BY created_at ASC, id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs("ws1", "company", 50, 100).
		WillReturnRows(pgxmock.NewRows(entityCols))

	out, err := s.ListEntities(context.Background(), EntityFilter{WorkspaceID: "ws1", Kind: model.KindCompany, Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEntities_CompanyFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`AND kind = \$2 AND deleted_at IS NULL AND fields->'company_id'->>'value' = \$3 ORDER BY`).
		WithArgs("ws1", "person", "c1").
		WillReturnRows(pgxmock.NewRows(entityCols))

	_, err := s.ListEntities(context.Background(), EntityFilter{WorkspaceID: "ws1", Kind: model.KindPerson, CompanyID: "c1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetIdentityKeys_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM entity_identities WHERE entity_id = \$1`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"entity_identities"}, []string{"workspace_id", "kind", "identity_key", "entity_id"}).
		WillReturnResult(2)

	err := s.SetIdentityKeys(context.Background(), "ws1", model.KindCompany, "c1", []string{"url:acme.com", "name:acme", "url:acme.com"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByIdentityKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT i.entity_id FROM entity_identities i`).
		WithArgs("ws1", "company", "url:acme.com").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).AddRow("c1").AddRow("c2"))

	ids, err := s.FindByIdentityKey(context.Background(), "ws1", model.KindCompany, "url:acme.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateEdge_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO edges .* ON CONFLICT \(workspace_id, type, from_id, to_id\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "ws1", "employment", "p1", "c1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.CreateEdge(context.Background(), &model.Edge{WorkspaceID: "ws1", Type: model.EdgeEmployment, FromID: "p1", ToID: "c1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entities SET fields = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO merge_audit`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	e := model.NewEntity("ws1", model.KindCompany)
	e.ID = "c1"
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.UpdateEntity(context.Background(), e); err != nil {
			return err
		}
		return tx.AppendMergeAudit(context.Background(), model.MergeAudit{WorkspaceID: "ws1", Status: model.MergeCommitted})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert merge audit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Commits(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM edges WHERE workspace_id = \$1 AND id = \$2`).
		WithArgs("ws1", "e1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.DeleteEdge(context.Background(), "ws1", "e1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRoleAssignments_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_role_assignments"}, []string{
		"workspace_id", "person_id", "company_id", "role", "influence_score", "authority_tier",
		"confidence", "rationale", "state", "fingerprint", "verified_externally", "scored_at",
	}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "role_assignments" .* ON CONFLICT \("workspace_id", "person_id", "company_id"\) DO UPDATE .* IS DISTINCT FROM`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DROP TABLE "_tmp_upsert_role_assignments"`).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	err := s.UpsertRoleAssignments(context.Background(), []model.RoleAssignment{{
		WorkspaceID: "ws1", PersonID: "p1", CompanyID: "c1", Role: model.RoleChampion,
		State: model.RoleProvisional, ScoredAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetArchive_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT ref, workspace_id, reason, payload, created_at FROM archives`).
		WithArgs("ws1", "arc-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetArchive(context.Background(), "ws1", "arc-x")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCheckpoint_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batch_checkpoints WHERE batch_id = \$1`).
		WithArgs("b1").
		WillReturnError(pgx.ErrNoRows)

	cp, err := s.GetCheckpoint(context.Background(), "b1")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueDLQ_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM dead_letters\s+WHERE next_retry_at <= now\(\) AND retry_count < max_retries AND workspace_id = \$1 AND error_type = \$2 ORDER BY next_retry_at ASC LIMIT \$3`).
		WithArgs("ws1", "transient", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "entity_kind", "entity_id", "batch_id", "error", "error_type",
			"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at",
		}).AddRow("d1", "ws1", model.KindCompany, "c1", "b1", "503", "transient", 0, 3, now, now, now))

	out, err := s.DequeueDLQ(context.Background(), resilience.DLQFilter{WorkspaceID: "ws1", ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].Entity.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letters`).
		WithArgs(pgxmock.AnyArg(), "err", "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "nope", time.Now(), "err")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS entities`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
