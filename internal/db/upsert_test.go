package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roleCfg = UpsertConfig{
	Table:        "role_assignments",
	Columns:      []string{"person_id", "company_id", "role", "state"},
	ConflictKeys: []string{"person_id", "company_id"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, roleCfg, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{"no table", UpsertConfig{Columns: []string{"a"}, ConflictKeys: []string{"a"}}, "no table specified"},
		{"no columns", UpsertConfig{Table: "t", ConflictKeys: []string{"a"}}, "no columns specified"},
		{"no keys", UpsertConfig{Table: "t", Columns: []string{"a"}}, "no conflict keys specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BulkUpsert(context.Background(), nil, tt.cfg, [][]any{{1}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpsertConfig_InsertSQL(t *testing.T) {
	got := roleCfg.insertSQL()
	assert.Equal(t,
		`INSERT INTO "role_assignments" ("person_id", "company_id", "role", "state") `+
			`SELECT "person_id", "company_id", "role", "state" FROM "_tmp_upsert_role_assignments" `+
			`ON CONFLICT ("person_id", "company_id") DO UPDATE SET "role" = EXCLUDED."role", "state" = EXCLUDED."state"`,
		got)

	changed := roleCfg
	changed.ChangedOnly = true
	assert.Contains(t, changed.insertSQL(),
		`WHERE ("role_assignments"."role", "role_assignments"."state") IS DISTINCT FROM (EXCLUDED."role", EXCLUDED."state")`)

	only := roleCfg
	only.UpdateCols = []string{"state"}
	assert.Contains(t, only.insertSQL(), `DO UPDATE SET "state" = EXCLUDED."state"`)
	assert.NotContains(t, only.insertSQL(), `"role" = EXCLUDED`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"role_assignments", `"role_assignments"`},
		{"public.role_assignments", `"public"."role_assignments"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestBulkUpsert_InsideTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_role_assignments" \(LIKE "role_assignments" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_role_assignments"}, roleCfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "role_assignments"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DROP TABLE "_tmp_upsert_role_assignments"`).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	var n int64
	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		var err error
		n, err = BulkUpsert(context.Background(), tx, roleCfg, [][]any{
			{"p1", "c1", "champion", "provisional"},
			{"p2", "c1", "influencer", "confirmed"},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFailureAbortsTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_role_assignments"}, roleCfg.Columns).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := BulkUpsert(context.Background(), tx, roleCfg, [][]any{{"p1", "c1", "champion", "provisional"}})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into staging for role_assignments")
	assert.NoError(t, mock.ExpectationsWereMet())
}
