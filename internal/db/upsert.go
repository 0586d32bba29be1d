package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a staged bulk upsert into one table.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten on conflict. Nil means every column that is
	// not a conflict key.
	UpdateCols []string
	// ChangedOnly skips the update when the staged row matches the stored one
	// on every update column.
	ChangedOnly bool
}

func (c UpsertConfig) validate() error {
	switch {
	case c.Table == "":
		return eris.New("db: upsert: no table specified")
	case len(c.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(c.ConflictKeys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	keys := make(map[string]bool, len(c.ConflictKeys))
	for _, k := range c.ConflictKeys {
		keys[k] = true
	}
	var out []string
	for _, col := range c.Columns {
		if !keys[col] {
			out = append(out, col)
		}
	}
	return out
}

// stagingTable names the temp table rows are copied into.
func (c UpsertConfig) stagingTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// insertSQL moves staged rows into the target table.
func (c UpsertConfig) insertSQL() string {
	target := sanitizeTable(c.Table)
	cols := quoteAndJoin(c.Columns)
	update := c.updateCols()

	sets := make([]string, len(update))
	for i, col := range update {
		id := pgx.Identifier{col}.Sanitize()
		sets[i] = id + " = EXCLUDED." + id
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		target, cols, cols, pgx.Identifier{c.stagingTable()}.Sanitize(),
		quoteAndJoin(c.ConflictKeys), strings.Join(sets, ", "))

	if c.ChangedOnly && len(update) > 0 {
		stored := make([]string, len(update))
		staged := make([]string, len(update))
		for i, col := range update {
			id := pgx.Identifier{col}.Sanitize()
			stored[i] = target + "." + id
			staged[i] = "EXCLUDED." + id
		}
		stmt += fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(stored, ", "), strings.Join(staged, ", "))
	}
	return stmt
}

// BulkUpsert copies rows into a temp table and merges them into cfg.Table
// with INSERT ... ON CONFLICT. q must be an open transaction: the temp table
// is dropped on commit, and explicitly once the insert is done so the same
// transaction can upsert again. It returns the number of rows written.
func BulkUpsert(ctx context.Context, q Querier, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	staging := pgx.Identifier{cfg.stagingTable()}
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := q.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := q.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging for %s", cfg.Table)
	}

	tag, err := q.Exec(ctx, cfg.insertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if _, err := q.Exec(ctx, "DROP TABLE "+staging.Sanitize()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: drop staging for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable quotes a table name, keeping a schema qualifier.
func sanitizeTable(table string) string {
	schema, name, ok := strings.Cut(table, ".")
	if ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
