package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlTx
	db *sql.DB
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlTx implements Tx over a database or an open transaction.
type sqlTx struct {
	q sqlExecer
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer avoids SQLITE_BUSY under the batch worker pool.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqlTx: &sqlTx{q: db}, db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	fields       TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	deleted_at   DATETIME,
	merged_into  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entity_identities (
	workspace_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	entity_id    TEXT NOT NULL REFERENCES entities(id),
	PRIMARY KEY (workspace_id, kind, identity_key, entity_id)
);

CREATE TABLE IF NOT EXISTS edges (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	attrs        TEXT,
	created_at   DATETIME NOT NULL,
	UNIQUE (workspace_id, type, from_id, to_id)
);

CREATE TABLE IF NOT EXISTS merge_audit (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	group_id     TEXT NOT NULL,
	survivor_id  TEXT NOT NULL,
	merged_ids   TEXT NOT NULL,
	archive_ref  TEXT NOT NULL,
	signals      TEXT,
	decisions    TEXT,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	committed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS archives (
	ref          TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	reason       TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS role_assignments (
	workspace_id        TEXT NOT NULL,
	person_id           TEXT NOT NULL,
	company_id          TEXT NOT NULL,
	role                TEXT NOT NULL,
	influence_score     REAL NOT NULL,
	authority_tier      TEXT NOT NULL,
	confidence          REAL NOT NULL,
	rationale           TEXT,
	state               TEXT NOT NULL,
	fingerprint         TEXT NOT NULL,
	verified_externally INTEGER NOT NULL DEFAULT 0,
	scored_at           DATETIME NOT NULL,
	PRIMARY KEY (workspace_id, person_id, company_id)
);

CREATE TABLE IF NOT EXISTS batch_checkpoints (
	batch_id     TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	processed    INTEGER NOT NULL,
	succeeded    INTEGER NOT NULL,
	failed       INTEGER NOT NULL,
	skipped      INTEGER NOT NULL,
	next_offset  INTEGER NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	entity_kind    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_ws_kind ON entities(workspace_id, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_entity_identities_entity ON entity_identities(entity_id);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(workspace_id, from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(workspace_id, to_id);
CREATE INDEX IF NOT EXISTS idx_merge_audit_ws ON merge_audit(workspace_id, committed_at);
CREATE INDEX IF NOT EXISTS idx_role_assignments_company ON role_assignments(workspace_id, company_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqlTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

const entityColumns = `id, workspace_id, kind, fields, created_at, updated_at, deleted_at, merged_into`

func (t *sqlTx) GetEntity(ctx context.Context, workspaceID, id string) (*model.Entity, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, notFound("entity", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (t *sqlTx) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE workspace_id = ?`
	args := []any{filter.WorkspaceID}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if len(filter.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.CompanyID != "" {
		query += ` AND json_extract(fields, '$.company_id.value') = ?`
		args = append(args, filter.CompanyID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (t *sqlTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	if err := validateEntity(*e); err != nil {
		return err
	}
	prepareEntity(e, time.Now().UTC())
	fields, err := marshalJSON(e.Fields, "fields")
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, string(e.Kind), string(fields), e.CreatedAt, e.UpdatedAt, nullTime(e.DeletedAt), e.MergedInto,
	)
	return eris.Wrap(err, "sqlite: insert entity")
}

func (t *sqlTx) UpdateEntity(ctx context.Context, e model.Entity) error {
	fields, err := marshalJSON(e.Fields, "fields")
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE entities SET fields = ?, updated_at = ?, deleted_at = ?, merged_into = ? WHERE workspace_id = ? AND id = ?`,
		string(fields), e.UpdatedAt, nullTime(e.DeletedAt), e.MergedInto, e.WorkspaceID, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity %s", e.ID)
	}
	return checkRowsAffected(res, "entity", e.ID)
}

func (t *sqlTx) SetIdentityKeys(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, keys []string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM entity_identities WHERE entity_id = ?`, entityID); err != nil {
		return eris.Wrapf(err, "sqlite: clear identity keys %s", entityID)
	}
	for _, k := range dedupeKeys(keys) {
		if _, err := t.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_identities (workspace_id, kind, identity_key, entity_id) VALUES (?, ?, ?, ?)`,
			workspaceID, string(kind), k, entityID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert identity key %s", k)
		}
	}
	return nil
}

func (t *sqlTx) FindByIdentityKey(ctx context.Context, workspaceID string, kind model.EntityKind, key string) ([]string, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT i.entity_id FROM entity_identities i
		 JOIN entities e ON e.id = i.entity_id
		 WHERE i.workspace_id = ? AND i.kind = ? AND i.identity_key = ? AND e.deleted_at IS NULL
		 ORDER BY i.entity_id`,
		workspaceID, string(kind), key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by identity key")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identity key")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: find by identity key iterate")
}

func (t *sqlTx) ListEdges(ctx context.Context, workspaceID string, entityIDs []string) ([]model.Edge, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	in := placeholders(len(entityIDs))
	args := []any{workspaceID}
	for range 2 {
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, workspace_id, type, from_id, to_id, attrs, created_at FROM edges
		 WHERE workspace_id = ? AND (from_id IN (`+in+`) OR to_id IN (`+in+`))
		 ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list edges")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		var attrs sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Type, &e.FromID, &e.ToID, &attrs, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan edge")
		}
		if attrs.Valid {
			if err := unmarshalJSON([]byte(attrs.String), &e.Attrs, "edge attrs"); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list edges iterate")
}

func (t *sqlTx) CreateEdge(ctx context.Context, e *model.Edge) (bool, error) {
	if err := validateEdge(*e); err != nil {
		return false, err
	}
	prepareEdge(e, time.Now().UTC())
	attrs, err := marshalJSON(e.Attrs, "edge attrs")
	if err != nil {
		return false, err
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO edges (id, workspace_id, type, from_id, to_id, attrs, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, type, from_id, to_id) DO NOTHING`,
		e.ID, e.WorkspaceID, string(e.Type), e.FromID, e.ToID, string(attrs), e.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert edge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (t *sqlTx) DeleteEdge(ctx context.Context, workspaceID, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM edges WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete edge %s", id)
	}
	return checkRowsAffected(res, "edge", id)
}

func (t *sqlTx) AppendMergeAudit(ctx context.Context, a model.MergeAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	merged, err := marshalJSON(a.MergedIDs, "merged ids")
	if err != nil {
		return err
	}
	signals, err := marshalJSON(a.Signals, "signals")
	if err != nil {
		return err
	}
	decisions, err := marshalJSON(a.Decisions, "decisions")
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO merge_audit (id, workspace_id, group_id, survivor_id, merged_ids, archive_ref, signals, decisions, status, error, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.GroupID, a.SurvivorID, string(merged), string(a.ArchiveRef),
		string(signals), string(decisions), string(a.Status), a.Error, a.CommittedAt,
	)
	return eris.Wrap(err, "sqlite: insert merge audit")
}

func (s *SQLiteStore) ListMergeAudits(ctx context.Context, workspaceID string, limit int) ([]model.MergeAudit, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, group_id, survivor_id, merged_ids, archive_ref, signals, decisions, status, error, committed_at
		 FROM merge_audit WHERE workspace_id = ? ORDER BY committed_at DESC, id DESC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merge audits")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MergeAudit
	for rows.Next() {
		var a model.MergeAudit
		var merged string
		var signals, decisions sql.NullString
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.GroupID, &a.SurvivorID, &merged, &a.ArchiveRef,
			&signals, &decisions, &a.Status, &a.Error, &a.CommittedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merge audit")
		}
		if err := unmarshalJSON([]byte(merged), &a.MergedIDs, "merged ids"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON([]byte(signals.String), &a.Signals, "signals"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON([]byte(decisions.String), &a.Decisions, "decisions"); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list merge audits iterate")
}

func (s *SQLiteStore) CreateArchive(ctx context.Context, a model.Archive) error {
	if a.Ref == "" {
		return eris.Wrap(model.ErrInvalidInput, "sqlite: archive ref is required")
	}
	payload, err := marshalJSON(archivePayload{Entities: a.Entities, Edges: a.Edges}, "archive")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archives (ref, workspace_id, reason, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(a.Ref), a.WorkspaceID, a.Reason, string(payload), a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert archive")
}

func (s *SQLiteStore) GetArchive(ctx context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error) {
	var a model.Archive
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, workspace_id, reason, payload, created_at FROM archives WHERE workspace_id = ? AND ref = ?`,
		workspaceID, string(ref),
	).Scan(&a.Ref, &a.WorkspaceID, &a.Reason, &payload, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("archive", string(ref))
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get archive")
	}
	var p archivePayload
	if err := unmarshalJSON([]byte(payload), &p, "archive"); err != nil {
		return nil, err
	}
	a.Entities, a.Edges = p.Entities, p.Edges
	return &a, nil
}

// UpsertRoleAssignments writes all assignments in one transaction.
func (s *SQLiteStore) UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error {
	if len(as) == 0 {
		return nil
	}
	return s.InTx(ctx, func(tx Tx) error {
		return tx.UpsertRoleAssignments(ctx, as)
	})
}

func (t *sqlTx) UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error {
	for _, a := range as {
		rationale, err := marshalJSON(a.Rationale, "rationale")
		if err != nil {
			return err
		}
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO role_assignments (`+roleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (workspace_id, person_id, company_id) DO UPDATE SET
			   role = excluded.role, influence_score = excluded.influence_score, authority_tier = excluded.authority_tier,
			   confidence = excluded.confidence, rationale = excluded.rationale, state = excluded.state,
			   fingerprint = excluded.fingerprint, verified_externally = excluded.verified_externally,
			   scored_at = excluded.scored_at`,
			a.WorkspaceID, a.PersonID, a.CompanyID, string(a.Role), a.InfluenceScore, string(a.AuthorityTier),
			a.Confidence, string(rationale), string(a.State), a.Fingerprint, a.VerifiedExternally, a.ScoredAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert role assignment %s@%s", a.PersonID, a.CompanyID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetRoleAssignment(ctx context.Context, workspaceID, personID, companyID string) (*model.RoleAssignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM role_assignments WHERE workspace_id = ? AND person_id = ? AND company_id = ?`,
		workspaceID, personID, companyID,
	)
	a, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, notFound("role assignment", personID+"@"+companyID)
	}
	return a, err
}

func (s *SQLiteStore) ListRoleAssignments(ctx context.Context, filter RoleFilter) ([]model.RoleAssignment, error) {
	query := `SELECT ` + roleColumns + ` FROM role_assignments WHERE workspace_id = ?`
	args := []any{filter.WorkspaceID}
	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.PersonID != "" {
		query += ` AND person_id = ?`
		args = append(args, filter.PersonID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY company_id, person_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list role assignments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RoleAssignment
	for rows.Next() {
		a, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list role assignments iterate")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.BatchCheckpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_checkpoints (batch_id, workspace_id, processed, succeeded, failed, skipped, next_offset, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id) DO UPDATE SET
		   processed = excluded.processed, succeeded = excluded.succeeded, failed = excluded.failed,
		   skipped = excluded.skipped, next_offset = excluded.next_offset, updated_at = excluded.updated_at`,
		cp.BatchID, cp.WorkspaceID, cp.Processed, cp.Succeeded, cp.Failed, cp.Skipped, cp.NextOffset, cp.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, batchID string) (*model.BatchCheckpoint, error) {
	var cp model.BatchCheckpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, workspace_id, processed, succeeded, failed, skipped, next_offset, updated_at
		 FROM batch_checkpoints WHERE batch_id = ?`, batchID,
	).Scan(&cp.BatchID, &cp.WorkspaceID, &cp.Processed, &cp.Succeeded, &cp.Failed, &cp.Skipped, &cp.NextOffset, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get checkpoint")
	}
	return &cp, nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, workspace_id, entity_kind, entity_id, batch_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Entity.WorkspaceID, string(entry.Entity.Kind), entry.Entity.ID, entry.BatchID,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, workspace_id, entity_kind, entity_id, batch_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letters
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}
	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.Entity.WorkspaceID, &e.Entity.Kind, &e.Entity.ID, &e.BatchID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var fields string
	var deleted sql.NullTime
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.Kind, &fields, &e.CreatedAt, &e.UpdatedAt, &deleted, &e.MergedInto)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}
	if err := unmarshalJSON([]byte(fields), &e.Fields, "fields"); err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = make(map[string]model.FieldValue)
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		e.DeletedAt = &t
	}
	return &e, nil
}

const roleColumns = `workspace_id, person_id, company_id, role, influence_score, authority_tier, confidence, rationale, state, fingerprint, verified_externally, scored_at`

func scanRole(row scannable) (*model.RoleAssignment, error) {
	var a model.RoleAssignment
	var rationale sql.NullString
	err := row.Scan(&a.WorkspaceID, &a.PersonID, &a.CompanyID, &a.Role, &a.InfluenceScore, &a.AuthorityTier,
		&a.Confidence, &rationale, &a.State, &a.Fingerprint, &a.VerifiedExternally, &a.ScoredAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan role assignment")
	}
	if err := unmarshalJSON([]byte(rationale.String), &a.Rationale, "rationale"); err != nil {
		return nil, err
	}
	return &a, nil
}
