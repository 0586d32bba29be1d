package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/db"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*pgTx
	pool    db.Pool
	closeFn func()
}

// pgTx implements Tx over a pool or an open pgx transaction.
type pgTx struct {
	q db.Querier
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_entity":          `SELECT ` + entityColumns + ` FROM entities WHERE workspace_id = $1 AND id = $2`,
	"find_identity":       findIdentitySQL,
	"update_entity":       updateEntitySQL,
	"get_role_assignment": `SELECT ` + roleColumns + ` FROM role_assignments WHERE workspace_id = $1 AND person_id = $2 AND company_id = $3`,
}

const findIdentitySQL = `SELECT i.entity_id FROM entity_identities i
	JOIN entities e ON e.id = i.entity_id
	WHERE i.workspace_id = $1 AND i.kind = $2 AND i.identity_key = $3 AND e.deleted_at IS NULL
	ORDER BY i.entity_id`

const updateEntitySQL = `UPDATE entities SET fields = $1, updated_at = $2, deleted_at = $3, merged_into = $4
	WHERE workspace_id = $5 AND id = $6`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool), nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pgTx: &pgTx{q: pool}, pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	fields       JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at   TIMESTAMPTZ,
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
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	from_id      TEXT NOT NULL,
	to_id        TEXT NOT NULL,
	attrs        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, type, from_id, to_id)
);

CREATE TABLE IF NOT EXISTS merge_audit (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id TEXT NOT NULL,
	group_id     TEXT NOT NULL,
	survivor_id  TEXT NOT NULL,
	merged_ids   JSONB NOT NULL,
	archive_ref  TEXT NOT NULL,
	signals      JSONB,
	decisions    JSONB,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS archives (
	ref          TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	reason       TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS role_assignments (
	workspace_id        TEXT NOT NULL,
	person_id           TEXT NOT NULL,
	company_id          TEXT NOT NULL,
	role                TEXT NOT NULL,
	influence_score     DOUBLE PRECISION NOT NULL,
	authority_tier      TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	rationale           JSONB,
	state               TEXT NOT NULL,
	fingerprint         TEXT NOT NULL,
	verified_externally BOOLEAN NOT NULL DEFAULT false,
	scored_at           TIMESTAMPTZ NOT NULL,
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
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id   TEXT NOT NULL,
	entity_kind    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_ws_kind ON entities(workspace_id, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_entity_identities_entity ON entity_identities(entity_id);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(workspace_id, from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(workspace_id, to_id);
CREATE INDEX IF NOT EXISTS idx_merge_audit_ws ON merge_audit(workspace_id, committed_at DESC);
CREATE INDEX IF NOT EXISTS idx_role_assignments_company ON role_assignments(workspace_id, company_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (t *pgTx) GetEntity(ctx context.Context, workspaceID, id string) (*model.Entity, error) {
	row := t.q.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	e, err := scanPgEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("entity", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (t *pgTx) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE workspace_id = $1`
	args := []any{filter.WorkspaceID}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if len(filter.IDs) > 0 {
		query += fmt.Sprintf(` AND id = ANY($%d)`, argIdx)
		args = append(args, filter.IDs)
		argIdx++
	}
	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND fields->'company_id'->>'value' = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (t *pgTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	if err := validateEntity(*e); err != nil {
		return err
	}
	prepareEntity(e, time.Now().UTC())
	fields, err := marshalJSON(e.Fields, "fields")
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WorkspaceID, string(e.Kind), fields, e.CreatedAt, e.UpdatedAt, e.DeletedAt, e.MergedInto,
	)
	return eris.Wrap(err, "postgres: insert entity")
}

func (t *pgTx) UpdateEntity(ctx context.Context, e model.Entity) error {
	fields, err := marshalJSON(e.Fields, "fields")
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, updateEntitySQL, fields, e.UpdatedAt, e.DeletedAt, e.MergedInto, e.WorkspaceID, e.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("entity", e.ID)
	}
	return nil
}

// SetIdentityKeys replaces the entity's keys, using COPY for the insert.
func (t *pgTx) SetIdentityKeys(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, keys []string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM entity_identities WHERE entity_id = $1`, entityID); err != nil {
		return eris.Wrapf(err, "postgres: clear identity keys %s", entityID)
	}
	keys = dedupeKeys(keys)
	rows := make([][]any, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []any{workspaceID, string(kind), k, entityID})
	}
	_, err := db.CopyFrom(ctx, t.q, "entity_identities", []string{"workspace_id", "kind", "identity_key", "entity_id"}, rows)
	return err
}

func (t *pgTx) FindByIdentityKey(ctx context.Context, workspaceID string, kind model.EntityKind, key string) ([]string, error) {
	rows, err := t.q.Query(ctx, findIdentitySQL, workspaceID, string(kind), key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by identity key")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, eris.Wrap(err, "postgres: collect identity keys")
}

func (t *pgTx) ListEdges(ctx context.Context, workspaceID string, entityIDs []string) ([]model.Edge, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := t.q.Query(ctx,
		`SELECT id, workspace_id, type, from_id, to_id, attrs, created_at FROM edges
		 WHERE workspace_id = $1 AND (from_id = ANY($2) OR to_id = ANY($2))
		 ORDER BY id`,
		workspaceID, entityIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list edges")
	}
	defer rows.Close()

	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Type, &e.FromID, &e.ToID, &attrs, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan edge")
		}
		if err := unmarshalJSON(attrs, &e.Attrs, "edge attrs"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list edges iterate")
}

func (t *pgTx) CreateEdge(ctx context.Context, e *model.Edge) (bool, error) {
	if err := validateEdge(*e); err != nil {
		return false, err
	}
	prepareEdge(e, time.Now().UTC())
	attrs, err := marshalJSON(e.Attrs, "edge attrs")
	if err != nil {
		return false, err
	}
	tag, err := t.q.Exec(ctx,
		`INSERT INTO edges (id, workspace_id, type, from_id, to_id, attrs, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workspace_id, type, from_id, to_id) DO NOTHING`,
		e.ID, e.WorkspaceID, string(e.Type), e.FromID, e.ToID, attrs, e.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert edge")
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteEdge(ctx context.Context, workspaceID, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM edges WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete edge %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("edge", id)
	}
	return nil
}

func (t *pgTx) AppendMergeAudit(ctx context.Context, a model.MergeAudit) error {
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
	_, err = t.q.Exec(ctx,
		`INSERT INTO merge_audit (id, workspace_id, group_id, survivor_id, merged_ids, archive_ref, signals, decisions, status, error, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.WorkspaceID, a.GroupID, a.SurvivorID, merged, string(a.ArchiveRef),
		signals, decisions, string(a.Status), a.Error, a.CommittedAt,
	)
	return eris.Wrap(err, "postgres: insert merge audit")
}

func (s *PostgresStore) ListMergeAudits(ctx context.Context, workspaceID string, limit int) ([]model.MergeAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, workspace_id, group_id, survivor_id, merged_ids, archive_ref, signals, decisions, status, error, committed_at
		 FROM merge_audit WHERE workspace_id = $1 ORDER BY committed_at DESC, id DESC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merge audits")
	}
	defer rows.Close()

	var out []model.MergeAudit
	for rows.Next() {
		var a model.MergeAudit
		var merged, signals, decisions []byte
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.GroupID, &a.SurvivorID, &merged, &a.ArchiveRef,
			&signals, &decisions, &a.Status, &a.Error, &a.CommittedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge audit")
		}
		if err := unmarshalJSON(merged, &a.MergedIDs, "merged ids"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(signals, &a.Signals, "signals"); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(decisions, &a.Decisions, "decisions"); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list merge audits iterate")
}

func (s *PostgresStore) CreateArchive(ctx context.Context, a model.Archive) error {
	if a.Ref == "" {
		return eris.Wrap(model.ErrInvalidInput, "postgres: archive ref is required")
	}
	payload, err := marshalJSON(archivePayload{Entities: a.Entities, Edges: a.Edges}, "archive")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO archives (ref, workspace_id, reason, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		string(a.Ref), a.WorkspaceID, a.Reason, payload, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert archive")
}

func (s *PostgresStore) GetArchive(ctx context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error) {
	var a model.Archive
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT ref, workspace_id, reason, payload, created_at FROM archives WHERE workspace_id = $1 AND ref = $2`,
		workspaceID, string(ref),
	).Scan(&a.Ref, &a.WorkspaceID, &a.Reason, &payload, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("archive", string(ref))
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get archive")
	}
	var p archivePayload
	if err := unmarshalJSON(payload, &p, "archive"); err != nil {
		return nil, err
	}
	a.Entities, a.Edges = p.Entities, p.Edges
	return &a, nil
}

// UpsertRoleAssignments runs the bulk upsert in its own transaction. Its
// staging table only lives until commit.
func (s *PostgresStore) UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error {
	if len(as) == 0 {
		return nil
	}
	return s.InTx(ctx, func(tx Tx) error {
		return tx.UpsertRoleAssignments(ctx, as)
	})
}

// roleUpsert stages assignments and skips rows whose scored values did not
// change, so reused assignments are not rewritten.
var roleUpsert = db.UpsertConfig{
	Table: "role_assignments",
	Columns: []string{
		"workspace_id", "person_id", "company_id", "role", "influence_score", "authority_tier",
		"confidence", "rationale", "state", "fingerprint", "verified_externally", "scored_at",
	},
	ConflictKeys: []string{"workspace_id", "person_id", "company_id"},
	ChangedOnly:  true,
}

func (t *pgTx) UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error {
	if len(as) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(as))
	for _, a := range as {
		rationale, err := marshalJSON(a.Rationale, "rationale")
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			a.WorkspaceID, a.PersonID, a.CompanyID, string(a.Role), a.InfluenceScore, string(a.AuthorityTier),
			a.Confidence, rationale, string(a.State), a.Fingerprint, a.VerifiedExternally, a.ScoredAt,
		})
	}
	_, err := db.BulkUpsert(ctx, t.q, roleUpsert, rows)
	return eris.Wrap(err, "postgres: upsert role assignments")
}

func (s *PostgresStore) GetRoleAssignment(ctx context.Context, workspaceID, personID, companyID string) (*model.RoleAssignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM role_assignments WHERE workspace_id = $1 AND person_id = $2 AND company_id = $3`,
		workspaceID, personID, companyID,
	)
	a, err := scanPgRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("role assignment", personID+"@"+companyID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get role assignment")
	}
	return a, nil
}

func (s *PostgresStore) ListRoleAssignments(ctx context.Context, filter RoleFilter) ([]model.RoleAssignment, error) {
	query := `SELECT ` + roleColumns + ` FROM role_assignments WHERE workspace_id = $1`
	args := []any{filter.WorkspaceID}
	argIdx := 2

	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if filter.PersonID != "" {
		query += fmt.Sprintf(` AND person_id = $%d`, argIdx)
		args = append(args, filter.PersonID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY company_id, person_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list role assignments")
	}
	defer rows.Close()

	var out []model.RoleAssignment
	for rows.Next() {
		a, err := scanPgRole(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan role assignment")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list role assignments iterate")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.BatchCheckpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_checkpoints (batch_id, workspace_id, processed, succeeded, failed, skipped, next_offset, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (batch_id) DO UPDATE SET
		   processed = $3, succeeded = $4, failed = $5, skipped = $6, next_offset = $7, updated_at = $8`,
		cp.BatchID, cp.WorkspaceID, cp.Processed, cp.Succeeded, cp.Failed, cp.Skipped, cp.NextOffset, cp.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, batchID string) (*model.BatchCheckpoint, error) {
	var cp model.BatchCheckpoint
	err := s.pool.QueryRow(ctx,
		`SELECT batch_id, workspace_id, processed, succeeded, failed, skipped, next_offset, updated_at
		 FROM batch_checkpoints WHERE batch_id = $1`, batchID,
	).Scan(&cp.BatchID, &cp.WorkspaceID, &cp.Processed, &cp.Succeeded, &cp.Failed, &cp.Skipped, &cp.NextOffset, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get checkpoint")
	}
	return &cp, nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, workspace_id, entity_kind, entity_id, batch_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $6, error_type = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.Entity.WorkspaceID, string(entry.Entity.Kind), entry.Entity.ID, entry.BatchID,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, workspace_id, entity_kind, entity_id, batch_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letters
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(` AND workspace_id = $%d`, argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.Entity.WorkspaceID, &e.Entity.Kind, &e.Entity.ID, &e.BatchID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("dlq_entry", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanPgEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	var fields []byte
	var deleted *time.Time
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.Kind, &fields, &e.CreatedAt, &e.UpdatedAt, &deleted, &e.MergedInto); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fields, &e.Fields, "fields"); err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = make(map[string]model.FieldValue)
	}
	e.DeletedAt = deleted
	return &e, nil
}

func scanPgRole(row pgx.Row) (*model.RoleAssignment, error) {
	var a model.RoleAssignment
	var rationale []byte
	if err := row.Scan(&a.WorkspaceID, &a.PersonID, &a.CompanyID, &a.Role, &a.InfluenceScore, &a.AuthorityTier,
		&a.Confidence, &rationale, &a.State, &a.Fingerprint, &a.VerifiedExternally, &a.ScoredAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rationale, &a.Rationale, "rationale"); err != nil {
		return nil, err
	}
	return &a, nil
}
