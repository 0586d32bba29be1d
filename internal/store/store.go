// Package store persists entities, identity keys, relationships, merge
// audits, archives, role assignments, batch checkpoints and dead letters.
// Postgres is the production backend; SQLite and the in-memory store serve
// local runs and tests.
package store

import (
	"context"
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// EntityFilter specifies criteria for listing entities. CompanyID matches
// entities whose company_id field holds that id.
type EntityFilter struct {
	WorkspaceID    string           `json:"workspace_id"`
	Kind           model.EntityKind `json:"kind,omitempty"`
	IDs            []string         `json:"ids,omitempty"`
	IncludeDeleted bool             `json:"include_deleted,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
	CompanyID      string           `json:"company_id,omitempty"`
}

// RoleFilter specifies criteria for listing role assignments.
type RoleFilter struct {
	WorkspaceID string          `json:"workspace_id"`
	CompanyID   string          `json:"company_id,omitempty"`
	PersonID    string          `json:"person_id,omitempty"`
	State       model.RoleState `json:"state,omitempty"`
}

// Tx is the set of operations that may run inside a transaction. Identity
// merges run entirely through a Tx so they commit or roll back as a unit.
type Tx interface {
	// Entities
	GetEntity(ctx context.Context, workspaceID, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) error
	UpdateEntity(ctx context.Context, e model.Entity) error

	// Identity index
	SetIdentityKeys(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, keys []string) error
	FindByIdentityKey(ctx context.Context, workspaceID string, kind model.EntityKind, key string) ([]string, error)

	// Relationships
	ListEdges(ctx context.Context, workspaceID string, entityIDs []string) ([]model.Edge, error)
	CreateEdge(ctx context.Context, e *model.Edge) (bool, error)
	DeleteEdge(ctx context.Context, workspaceID, id string) error

	// Merge audit
	AppendMergeAudit(ctx context.Context, a model.MergeAudit) error

	// UpsertRoleAssignments inserts or replaces assignments keyed by
	// (workspace, person, company).
	UpsertRoleAssignments(ctx context.Context, as []model.RoleAssignment) error
}

// Store is the full persistence interface.
type Store interface {
	Tx

	// InTx runs fn in a transaction. Any error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListMergeAudits(ctx context.Context, workspaceID string, limit int) ([]model.MergeAudit, error)

	// Archives
	CreateArchive(ctx context.Context, a model.Archive) error
	GetArchive(ctx context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error)

	// Role assignments
	GetRoleAssignment(ctx context.Context, workspaceID, personID, companyID string) (*model.RoleAssignment, error)
	ListRoleAssignments(ctx context.Context, filter RoleFilter) ([]model.RoleAssignment, error)

	// Batch checkpoints
	SaveCheckpoint(ctx context.Context, cp model.BatchCheckpoint) error
	GetCheckpoint(ctx context.Context, batchID string) (*model.BatchCheckpoint, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
