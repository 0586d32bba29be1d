package model

import "time"

// EdgeType classifies a relationship between two entities.
type EdgeType string

const (
	EdgeBuyerGroupMember EdgeType = "buyer_group_member"
	EdgeActivity         EdgeType = "activity"
	EdgeEmployment       EdgeType = "employment"
)

// Edge is a directed relationship between two entities in a workspace.
// (workspace, type, from, to) is unique.
type Edge struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        EdgeType       `json:"type"`
	FromID      string         `json:"from_id"`
	ToID        string         `json:"to_id"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Touches reports whether the edge has id at either end.
func (e Edge) Touches(id string) bool {
	return e.FromID == id || e.ToID == id
}

// ArchiveRef identifies an immutable snapshot.
type ArchiveRef string

// Archive is a point-in-time snapshot of entities and their edges taken before
// a destructive identity mutation.
type Archive struct {
	Ref         ArchiveRef `json:"ref"`
	WorkspaceID string     `json:"workspace_id"`
	Reason      string     `json:"reason"`
	Entities    []Entity   `json:"entities"`
	Edges       []Edge     `json:"edges"`
	CreatedAt   time.Time  `json:"created_at"`
}
