package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// archivePayload is the JSON body stored for an archive.
type archivePayload struct {
	Entities []model.Entity `json:"entities"`
	Edges    []model.Edge   `json:"edges"`
}

func marshalJSON(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any, what string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return eris.Wrapf(err, "store: unmarshal %s", what)
	}
	return nil
}

// prepareEntity assigns an id and timestamps to a new entity.
func prepareEntity(e *model.Entity, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Fields == nil {
		e.Fields = make(map[string]model.FieldValue)
	}
}

func prepareEdge(e *model.Edge, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

func validateEntity(e model.Entity) error {
	if e.WorkspaceID == "" {
		return eris.Wrap(model.ErrInvalidInput, "store: entity workspace_id is required")
	}
	if !e.Kind.Valid() {
		return eris.Wrapf(model.ErrInvalidInput, "store: invalid entity kind %q", e.Kind)
	}
	return nil
}

func validateEdge(e model.Edge) error {
	if e.WorkspaceID == "" || e.FromID == "" || e.ToID == "" || e.Type == "" {
		return eris.Wrap(model.ErrInvalidInput, "store: edge needs workspace, type and both ends")
	}
	return nil
}

// dedupeKeys returns keys sorted with blanks and repeats removed.
func dedupeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func notFound(what, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", what, id)
}
