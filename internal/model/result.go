package model

import "time"

// ResolutionKind is the outcome of entity resolution for a candidate record.
type ResolutionKind string

const (
	ResolutionNew       ResolutionKind = "new"
	ResolutionMatched   ResolutionKind = "matched"
	ResolutionAmbiguous ResolutionKind = "ambiguous_merge_required"
)

// EnrichmentResult is returned by single-entity enrichment.
type EnrichmentResult struct {
	EntityID        string          `json:"entity_id"`
	WorkspaceID     string          `json:"workspace_id"`
	Kind            EntityKind      `json:"kind"`
	FieldsPopulated []string        `json:"fields_populated"`
	DataSources     []string        `json:"data_sources"`
	QualityScore    int             `json:"quality_score"`
	Message         string          `json:"message,omitempty"`
	Resolution      ResolutionKind  `json:"resolution,omitempty"`
	MergedInto      string          `json:"merged_into,omitempty"`
	ArchiveRef      ArchiveRef      `json:"archive_ref,omitempty"`
	Decisions       []MergeDecision `json:"decisions,omitempty"`
	CostUSD         float64         `json:"cost_usd"`
	DryRun          bool            `json:"dry_run,omitempty"`
	Skipped         bool            `json:"skipped,omitempty"`
}

// EntityError records why one entity in a batch failed.
type EntityError struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

// BatchReport summarises a batch run.
type BatchReport struct {
	ID         string        `json:"id"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Errors     []EntityError `json:"errors,omitempty"`
	NextOffset int           `json:"next_offset"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// BatchCheckpoint is a periodic progress marker for a running batch.
type BatchCheckpoint struct {
	BatchID     string    `json:"batch_id"`
	WorkspaceID string    `json:"workspace_id"`
	Processed   int       `json:"processed"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	NextOffset  int       `json:"next_offset"`
	UpdatedAt   time.Time `json:"updated_at"`
}
