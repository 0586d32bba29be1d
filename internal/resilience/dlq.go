package resilience

import (
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Error classes stored on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is an entity whose batch enrichment failed and may be retried.
type DLQEntry struct {
	ID           string          `json:"id"`
	Entity       model.EntityRef `json:"entity"`
	BatchID      string          `json:"batch_id,omitempty"`
	Error        string          `json:"error"`
	ErrorType    string          `json:"error_type"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter narrows a dead-letter query.
type DLQFilter struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NewDLQEntry builds an entry for a failed entity. Permanent errors get no
// retries.
func NewDLQEntry(ref model.EntityRef, batchID string, err error, maxRetries int, now time.Time) DLQEntry {
	kind := ClassifyError(err)
	if kind == ErrorPermanent {
		maxRetries = 0
	}
	return DLQEntry{
		Entity:       ref,
		BatchID:      batchID,
		Error:        err.Error(),
		ErrorType:    kind,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) || Rejected(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
