package model

// MergeOutcome describes what happened to one field during a merge.
type MergeOutcome string

const (
	OutcomeRetainedManual   MergeOutcome = "retained_manual"
	OutcomeRetainedExisting MergeOutcome = "retained_existing"
	OutcomeAcceptedNew      MergeOutcome = "accepted_new"
	OutcomeUpgradedLonger   MergeOutcome = "upgraded_longer"
	OutcomeRefreshedStale   MergeOutcome = "refreshed_stale"
	OutcomeRejectedStale    MergeOutcome = "rejected_stale"
)

// Changed reports whether the outcome replaced the stored value.
func (o MergeOutcome) Changed() bool {
	return o == OutcomeAcceptedNew || o == OutcomeUpgradedLonger || o == OutcomeRefreshedStale
}

// MergeDecision is the audit record for one field.
type MergeDecision struct {
	Field      string       `json:"field"`
	Outcome    MergeOutcome `json:"outcome"`
	Winner     string       `json:"winner,omitempty"`
	Previous   any          `json:"previous,omitempty"`
	Next       any          `json:"next,omitempty"`
	Candidates int          `json:"candidates"`
	Reason     string       `json:"reason,omitempty"`
}
