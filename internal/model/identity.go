package model

import "time"

// SignalType names the kind of evidence used to match two entities.
type SignalType string

const (
	SignalExternalID   SignalType = "external_id"
	SignalCanonicalURL SignalType = "canonical_url"
	SignalNameDomain   SignalType = "name_domain"
	SignalEmailDomain  SignalType = "email_domain"
	SignalEmail        SignalType = "email"
)

// MatchStrength grades a signal.
type MatchStrength string

const (
	StrengthExact     MatchStrength = "exact"
	StrengthHighFuzzy MatchStrength = "high_fuzzy"
	StrengthLowFuzzy  MatchStrength = "low_fuzzy"
)

// Rank orders strengths: exact > high_fuzzy > low_fuzzy.
func (s MatchStrength) Rank() int {
	switch s {
	case StrengthExact:
		return 3
	case StrengthHighFuzzy:
		return 2
	case StrengthLowFuzzy:
		return 1
	default:
		return 0
	}
}

// IdentitySignal is one piece of evidence that two records are the same.
type IdentitySignal struct {
	Type     SignalType    `json:"type"`
	Value    string        `json:"value"`
	Strength MatchStrength `json:"strength"`
	Score    float64       `json:"score"`
}

// IdentityKey is an indexed lookup key persisted alongside an entity, e.g.
// "url:acme.com" or "external_id:salesforce:001xx".
type IdentityKey struct {
	WorkspaceID string     `json:"workspace_id"`
	Kind        EntityKind `json:"kind"`
	Key         string     `json:"key"`
	EntityID    string     `json:"entity_id"`
}

// DuplicateGroup is a set of entities believed to be the same real-world
// thing, with the survivor chosen up front.
type DuplicateGroup struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	Kind        EntityKind       `json:"kind"`
	PrimaryID   string           `json:"primary_id"`
	EntityIDs   []string         `json:"entity_ids"`
	Signals     []IdentitySignal `json:"signals"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Losers returns the group members other than the primary.
func (g DuplicateGroup) Losers() []string {
	out := make([]string, 0, len(g.EntityIDs))
	for _, id := range g.EntityIDs {
		if id != g.PrimaryID {
			out = append(out, id)
		}
	}
	return out
}

// MergeStatus is the terminal state of a merge attempt.
type MergeStatus string

const (
	MergeCommitted  MergeStatus = "committed"
	MergeRolledBack MergeStatus = "rolled_back"
)

// MergeAudit is the append-only record of an identity merge attempt.
type MergeAudit struct {
	ID          string           `json:"id"`
	WorkspaceID string           `json:"workspace_id"`
	GroupID     string           `json:"group_id"`
	SurvivorID  string           `json:"survivor_id"`
	MergedIDs   []string         `json:"merged_ids"`
	ArchiveRef  ArchiveRef       `json:"archive_ref"`
	Signals     []IdentitySignal `json:"signals"`
	Decisions   []MergeDecision  `json:"decisions,omitempty"`
	Status      MergeStatus      `json:"status"`
	Error       string           `json:"error,omitempty"`
	CommittedAt time.Time        `json:"committed_at"`
}
