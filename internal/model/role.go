package model

import "time"

// Role is a person's buyer-group function relative to a seller.
type Role string

const (
	RoleDecisionMaker Role = "decision_maker"
	RoleChampion      Role = "champion"
	RoleInfluencer    Role = "influencer"
	RoleBlocker       Role = "blocker"
	RoleIntroducer    Role = "introducer"
	RoleNone          Role = "unassigned"
)

// AuthorityTier is the budget/technical authority a person holds.
type AuthorityTier string

const (
	AuthorityEconomic  AuthorityTier = "economic"
	AuthorityTechnical AuthorityTier = "technical"
	AuthorityUser      AuthorityTier = "user"
	AuthorityNone      AuthorityTier = "none"
)

// RoleState is the lifecycle state of a role assignment.
type RoleState string

const (
	RoleUnassigned  RoleState = "unassigned"
	RoleProvisional RoleState = "provisional"
	RoleConfirmed   RoleState = "confirmed"
	RoleStale       RoleState = "stale"
)

// RoleAssignment classifies one person at one company. There is at most one
// per person-company pair.
type RoleAssignment struct {
	WorkspaceID        string        `json:"workspace_id"`
	PersonID           string        `json:"person_id"`
	CompanyID          string        `json:"company_id"`
	Role               Role          `json:"role"`
	InfluenceScore     float64       `json:"influence_score"`
	AuthorityTier      AuthorityTier `json:"authority_tier"`
	Confidence         float64       `json:"confidence"`
	Rationale          []string      `json:"rationale"`
	State              RoleState     `json:"state"`
	Fingerprint        string        `json:"fingerprint"`
	VerifiedExternally bool          `json:"verified_externally"`
	ScoredAt           time.Time     `json:"scored_at"`
}
