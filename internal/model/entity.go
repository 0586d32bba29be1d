// Package model holds the shared domain types for enrichment, entity
// resolution and buyer-group role classification.
package model

import (
	"time"
)

// EntityKind distinguishes company records from person records.
type EntityKind string

const (
	KindCompany EntityKind = "company"
	KindPerson  EntityKind = "person"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindCompany || k == KindPerson
}

// Well-known field keys. Providers may return any key; these are the ones the
// engine itself reads.
const (
	FieldName          = "name"
	FieldDomain        = "domain"
	FieldWebsite       = "website"
	FieldDescription   = "description"
	FieldIndustry      = "industry"
	FieldEmployeeCount = "employee_count"
	FieldRevenue       = "annual_revenue"
	FieldFoundedYear   = "founded_year"
	FieldCountry       = "country"
	FieldState         = "state"
	FieldCity          = "city"
	FieldPhone         = "phone"
	FieldLinkedIn      = "linkedin_url"
	FieldExternalIDs   = "external_ids"
	FieldQualityScore  = "quality_score"
	FieldLastEnriched  = "last_enriched_at"

	FieldEmail            = "email"
	FieldTitle            = "title"
	FieldDepartment       = "department"
	FieldSeniority        = "seniority"
	FieldCompanyID        = "company_id"
	FieldCompanyName      = "company_name"
	FieldCompanyDomain    = "company_domain"
	FieldEmploymentStatus = "employment_status"
	FieldHighValue        = "high_value"
)

// Employment status values stored under FieldEmploymentStatus.
const (
	EmploymentCurrent           = "current"
	EmploymentUnverified        = "unverified"
	EmploymentPossibleDeparture = "unverified_possible_departure"
)

// Entity is a company or person record scoped to a workspace. Fields carry
// per-value provenance.
type Entity struct {
	ID          string                `json:"id"`
	WorkspaceID string                `json:"workspace_id"`
	Kind        EntityKind            `json:"kind"`
	Fields      map[string]FieldValue `json:"fields"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	DeletedAt   *time.Time            `json:"deleted_at,omitempty"`
	MergedInto  string                `json:"merged_into,omitempty"`
}

// EntityRef identifies an entity without carrying its data.
type EntityRef struct {
	WorkspaceID string     `json:"workspace_id"`
	Kind        EntityKind `json:"kind"`
	ID          string     `json:"id"`
}

// Ref returns the reference for e.
func (e Entity) Ref() EntityRef {
	return EntityRef{WorkspaceID: e.WorkspaceID, Kind: e.Kind, ID: e.ID}
}

// Deleted reports whether the entity carries a tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Get returns the field value for key.
func (e Entity) Get(key string) (FieldValue, bool) {
	fv, ok := e.Fields[key]
	return fv, ok
}

// Text returns the string form of a field, or "" when absent.
func (e Entity) Text(key string) string {
	fv, ok := e.Fields[key]
	if !ok {
		return ""
	}
	return fv.Text()
}

// Populated reports whether key holds a non-empty value.
func (e Entity) Populated(key string) bool {
	fv, ok := e.Fields[key]
	return ok && !fv.IsEmpty()
}

// Set stores fv under key, allocating the field map if needed.
func (e *Entity) Set(key string, fv FieldValue) {
	if e.Fields == nil {
		e.Fields = make(map[string]FieldValue)
	}
	e.Fields[key] = fv
}

// ExternalIDs returns the system → id map stored in FieldExternalIDs.
func (e Entity) ExternalIDs() map[string]string {
	fv, ok := e.Fields[FieldExternalIDs]
	if !ok {
		return nil
	}
	out := make(map[string]string)
	switch v := fv.Value.(type) {
	case map[string]string:
		for k, id := range v {
			out[k] = id
		}
	case map[string]any:
		for k, id := range v {
			if s, ok := id.(string); ok && s != "" {
				out[k] = s
			}
		}
	}
	return out
}

// Clone returns a deep copy of e's field map and tombstone.
func (e Entity) Clone() Entity {
	c := e
	if e.Fields != nil {
		c.Fields = make(map[string]FieldValue, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

// NewEntity returns an empty entity with an allocated field map.
func NewEntity(workspaceID string, kind EntityKind) Entity {
	return Entity{
		WorkspaceID: workspaceID,
		Kind:        kind,
		Fields:      make(map[string]FieldValue),
	}
}
