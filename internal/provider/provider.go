// Package provider defines the adapter interface every external data source
// implements, plus the registry the orchestrator fans out over.
package provider

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Lookup is the provider-neutral identity of the entity being enriched.
type Lookup struct {
	WorkspaceID string
	Kind        model.EntityKind
	EntityID    string
	Name        string
	Domain      string
	Email       string
	Country     string
	CompanyName string
	Title       string
	ExternalIDs map[string]string
}

// LookupFor builds a Lookup from an entity's current fields.
func LookupFor(e model.Entity) Lookup {
	l := Lookup{
		WorkspaceID: e.WorkspaceID,
		Kind:        e.Kind,
		EntityID:    e.ID,
		Name:        e.Text(model.FieldName),
		Domain:      e.Text(model.FieldDomain),
		Email:       e.Text(model.FieldEmail),
		Country:     e.Text(model.FieldCountry),
		CompanyName: e.Text(model.FieldCompanyName),
		Title:       e.Text(model.FieldTitle),
		ExternalIDs: e.ExternalIDs(),
	}
	if l.Domain == "" {
		l.Domain = e.Text(model.FieldCompanyDomain)
	}
	if l.Domain == "" {
		if w := e.Text(model.FieldWebsite); w != "" {
			l.Domain = strings.TrimPrefix(strings.TrimPrefix(w, "https://"), "http://")
			l.Domain = strings.TrimPrefix(strings.TrimSuffix(l.Domain, "/"), "www.")
		}
	}
	return l
}

// Adapter is one external data source. Adapters translate their wire format
// into FieldValues; nothing provider-specific leaves Fetch.
type Adapter interface {
	// Name is the provider identifier used in provenance and config.
	Name() string
	// Tier is the provider's fixed priority class.
	Tier() model.Tier
	// Kinds lists the entity kinds the provider can enrich.
	Kinds() []model.EntityKind
	// SupportedFields lists the field keys the provider can return.
	SupportedFields() []string
	// CostPerCall is the estimated USD cost of one Fetch.
	CostPerCall() float64
	// Fetch returns field values for the entity. Returning no fields and no
	// error means the provider knows nothing about it.
	Fetch(ctx context.Context, lookup Lookup, fields []string) (map[string]model.FieldValue, error)
}

// Employment is what a secondary source reports about a person's current
// employer.
type Employment struct {
	Found         bool
	CompanyName   string
	CompanyDomain string
	Title         string
	Confidence    float64
	AsOf          time.Time
	Source        string
}

// EmploymentSource answers "where does this person work now?" with a single
// targeted lookup.
type EmploymentSource interface {
	Name() string
	CurrentEmployment(ctx context.Context, person Lookup) (Employment, error)
}

// CanServe reports whether a can enrich kind with at least one of fields. An
// empty field list means "anything".
func CanServe(a Adapter, kind model.EntityKind, fields []string) bool {
	if !slices.Contains(a.Kinds(), kind) {
		return false
	}
	if len(fields) == 0 {
		return true
	}
	supported := a.SupportedFields()
	for _, f := range fields {
		if slices.Contains(supported, f) {
			return true
		}
	}
	return false
}
