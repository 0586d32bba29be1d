// Package crm adapts the workspace's Salesforce org into a verification-tier
// provider and an employment source.
package crm

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/pkg/salesforce"
)

// System is the external id system key for Salesforce record ids.
const System = "salesforce"

const sfTimeLayout = "2006-01-02T15:04:05.000-0700"

var companyFields = []string{
	model.FieldName, model.FieldWebsite, model.FieldDomain, model.FieldIndustry,
	model.FieldDescription, model.FieldCity, model.FieldState, model.FieldCountry,
	model.FieldPhone, model.FieldEmployeeCount, model.FieldRevenue, model.FieldExternalIDs,
}

var personFields = []string{
	model.FieldName, model.FieldEmail, model.FieldTitle, model.FieldDepartment,
	model.FieldCompanyName, model.FieldCompanyDomain, model.FieldExternalIDs,
}

// Adapter reads accounts and contacts from Salesforce.
type Adapter struct {
	client     salesforce.Client
	confidence float64
	cost       float64
	now        func() time.Time
}

// New creates a CRM adapter. confidence applies to every returned value.
func New(client salesforce.Client, confidence float64) *Adapter {
	if confidence <= 0 {
		confidence = 85
	}
	return &Adapter{client: client, confidence: confidence, now: time.Now}
}

func (a *Adapter) Name() string { return "crm" }
func (a *Adapter) Tier() model.Tier { return model.TierVerification }
func (a *Adapter) CostPerCall() float64 { return a.cost }
func (a *Adapter) Kinds() []model.EntityKind {
	return []model.EntityKind{model.KindCompany, model.KindPerson}
}

func (a *Adapter) SupportedFields() []string {
	out := make([]string, 0, len(companyFields)+len(personFields))
	seen := make(map[string]bool)
	for _, f := range append(append([]string{}, companyFields...), personFields...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Fetch looks the entity up by Salesforce id first, then by website or email.
func (a *Adapter) Fetch(ctx context.Context, l provider.Lookup, _ []string) (map[string]model.FieldValue, error) {
	if l.Kind == model.KindPerson {
		return a.fetchContact(ctx, l)
	}
	return a.fetchAccount(ctx, l)
}

func (a *Adapter) fetchAccount(ctx context.Context, l provider.Lookup) (map[string]model.FieldValue, error) {
	var (
		acct *salesforce.Account
		err  error
	)
	switch {
	case l.ExternalIDs[System] != "":
		acct, err = salesforce.FindAccountByID(ctx, a.client, l.ExternalIDs[System])
	case l.Domain != "":
		acct, err = salesforce.FindAccountByWebsite(ctx, a.client, l.Domain)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, provider.Classify(a.Name(), err)
	}
	if acct == nil {
		return nil, nil
	}

	observed := a.parseTime(acct.LastModifiedDate)
	out := make(map[string]model.FieldValue)
	a.put(out, model.FieldName, acct.Name, observed)
	a.put(out, model.FieldWebsite, acct.Website, observed)
	a.put(out, model.FieldDomain, bareDomain(acct.Website), observed)
	a.put(out, model.FieldIndustry, acct.Industry, observed)
	a.put(out, model.FieldDescription, acct.Description, observed)
	a.put(out, model.FieldCity, acct.BillingCity, observed)
	a.put(out, model.FieldState, acct.BillingState, observed)
	a.put(out, model.FieldCountry, acct.BillingCountry, observed)
	a.put(out, model.FieldPhone, acct.Phone, observed)
	if acct.NumberOfEmployees > 0 {
		out[model.FieldEmployeeCount] = a.value(float64(acct.NumberOfEmployees), model.TypeNumber, observed)
	}
	if acct.AnnualRevenue > 0 {
		out[model.FieldRevenue] = a.value(acct.AnnualRevenue, model.TypeNumber, observed)
	}
	out[model.FieldExternalIDs] = a.value(map[string]any{System: acct.ID}, model.TypeRecord, observed)
	return out, nil
}

func (a *Adapter) fetchContact(ctx context.Context, l provider.Lookup) (map[string]model.FieldValue, error) {
	if l.Email == "" {
		return nil, nil
	}
	c, err := salesforce.FindContactByEmail(ctx, a.client, l.Email)
	if err != nil {
		return nil, provider.Classify(a.Name(), err)
	}
	if c == nil {
		return nil, nil
	}

	observed := a.parseTime(c.LastModifiedDate)
	out := make(map[string]model.FieldValue)
	a.put(out, model.FieldName, c.Name, observed)
	a.put(out, model.FieldEmail, c.Email, observed)
	a.put(out, model.FieldTitle, c.Title, observed)
	a.put(out, model.FieldDepartment, c.Department, observed)
	if c.Account != nil {
		a.put(out, model.FieldCompanyName, c.Account.Name, observed)
		a.put(out, model.FieldCompanyDomain, bareDomain(c.Account.Website), observed)
	}
	out[model.FieldExternalIDs] = a.value(map[string]any{System: c.ID}, model.TypeRecord, observed)
	return out, nil
}

func (a *Adapter) put(out map[string]model.FieldValue, key, val string, observed time.Time) {
	if strings.TrimSpace(val) == "" {
		return
	}
	out[key] = a.value(strings.TrimSpace(val), model.TypeString, observed)
}

func (a *Adapter) value(v any, t model.FieldType, observed time.Time) model.FieldValue {
	return model.FieldValue{
		Value:      v,
		Type:       t,
		Provenance: a.Name(),
		Confidence: a.confidence,
		ObservedAt: observed,
	}
}

func (a *Adapter) parseTime(s string) time.Time {
	if t, err := time.Parse(sfTimeLayout, s); err == nil {
		return t.UTC()
	}
	return a.now().UTC()
}

func bareDomain(website string) string {
	d := strings.ToLower(strings.TrimSpace(website))
	d = strings.TrimPrefix(strings.TrimPrefix(d, "https://"), "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}
