package crm

import (
	"context"

	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/pkg/salesforce"
)

// CurrentEmployment reports the account a contact is attached to in the CRM.
func (a *Adapter) CurrentEmployment(ctx context.Context, person provider.Lookup) (provider.Employment, error) {
	emp := provider.Employment{Source: a.Name()}
	if person.Email == "" {
		return emp, nil
	}
	c, err := salesforce.FindContactByEmail(ctx, a.client, person.Email)
	if err != nil {
		return emp, provider.Classify(a.Name(), err)
	}
	if c == nil || c.Account == nil {
		return emp, nil
	}
	emp.Found = true
	emp.CompanyName = c.Account.Name
	emp.CompanyDomain = bareDomain(c.Account.Website)
	emp.Title = c.Title
	emp.Confidence = a.confidence
	emp.AsOf = a.parseTime(c.LastModifiedDate)
	return emp, nil
}

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.EmploymentSource = (*Adapter)(nil)
