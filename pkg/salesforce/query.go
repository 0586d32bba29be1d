package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Account represents a Salesforce Account record.
type Account struct {
	ID                string  `json:"Id" salesforce:"Id"`
	Name              string  `json:"Name" salesforce:"Name"`
	Website           string  `json:"Website" salesforce:"Website"`
	Industry          string  `json:"Industry" salesforce:"Industry"`
	Description       string  `json:"Description" salesforce:"Description"`
	BillingCity       string  `json:"BillingCity" salesforce:"BillingCity"`
	BillingState      string  `json:"BillingState" salesforce:"BillingState"`
	BillingCountry    string  `json:"BillingCountry" salesforce:"BillingCountry"`
	Phone             string  `json:"Phone" salesforce:"Phone"`
	NumberOfEmployees int     `json:"NumberOfEmployees" salesforce:"NumberOfEmployees"`
	AnnualRevenue     float64 `json:"AnnualRevenue" salesforce:"AnnualRevenue"`
	LastModifiedDate  string  `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// Contact represents a Salesforce Contact record with its parent account.
type Contact struct {
	ID               string       `json:"Id" salesforce:"Id"`
	Name             string       `json:"Name" salesforce:"Name"`
	Email            string       `json:"Email" salesforce:"Email"`
	Title            string       `json:"Title" salesforce:"Title"`
	Department       string       `json:"Department" salesforce:"Department"`
	AccountID        string       `json:"AccountId" salesforce:"AccountId"`
	Account          *AccountLink `json:"Account" salesforce:"Account"`
	LastModifiedDate string       `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// AccountLink is the relationship projection on a Contact.
type AccountLink struct {
	Name    string `json:"Name" salesforce:"Name"`
	Website string `json:"Website" salesforce:"Website"`
}

var accountFields = []string{
	"Id", "Name", "Website", "Industry", "Description",
	"BillingCity", "BillingState", "BillingCountry",
	"Phone", "NumberOfEmployees", "AnnualRevenue", "LastModifiedDate",
}

var contactFields = []string{
	"Id", "Name", "Email", "Title", "Department",
	"AccountId", "Account.Name", "Account.Website", "LastModifiedDate",
}

// FindAccountByWebsite queries Salesforce for an Account matching the given website.
// Returns nil if no account is found.
func FindAccountByWebsite(ctx context.Context, c Client, website string) (*Account, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Account WHERE Website LIKE '%%%s%%' LIMIT 1",
		strings.Join(accountFields, ", "),
		escapeSoql(website),
	)
	return firstAccount(ctx, c, soql, "website "+website)
}

// FindAccountByID queries Salesforce for an Account by its ID.
// Returns nil if no account is found.
func FindAccountByID(ctx context.Context, c Client, id string) (*Account, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Account WHERE Id = '%s' LIMIT 1",
		strings.Join(accountFields, ", "),
		escapeSoql(id),
	)
	return firstAccount(ctx, c, soql, "id "+id)
}

// FindContactByEmail returns the most recently modified Contact with the
// given email, or nil.
func FindContactByEmail(ctx context.Context, c Client, email string) (*Contact, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Contact WHERE Email = '%s' ORDER BY LastModifiedDate DESC LIMIT 1",
		strings.Join(contactFields, ", "),
		escapeSoql(email),
	)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find contact by email %s", email))
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

func firstAccount(ctx context.Context, c Client, soql, desc string) (*Account, error) {
	var accounts []Account
	if err := c.Query(ctx, soql, &accounts); err != nil {
		return nil, eris.Wrap(err, "sf: find account by "+desc)
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
