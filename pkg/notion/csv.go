package notion

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// CSVMapper maps a CSV row to a flat key-value map using the header row.
type CSVMapper struct{}

// MapRow pairs each header with the corresponding value in the row.
// If the row has fewer columns than headers, missing values become empty strings.
func (m CSVMapper) MapRow(headers []string, row []string) map[string]string {
	result := make(map[string]string, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if i < len(row) {
			result[key] = strings.TrimSpace(row[i])
		} else {
			result[key] = ""
		}
	}
	return result
}

// ImportCSV queues each unique CSV row as an intake page. Rows are keyed by
// website, domain or email (first present); rows with none of them are
// skipped. Returns the number of pages created.
func ImportCSV(ctx context.Context, c Client, dbID string, csvPath string) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, eris.Wrap(err, fmt.Sprintf("notion: open csv %s", csvPath))
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, eris.Wrap(err, "notion: read csv")
	}
	if len(records) < 2 {
		return 0, nil
	}

	headers := records[0]
	mapper := CSVMapper{}
	seen := make(map[string]struct{})
	var unique []map[string]string
	for _, rec := range records[1:] {
		row := mapper.MapRow(headers, rec)
		key := dedupKey(row)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, row)
	}

	created := 0
	for _, row := range unique {
		if ctx.Err() != nil {
			return created, eris.Wrap(ctx.Err(), "notion: import csv cancelled")
		}
		if _, err := c.CreateIntakePage(ctx, dbID, buildIntakeProperties(row)); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func dedupKey(row map[string]string) string {
	for _, col := range []string{"website", "url", "domain", "email"} {
		if v := strings.ToLower(row[col]); v != "" {
			v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
			return strings.TrimSuffix(strings.TrimPrefix(v, "www."), "/")
		}
	}
	return ""
}

func richText(v string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: v}},
		},
	}
}

// buildIntakeProperties converts a mapped CSV row to intake page properties.
// Unknown columns are dropped; every page starts Queued.
func buildIntakeProperties(row map[string]string) notionapi.Properties {
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: strings.Trim(row["name"], "\"")}},
			},
		},
		"Status": notionapi.StatusProperty{
			Type:   notionapi.PropertyTypeStatus,
			Status: notionapi.Status{Name: StatusQueued},
		},
	}
	website := row["website"]
	if website == "" {
		website = row["url"]
	}
	if website != "" {
		props["Website"] = notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: normalizeURL(website)}
	}
	if v := row["email"]; v != "" {
		props["Email"] = notionapi.EmailProperty{Type: notionapi.PropertyTypeEmail, Email: v}
	}
	if v := strings.ToLower(row["kind"]); v != "" {
		props["Kind"] = notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: v}}
	}
	for col, prop := range map[string]string{
		"domain":        "Domain",
		"company":       "Company",
		"title":         "Title",
		"salesforce id": "Salesforce ID",
	} {
		if v := row[col]; v != "" {
			props[prop] = richText(v)
		}
	}
	return props
}

// normalizeURL ensures a domain has an https:// scheme prefix.
func normalizeURL(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}
	if !strings.Contains(domain, "://") {
		return "https://" + domain
	}
	return domain
}
