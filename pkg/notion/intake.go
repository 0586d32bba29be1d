package notion

import (
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Intake page statuses.
const (
	StatusQueued   = "Queued"
	StatusEnriched = "Enriched"
	StatusFailed   = "Failed"
)

// IntakeRow is one record queued for enrichment in a Notion intake database.
type IntakeRow struct {
	PageID  string
	Name    string
	Kind    string // "company" or "person"; empty means company
	Website string
	Domain  string
	Email   string
	Company string
	Title   string
	// ExternalIDs holds CRM ids typed into the page, keyed by system.
	ExternalIDs map[string]string
}

// ParseIntake reads an intake page. A page needs a Name and at least one of
// Website, Domain or Email.
func ParseIntake(p notionapi.Page) (IntakeRow, error) {
	row := IntakeRow{PageID: string(p.ID)}
	for key, prop := range p.Properties {
		switch v := prop.(type) {
		case *notionapi.TitleProperty:
			row.Name = strings.TrimSpace(plainText(v.Title))
		case *notionapi.URLProperty:
			if strings.EqualFold(key, "Website") || strings.EqualFold(key, "URL") {
				row.Website = strings.TrimSpace(v.URL)
			}
		case *notionapi.EmailProperty:
			row.Email = strings.TrimSpace(v.Email)
		case *notionapi.SelectProperty:
			if strings.EqualFold(key, "Kind") {
				row.Kind = strings.ToLower(strings.TrimSpace(v.Select.Name))
			}
		case *notionapi.RichTextProperty:
			text := strings.TrimSpace(plainText(v.RichText))
			switch strings.ToLower(key) {
			case "domain":
				row.Domain = text
			case "email":
				row.Email = text
			case "company":
				row.Company = text
			case "title":
				row.Title = text
			case "salesforce id":
				if text != "" {
					if row.ExternalIDs == nil {
						row.ExternalIDs = map[string]string{}
					}
					row.ExternalIDs["salesforce"] = text
				}
			}
		}
	}

	if row.Name == "" {
		return row, eris.New(fmt.Sprintf("notion: intake page %s has no name", row.PageID))
	}
	if row.Website == "" && row.Domain == "" && row.Email == "" {
		return row, eris.New(fmt.Sprintf("notion: intake page %s has no website, domain or email", row.PageID))
	}
	switch row.Kind {
	case "", "company", "person":
	default:
		return row, eris.New(fmt.Sprintf("notion: intake page %s has unknown kind %q", row.PageID, row.Kind))
	}
	return row, nil
}

// statusProperties builds the page update for a status change. Notes are
// truncated to 200 runes.
func statusProperties(status, note string, at time.Time) notionapi.Properties {
	date := notionapi.Date(at)
	props := notionapi.Properties{
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: status},
		},
		"Last Enriched": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &date},
		},
	}
	if note != "" {
		if r := []rune(note); len(r) > 200 {
			note = string(r[:200])
		}
		props["Notes"] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: note}},
			},
		}
	}
	return props
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		if t.PlainText != "" {
			b.WriteString(t.PlainText)
		} else if t.Text != nil {
			b.WriteString(t.Text.Content)
		}
	}
	return b.String()
}
