package freshness

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/cost"
	"github.com/sells-group/enrichment-engine/internal/provider"
	"github.com/sells-group/enrichment-engine/internal/resolve"
	"github.com/sells-group/enrichment-engine/pkg/jina"
)

const webSearchName = "web_search"

// webSearchConfidence is lower than structured sources: profile titles lag
// real moves.
const webSearchConfidence = 60

// WebSearchSource finds a person's current employer from public profile
// search results. It only reports an employer when a result's title is
// clearly about the person.
type WebSearchSource struct {
	client  jina.Searcher
	site    string
	calc    *cost.Calculator
	tracker *cost.Tracker
	now     func() time.Time
}

// WebSearchOption configures a WebSearchSource.
type WebSearchOption func(*WebSearchSource)

// WithCost records search spend on tracker.
func WithCost(calc *cost.Calculator, tracker *cost.Tracker) WebSearchOption {
	return func(s *WebSearchSource) {
		s.calc = calc
		s.tracker = tracker
	}
}

// WithSite restricts searches to a profile site. Default linkedin.com.
func WithSite(site string) WebSearchOption {
	return func(s *WebSearchSource) {
		s.site = site
	}
}

// NewWebSearchSource creates a search-backed employment source.
func NewWebSearchSource(client jina.Searcher, opts ...WebSearchOption) *WebSearchSource {
	s := &WebSearchSource{
		client: client,
		site:   "linkedin.com",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the source name.
func (s *WebSearchSource) Name() string { return webSearchName }

// CurrentEmployment runs one search for the person's name.
func (s *WebSearchSource) CurrentEmployment(ctx context.Context, person provider.Lookup) (provider.Employment, error) {
	emp := provider.Employment{Source: webSearchName}
	if strings.TrimSpace(person.Name) == "" {
		return emp, nil
	}

	query := `"` + person.Name + `"`
	if person.CompanyName != "" {
		query += " " + person.CompanyName
	}
	resp, err := s.client.Search(ctx, query, jina.WithSite(s.site), jina.WithCount(5))
	if s.tracker != nil && s.calc != nil {
		s.tracker.Record(webSearchName, s.calc.Jina(resp.Tokens()), err != nil)
	}
	if err != nil {
		return emp, eris.Wrap(err, "freshness: web search")
	}

	want := resolve.NormalizeName(person.Name)
	for _, r := range resp.Data {
		name, title, company := splitProfileTitle(r.Title)
		if company == "" || resolve.NormalizeName(name) != want {
			continue
		}
		emp.Found = true
		emp.CompanyName = company
		emp.Title = title
		emp.Confidence = webSearchConfidence
		emp.AsOf = s.now()
		if t, err := time.Parse(time.RFC3339, r.Date); err == nil {
			emp.AsOf = t
		}
		return emp, nil
	}
	return emp, nil
}

var profileSeparators = []string{" - ", " – ", " — ", " | "}

// splitProfileTitle parses "Name - Title - Company | Site" style result
// titles. With only two parts the second is taken as the company.
func splitProfileTitle(title string) (name, role, company string) {
	if i := strings.LastIndex(title, " | "); i > 0 {
		title = title[:i]
	}
	for _, sep := range profileSeparators[1:] {
		title = strings.ReplaceAll(title, sep, profileSeparators[0])
	}
	var parts []string
	for _, p := range strings.Split(title, profileSeparators[0]) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 0, 1:
		return strings.Join(parts, ""), "", ""
	case 2:
		return parts[0], "", parts[1]
	default:
		return parts[0], strings.Join(parts[1:len(parts)-1], " - "), parts[len(parts)-1]
	}
}

var _ provider.EmploymentSource = (*WebSearchSource)(nil)
