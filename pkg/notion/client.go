// Package notion reads and writes the Notion intake database: queued pages
// in, enrichment statuses out, and CSV rows queued as new pages.
package notion

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultRPS is Notion's published per-integration rate limit.
const DefaultRPS = 3

// Client is the intake database surface the engine uses.
type Client interface {
	// QueryQueued returns every page in dbID whose Status is Queued.
	QueryQueued(ctx context.Context, dbID string) ([]notionapi.Page, error)
	// CreateIntakePage adds a page with props to dbID.
	CreateIntakePage(ctx context.Context, dbID string, props notionapi.Properties) (*notionapi.Page, error)
	// SetStatus moves a page to status and stamps Last Enriched.
	SetStatus(ctx context.Context, pageID, status, note string, at time.Time) error
}

// databaseService and pageService are the parts of notionapi's services the
// intake client calls.
type databaseService interface {
	Query(ctx context.Context, id notionapi.DatabaseID, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

type pageService interface {
	Create(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	Update(ctx context.Context, id notionapi.PageID, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures an IntakeClient.
type ClientOption func(*IntakeClient)

// WithRateLimit overrides the default rate limit. Zero or less disables it.
func WithRateLimit(rps float64) ClientOption {
	return func(c *IntakeClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithPageSize sets how many pages each query request asks for.
func WithPageSize(n int) ClientOption {
	return func(c *IntakeClient) {
		c.pageSize = n
	}
}

func withServices(db databaseService, pages pageService) ClientOption {
	return func(c *IntakeClient) {
		c.db = db
		c.pages = pages
	}
}

// IntakeClient implements Client over the Notion API.
type IntakeClient struct {
	db       databaseService
	pages    pageService
	limiter  *rate.Limiter
	pageSize int
}

// NewClient creates an intake client for the given integration token,
// throttled to DefaultRPS.
func NewClient(token string, opts ...ClientOption) *IntakeClient {
	inner := notionapi.NewClient(notionapi.Token(token))
	c := &IntakeClient{
		db:       inner.Database,
		pages:    inner.Page,
		limiter:  rate.NewLimiter(DefaultRPS, 1),
		pageSize: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *IntakeClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "notion: rate limit")
}

// QueryQueued returns every queued intake page, following cursors.
func (c *IntakeClient) QueryQueued(ctx context.Context, dbID string) ([]notionapi.Page, error) {
	pages, err := c.queryAll(ctx, dbID, notionapi.PropertyFilter{
		Property: "Status",
		Status:   &notionapi.StatusFilterCondition{Equals: StatusQueued},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued intake")
	}
	return pages, nil
}

// CreateIntakePage adds a page to the intake database.
func (c *IntakeClient) CreateIntakePage(ctx context.Context, dbID string, props notionapi.Properties) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	page, err := c.pages.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("notion: create intake page in %s", dbID))
	}
	return page, nil
}

// SetStatus moves an intake page to status and stamps Last Enriched. A
// non-empty note is written to Notes, truncated to 200 runes.
func (c *IntakeClient) SetStatus(ctx context.Context, pageID, status, note string, at time.Time) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req := &notionapi.PageUpdateRequest{Properties: statusProperties(status, note, at)}
	if _, err := c.pages.Update(ctx, notionapi.PageID(pageID), req); err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: set page %s to %s", pageID, status))
	}
	return nil
}
