package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

type queryResult struct {
	resp *notionapi.DatabaseQueryResponse
	err  error
}

// query runs one rate-limited page request.
func (c *IntakeClient) query(ctx context.Context, dbID string, filter notionapi.Filter, cursor notionapi.Cursor) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req := &notionapi.DatabaseQueryRequest{
		Filter:      filter,
		StartCursor: cursor,
		PageSize:    c.pageSize,
	}
	resp, err := c.db.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

// queryAll follows cursors until the database is exhausted. The next page
// is requested while the current one is collected.
func (c *IntakeClient) queryAll(ctx context.Context, dbID string, filter notionapi.Filter) ([]notionapi.Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.query(ctx, dbID, filter, "")
	var all []notionapi.Page
	for {
		if err != nil {
			return nil, err
		}
		if !resp.HasMore {
			return append(all, resp.Results...), nil
		}

		next := make(chan queryResult, 1)
		go func(cursor notionapi.Cursor) {
			r, e := c.query(ctx, dbID, filter, cursor)
			next <- queryResult{resp: r, err: e}
		}(resp.NextCursor)

		all = append(all, resp.Results...)
		r := <-next
		resp, err = r.resp, r.err
	}
}
