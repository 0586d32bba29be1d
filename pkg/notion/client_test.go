package notion

import (
	"context"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockIntake implements Client for callers of the package.
type mockIntake struct {
	mock.Mock
}

func (m *mockIntake) QueryQueued(ctx context.Context, dbID string) ([]notionapi.Page, error) {
	args := m.Called(ctx, dbID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]notionapi.Page), args.Error(1)
}

func (m *mockIntake) CreateIntakePage(ctx context.Context, dbID string, props notionapi.Properties) (*notionapi.Page, error) {
	args := m.Called(ctx, dbID, props)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockIntake) SetStatus(ctx context.Context, pageID, status, note string, at time.Time) error {
	return m.Called(ctx, pageID, status, note, at).Error(0)
}

type mockDatabase struct {
	mock.Mock
}

func (m *mockDatabase) Query(ctx context.Context, id notionapi.DatabaseID, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

type mockPages struct {
	mock.Mock
}

func (m *mockPages) Create(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockPages) Update(ctx context.Context, id notionapi.PageID, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func newTestClient(db *mockDatabase, pages *mockPages, opts ...ClientOption) *IntakeClient {
	opts = append([]ClientOption{WithRateLimit(0), withServices(db, pages)}, opts...)
	return NewClient("secret_test", opts...)
}

func queuedFilter(req *notionapi.DatabaseQueryRequest) bool {
	pf, ok := req.Filter.(notionapi.PropertyFilter)
	return ok && pf.Property == "Status" && pf.Status != nil && pf.Status.Equals == StatusQueued
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("secret_test")
	require.NotNil(t, c.limiter)
	assert.InDelta(t, float64(DefaultRPS), float64(c.limiter.Limit()), 0.001)
	assert.Equal(t, 100, c.pageSize)
	assert.NotNil(t, c.db)
	assert.NotNil(t, c.pages)

	var _ Client = c
}

func TestWithRateLimit(t *testing.T) {
	c := NewClient("secret_test", WithRateLimit(10))
	require.NotNil(t, c.limiter)
	assert.InDelta(t, 10.0, float64(c.limiter.Limit()), 0.001)
	assert.Equal(t, 10, c.limiter.Burst())

	assert.Nil(t, NewClient("secret_test", WithRateLimit(0)).limiter)
}

func TestIntakeClient_QueryQueued(t *testing.T) {
	db := new(mockDatabase)
	c := newTestClient(db, new(mockPages), WithPageSize(25))

	db.On("Query", mock.Anything, notionapi.DatabaseID("db-intake"), mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return queuedFilter(req) && req.PageSize == 25
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "acme"}, {ID: "jane"}},
	}, nil).Once()

	pages, err := c.QueryQueued(context.Background(), "db-intake")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("acme"), pages[0].ID)
	db.AssertExpectations(t)
}

func TestIntakeClient_QueryQueued_Error(t *testing.T) {
	db := new(mockDatabase)
	c := newTestClient(db, new(mockPages))
	db.On("Query", mock.Anything, notionapi.DatabaseID("db-err"), mock.Anything).Return(nil, assert.AnError).Once()

	pages, err := c.QueryQueued(context.Background(), "db-err")
	assert.Error(t, err)
	assert.Nil(t, pages)
	assert.Contains(t, err.Error(), "notion: query queued intake")
}

func TestIntakeClient_CreateIntakePage(t *testing.T) {
	pages := new(mockPages)
	c := newTestClient(new(mockDatabase), pages)
	props := buildIntakeProperties(map[string]string{"name": "Acme", "website": "acme.com"})

	var captured *notionapi.PageCreateRequest
	pages.On("Create", mock.Anything, mock.AnythingOfType("*notionapi.PageCreateRequest")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*notionapi.PageCreateRequest)
		}).
		Return(&notionapi.Page{ID: "new"}, nil).Once()

	page, err := c.CreateIntakePage(context.Background(), "db-intake", props)
	require.NoError(t, err)
	assert.Equal(t, notionapi.ObjectID("new"), page.ID)
	require.NotNil(t, captured)
	assert.Equal(t, notionapi.ParentTypeDatabaseID, captured.Parent.Type)
	assert.Equal(t, notionapi.DatabaseID("db-intake"), captured.Parent.DatabaseID)
	assert.Equal(t, props, captured.Properties)
	pages.AssertExpectations(t)
}

func TestIntakeClient_CreateIntakePage_Error(t *testing.T) {
	pages := new(mockPages)
	c := newTestClient(new(mockDatabase), pages)
	pages.On("Create", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	_, err := c.CreateIntakePage(context.Background(), "db-intake", notionapi.Properties{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: create intake page in db-intake")
}

func TestIntakeClient_SetStatus(t *testing.T) {
	pages := new(mockPages)
	c := newTestClient(new(mockDatabase), pages)
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	var captured *notionapi.PageUpdateRequest
	pages.On("Update", mock.Anything, notionapi.PageID("page-1"), mock.AnythingOfType("*notionapi.PageUpdateRequest")).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).(*notionapi.PageUpdateRequest)
		}).
		Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	require.NoError(t, c.SetStatus(context.Background(), "page-1", StatusFailed, string(long), at))
	require.NotNil(t, captured)

	status, ok := captured.Properties["Status"].(notionapi.StatusProperty)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status.Status.Name)
	enriched, ok := captured.Properties["Last Enriched"].(notionapi.DateProperty)
	require.True(t, ok)
	assert.True(t, time.Time(*enriched.Date.Start).Equal(at))
	notes, ok := captured.Properties["Notes"].(notionapi.RichTextProperty)
	require.True(t, ok)
	assert.Len(t, []rune(notes.RichText[0].Text.Content), 200)
	pages.AssertExpectations(t)
}

func TestIntakeClient_SetStatus_Error(t *testing.T) {
	pages := new(mockPages)
	c := newTestClient(new(mockDatabase), pages)
	pages.On("Update", mock.Anything, notionapi.PageID("page-1"), mock.Anything).Return(nil, assert.AnError).Once()

	err := c.SetStatus(context.Background(), "page-1", StatusEnriched, "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: set page page-1 to Enriched")
}

func TestIntakeClient_RateLimitHonoursContext(t *testing.T) {
	pages := new(mockPages)
	c := NewClient("secret_test", withServices(new(mockDatabase), pages))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SetStatus(ctx, "page-1", StatusEnriched, "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: rate limit")
	pages.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}
