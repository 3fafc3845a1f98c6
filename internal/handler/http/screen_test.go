package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/config"
	"github.com/utafrali/catalog-screen/internal/controller"
	"github.com/utafrali/catalog-screen/internal/query"
	"github.com/utafrali/catalog-screen/internal/screen"
	"github.com/utafrali/catalog-screen/pkg/health"
	"github.com/utafrali/catalog-screen/pkg/logger"
)

// ============================================================================
// Mock Fetcher
// ============================================================================

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, criteria query.Criteria) ([]catalog.Product, error) {
	args := m.Called(ctx, criteria)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]catalog.Product), args.Error(1)
}

// ============================================================================
// Test helpers
// ============================================================================

func criteria(raw string) query.Criteria {
	return query.DecodeString(raw)
}

func newTestRouter(t *testing.T, f catalog.Fetcher, cfg screen.Config) http.Handler {
	t.Helper()

	appCfg, err := config.LoadFrom(map[string]string{"RATE_LIMIT_RPS": "0"})
	require.NoError(t, err)

	registry := screen.NewRegistry(func(id string, renderer controller.Renderer) *controller.Controller {
		return controller.New(f,
			controller.WithScreenID(id),
			controller.WithRenderer(renderer),
			controller.WithLogger(logger.Discard()),
			controller.WithReporter(controller.ReporterFunc(func(context.Context, controller.Failure) {})),
		)
	}, cfg, logger.Discard())
	t.Cleanup(registry.CloseAll)

	return NewRouter(registry, health.NewHandler(), appCfg, logger.Discard())
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) ScreenView {
	t.Helper()
	var resp struct {
		Data ScreenView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var resp struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func createScreen(t *testing.T, h http.Handler, rawQuery string) ScreenView {
	t.Helper()
	target := "/api/v1/screens"
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	rec := doRequest(h, http.MethodPost, target, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeView(t, rec)
}

func settled(t *testing.T, h http.Handler, id string) ScreenView {
	t.Helper()
	rec := doRequest(h, http.MethodGet, "/api/v1/screens/"+id+"?wait=2s", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeView(t, rec)
}

func products(ids ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalog.Product(`{"id":"`+id+`"}`))
	}
	return out
}

// ============================================================================
// CreateScreen
// ============================================================================

func TestCreateScreen_MountsFromQuery(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, criteria("brand=Acme")).Return(products("p1", "p2"), nil).Once()
	h := newTestRouter(t, f, screen.Config{})

	rec := doRequest(h, http.MethodPost, "/api/v1/screens?brand=Acme&utm_source=mail", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	view := decodeView(t, rec)
	_, err := uuid.Parse(view.ID)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/screens/"+view.ID, rec.Header().Get("Location"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "brand=Acme", view.Query)
	assert.Equal(t, map[string]string{"brand": "Acme"}, view.Criteria.Map())
	assert.Equal(t, "loading", view.Status)
	assert.True(t, view.Loading)
	assert.Equal(t, "Loading...", view.Summary)
	assert.Nil(t, view.Products)
	assert.Nil(t, view.Changed)

	view = settled(t, h, view.ID)
	assert.Equal(t, "ready", view.Status)
	assert.False(t, view.Loading)
	assert.Equal(t, 2, view.Count)
	assert.Equal(t, "2 products found", view.Summary)
	require.NotNil(t, view.Products)
	assert.Len(t, *view.Products, 2)

	f.AssertExpectations(t)
}

func TestCreateScreen_EmptyResultIsReady(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, query.Criteria{}).Return(products(), nil).Once()
	h := newTestRouter(t, f, screen.Config{})

	view := settled(t, h, createScreen(t, h, "").ID)

	assert.Equal(t, "ready", view.Status)
	assert.Equal(t, 0, view.Count)
	assert.Equal(t, "0 products found", view.Summary)
	require.NotNil(t, view.Products, "a ready screen always lists its products")
	assert.Empty(t, *view.Products)
}

func TestCreateScreen_CapacityReturns503(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{MaxScreens: 1})

	createScreen(t, h, "")

	rec := doRequest(h, http.MethodPost, "/api/v1/screens", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeError(t, rec).Code)
}

// ============================================================================
// GetScreen
// ============================================================================

func TestGetScreen_NotFound(t *testing.T) {
	h := newTestRouter(t, new(mockFetcher), screen.Config{})

	tests := []struct {
		name string
		id   string
	}{
		{"unknown id", uuid.NewString()},
		{"malformed id", "not-a-uuid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, "/api/v1/screens/"+tt.id, "")
			assert.Equal(t, http.StatusNotFound, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, "NOT_FOUND", e.Code)
			assert.Contains(t, e.Message, tt.id)
		})
	}
}

func TestGetScreen_InvalidWait(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	rec := doRequest(h, http.MethodGet, "/api/v1/screens/"+id+"?wait=soon", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Code)
}

func TestGetScreen_WaitElapsesWhileLoading(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	rec := doRequest(h, http.MethodGet, "/api/v1/screens/"+id+"?wait=50ms", "")

	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeView(t, rec)
	assert.Equal(t, "loading", view.Status)
	assert.True(t, view.Loading)
}

// ============================================================================
// PatchFilters / ReplaceFilters
// ============================================================================

func TestPatchFilters_RefetchesOnChange(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, query.Criteria{}).Return(products("p1", "p2", "p3"), nil).Once()
	f.On("Fetch", mock.Anything, criteria("category=laptops")).Return(products("p1"), nil).Once()
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID
	settled(t, h, id)

	rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+id+"/filters", `{"filters":{"category":"laptops"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decodeView(t, rec)
	require.NotNil(t, view.Changed)
	assert.True(t, *view.Changed)
	assert.Equal(t, "category=laptops", view.Query)
	assert.True(t, view.Loading)

	view = settled(t, h, id)
	assert.Equal(t, "1 products found", view.Summary)
	f.AssertExpectations(t)
}

func TestPatchFilters_EqualCriteriaIsNoOp(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, criteria("brand=Acme")).Return(products("p1"), nil).Once()
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "brand=Acme").ID
	settled(t, h, id)

	rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+id+"/filters", `{"filters":{"brand":"Acme"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decodeView(t, rec)
	require.NotNil(t, view.Changed)
	assert.False(t, *view.Changed)
	assert.Equal(t, "ready", view.Status)
	f.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestPatchFilters_EmptyValueClearsFacet(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, criteria("category=laptops&brand=Acme")).Return(products(), nil).Once()
	f.On("Fetch", mock.Anything, criteria("category=laptops")).Return(products(), nil).Once()
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "category=laptops&brand=Acme").ID

	rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+id+"/filters", `{"filters":{"brand":""}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "category=laptops", decodeView(t, rec).Query)

	settled(t, h, id)
	f.AssertExpectations(t)
}

func TestPatchFilters_InvalidRequests(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	tests := []struct {
		name     string
		body     string
		wantCode string
		wantKey  string
	}{
		{"unknown facet", `{"filters":{"color":"red"}}`, "VALIDATION_ERROR", "filters[color]"},
		{"missing filters", `{}`, "VALIDATION_ERROR", "filters"},
		{"unknown field", `{"filters":{},"sort":"price"}`, "INVALID_INPUT", ""},
		{"malformed json", `{"filters":`, "INVALID_INPUT", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+id+"/filters", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, e.Code)
			if tt.wantKey != "" {
				assert.Contains(t, e.Fields, tt.wantKey)
			}
		})
	}
}

func TestPatchFilters_UnknownFacetMessage(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+id+"/filters", `{"filters":{"color":"red"}}`)

	assert.Equal(t, "is not a known filter", decodeError(t, rec).Fields["filters[color]"])
}

func TestPatchFilters_RejectsNonJSONContentType(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/screens/"+id+"/filters", strings.NewReader("brand=Acme"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestPatchFilters_UnknownScreen(t *testing.T) {
	h := newTestRouter(t, new(mockFetcher), screen.Config{})

	rec := doRequest(h, http.MethodPatch, "/api/v1/screens/"+uuid.NewString()+"/filters", `{"filters":{"brand":"Acme"}}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditFilters_UnknownScreenBeforeBodyValidation(t *testing.T) {
	h := newTestRouter(t, new(mockFetcher), screen.Config{})

	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"patch unknown facet", http.MethodPatch, `{"filters":{"colour":"red"}}`},
		{"patch malformed json", http.MethodPatch, `{"filters":`},
		{"put missing filters", http.MethodPut, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.NewString()
			rec := doRequest(h, tt.method, "/api/v1/screens/"+id+"/filters", tt.body)

			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
		})
	}
}

func TestReplaceFilters_IsWholesale(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, criteria("category=laptops&brand=Acme")).Return(products(), nil).Once()
	f.On("Fetch", mock.Anything, criteria("search=pro")).Return(products("p9"), nil).Once()
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "category=laptops&brand=Acme").ID

	rec := doRequest(h, http.MethodPut, "/api/v1/screens/"+id+"/filters", `{"filters":{"search":"pro"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decodeView(t, rec)
	assert.Equal(t, "search=pro", view.Query)
	assert.True(t, *view.Changed)

	view = settled(t, h, id)
	assert.Equal(t, 1, view.Count)
	f.AssertExpectations(t)
}

// ============================================================================
// RetryScreen / DeleteScreen
// ============================================================================

func TestRetryScreen_RecoversFromFailure(t *testing.T) {
	failed := make(chan struct{})
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(failed) }).
		Return(nil, &catalog.FetchError{Kind: catalog.ErrTransport, Err: errors.New("connection refused")}).Once()
	f.On("Fetch", mock.Anything, mock.Anything).Return(products("p1"), nil).Once()
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID
	<-failed

	// The failed fetch leaves the screen loading.
	view := decodeView(t, doRequest(h, http.MethodGet, "/api/v1/screens/"+id+"?wait=50ms", ""))
	assert.Equal(t, "loading", view.Status)

	rec := doRequest(h, http.MethodPost, "/api/v1/screens/"+id+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Greater(t, decodeView(t, rec).Token, view.Token)

	view = settled(t, h, id)
	assert.Equal(t, "ready", view.Status)
	assert.Equal(t, 1, view.Count)
	f.AssertExpectations(t)
}

func TestDeleteScreen(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything).Return(products(), nil)
	h := newTestRouter(t, f, screen.Config{})
	id := createScreen(t, h, "").ID

	rec := doRequest(h, http.MethodDelete, "/api/v1/screens/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, doRequest(h, http.MethodGet, "/api/v1/screens/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(h, http.MethodDelete, "/api/v1/screens/"+id, "").Code)
}

// ============================================================================
// Router
// ============================================================================

func TestRouter_OpsEndpoints(t *testing.T) {
	h := newTestRouter(t, new(mockFetcher), screen.Config{})

	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/health/ready", "").Code)

	// httptest requests come from 192.0.2.1, outside the metrics allowlist.
	assert.Equal(t, http.StatusForbidden, doRequest(h, http.MethodGet, "/metrics", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catalog_screens_active")
}
