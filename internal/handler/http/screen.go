package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/controller"
	"github.com/utafrali/catalog-screen/internal/query"
	"github.com/utafrali/catalog-screen/internal/screen"
	apperrors "github.com/utafrali/catalog-screen/pkg/errors"
	"github.com/utafrali/catalog-screen/pkg/httputil"
	"github.com/utafrali/catalog-screen/pkg/logger"
	"github.com/utafrali/catalog-screen/pkg/validator"
)

// maxWait caps the long-poll duration of GET /screens/{id}?wait=. It stays
// below the router timeout.
const maxWait = 25 * time.Second

func init() {
	if err := validator.RegisterValidation("facet", func(name string) bool {
		_, ok := query.ParseFacet(name)
		return ok
	}); err != nil {
		panic(fmt.Sprintf("register facet validation: %v", err))
	}
}

// Screens is the part of the screen registry the handler needs.
type Screens interface {
	Mount(ctx context.Context, values url.Values) (string, controller.Snapshot, error)
	Get(id string) (*controller.Controller, error)
	Changes(id string) (<-chan struct{}, error)
	Close(id string) error
}

var _ Screens = (*screen.Registry)(nil)

// ScreenHandler handles HTTP requests for catalog screen endpoints.
type ScreenHandler struct {
	screens Screens
	logger  *slog.Logger
}

// NewScreenHandler creates a new screen HTTP handler.
func NewScreenHandler(screens Screens, logger *slog.Logger) *ScreenHandler {
	return &ScreenHandler{
		screens: screens,
		logger:  logger,
	}
}

// --- Request DTOs ---

// FiltersRequest is the JSON body of PATCH and PUT /screens/{id}/filters.
// Keys are facet names; for PATCH an empty value clears the facet.
type FiltersRequest struct {
	Filters map[string]string `json:"filters" validate:"required,dive,keys,facet,endkeys,max=200"`
}

func (r FiltersRequest) patch() query.Patch {
	p := make(query.Patch, len(r.Filters))
	for name, v := range r.Filters {
		// Names were checked by the facet validation.
		f, _ := query.ParseFacet(name)
		p[f] = v
	}
	return p
}

// --- Response DTOs ---

// ScreenView is the JSON rendering of a screen snapshot.
type ScreenView struct {
	ID       string             `json:"id"`
	Criteria query.Criteria     `json:"criteria"`
	Query    string             `json:"query"`
	Status   string             `json:"status"`
	Loading  bool               `json:"loading"`
	Summary  string             `json:"summary"`
	Count    int                `json:"count"`
	Products *[]catalog.Product `json:"products,omitempty"`
	Error    string             `json:"error,omitempty"`
	Token    uint64             `json:"token"`
	Changed  *bool              `json:"changed,omitempty"`
}

func newScreenView(id string, s controller.Snapshot) ScreenView {
	v := ScreenView{
		ID:       id,
		Criteria: s.Criteria,
		Query:    s.Query,
		Status:   s.Display.Phase.String(),
		Loading:  s.Display.Loading(),
		Summary:  s.Display.Summary(),
		Count:    s.Display.Count(),
		Token:    uint64(s.Token),
	}
	switch s.Display.Phase {
	case controller.PhaseReady:
		products := s.Display.Products
		v.Products = &products
	case controller.PhaseFailed:
		v.Error = "failed to load products"
	}
	return v
}

func (v ScreenView) withChanged(changed bool) ScreenView {
	v.Changed = &changed
	return v
}

// --- Handlers ---

// CreateScreen handles POST /api/v1/screens. The request query string is the
// page query the screen is mounted with.
func (h *ScreenHandler) CreateScreen(w http.ResponseWriter, r *http.Request) {
	id, snap, err := h.screens.Mount(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, "", err)
		return
	}

	w.Header().Set("Location", "/api/v1/screens/"+id)
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: newScreenView(id, snap)})
}

// GetScreen handles GET /api/v1/screens/{id}. With ?wait=<duration> it waits
// up to that long for a loading screen to settle.
func (h *ScreenHandler) GetScreen(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseID(w, r, "screen", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	snap, err := h.awaitSettled(r.Context(), id, wait)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newScreenView(id, snap)})
}

// PatchFilters handles PATCH /api/v1/screens/{id}/filters.
func (h *ScreenHandler) PatchFilters(w http.ResponseWriter, r *http.Request) {
	h.editFilters(w, r, func(ctx context.Context, ctrl *controller.Controller, req FiltersRequest) (controller.Snapshot, bool, error) {
		return ctrl.Apply(ctx, req.patch())
	})
}

// ReplaceFilters handles PUT /api/v1/screens/{id}/filters. Facets absent from
// the body are cleared.
func (h *ScreenHandler) ReplaceFilters(w http.ResponseWriter, r *http.Request) {
	h.editFilters(w, r, func(ctx context.Context, ctrl *controller.Controller, req FiltersRequest) (controller.Snapshot, bool, error) {
		return ctrl.Replace(ctx, query.Criteria{}.Merge(req.patch()))
	})
}

type editFunc func(ctx context.Context, ctrl *controller.Controller, req FiltersRequest) (controller.Snapshot, bool, error)

func (h *ScreenHandler) editFilters(w http.ResponseWriter, r *http.Request, edit editFunc) {
	id, ok := httputil.ParseID(w, r, "screen", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	ctrl, err := h.screens.Get(id)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	var req FiltersRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	snap, changed, err := edit(r.Context(), ctrl, req)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	if changed {
		logger.FromContext(r.Context()).DebugContext(r.Context(), "filters changed",
			slog.String("query", snap.Query),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newScreenView(id, snap).withChanged(changed)})
}

// RetryScreen handles POST /api/v1/screens/{id}/retry.
func (h *ScreenHandler) RetryScreen(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseID(w, r, "screen", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	ctrl, err := h.screens.Get(id)
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	snap, err := ctrl.Retry(r.Context())
	if err != nil {
		h.writeError(w, r, id, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: newScreenView(id, snap)})
}

// DeleteScreen handles DELETE /api/v1/screens/{id}.
func (h *ScreenHandler) DeleteScreen(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseID(w, r, "screen", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.screens.Close(id); err != nil {
		h.writeError(w, r, id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// awaitSettled returns the screen snapshot once it is no longer loading, or
// the latest one when wait elapses.
func (h *ScreenHandler) awaitSettled(ctx context.Context, id string, wait time.Duration) (controller.Snapshot, error) {
	ctrl, err := h.screens.Get(id)
	if err != nil {
		return controller.Snapshot{}, err
	}
	if wait == 0 {
		return ctrl.Snapshot(), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		changes, err := h.screens.Changes(id)
		if err != nil {
			return controller.Snapshot{}, err
		}
		snap := ctrl.Snapshot()
		if !snap.Display.Loading() {
			return snap, nil
		}

		select {
		case <-changes:
		case <-timer.C:
			return ctrl.Snapshot(), nil
		case <-ctrl.Done():
			return controller.Snapshot{}, controller.ErrClosed
		case <-ctx.Done():
			return controller.Snapshot{}, ctx.Err()
		}
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperrors.InvalidInput(fmt.Sprintf("wait must be a non-negative duration, got %q", raw))
	}
	return min(d, maxWait), nil
}

// writeError maps registry and controller errors onto the API error envelope.
func (h *ScreenHandler) writeError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, screen.ErrNotFound), errors.Is(err, controller.ErrClosed):
		err = apperrors.NotFound("screen", id)
	case errors.Is(err, screen.ErrCapacity):
		err = apperrors.ServiceUnavailable("too many open screens, try again later")
	case errors.Is(err, controller.ErrAlreadyMounted), errors.Is(err, controller.ErrNotMounted):
		err = apperrors.Conflict(err.Error())
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
		return
	case errors.Is(err, context.DeadlineExceeded):
		err = apperrors.ServiceUnavailable("request timed out")
	}
	httputil.WriteError(w, r, err, h.logger)
}
