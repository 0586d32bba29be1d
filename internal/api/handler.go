// Package api exposes the enrichment engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/pipeline"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/roles"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// Engine is the subset of the pipeline the handlers call.
type Engine interface {
	EnrichEntity(ctx context.Context, workspaceID string, kind model.EntityKind, entityID string, opts pipeline.Options) (*model.EnrichmentResult, error)
	RunBatchEnrichment(ctx context.Context, filter store.EntityFilter, opts pipeline.BatchOptions) (*model.BatchReport, error)
	GenerateRoleAssignments(ctx context.Context, workspaceID, companyID string, profile roles.SellerProfile) ([]model.RoleAssignment, error)
	RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter, concurrency int) (*model.BatchReport, error)
}

// Archives reads and restores merge archives.
type Archives interface {
	Get(ctx context.Context, workspaceID string, ref model.ArchiveRef) (*model.Archive, error)
	Restore(ctx context.Context, workspaceID string, ref model.ArchiveRef) ([]model.Entity, error)
}

// Handler wires engine operations to HTTP endpoints.
type Handler struct {
	engine   Engine
	archives Archives
	store    store.Store
	profile  *roles.SellerProfile
	// bg outlives requests; batches started over HTTP run on it.
	bg  context.Context
	log *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDefaultProfile sets the seller profile used when a role request has
// none.
func WithDefaultProfile(p roles.SellerProfile) HandlerOption {
	return func(h *Handler) {
		h.profile = &p
	}
}

// WithBackground sets the context asynchronous batches run under.
func WithBackground(ctx context.Context) HandlerOption {
	return func(h *Handler) {
		h.bg = ctx
	}
}

// NewHandler creates a Handler.
func NewHandler(engine Engine, archives Archives, st store.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine:   engine,
		archives: archives,
		store:    st,
		bg:       context.Background(),
		log:      zap.L().With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the engine endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/workspaces/{workspace}", func(r chi.Router) {
		r.Post("/{kind}/{id}/enrich", h.HandleEnrich)
		r.Post("/batches", h.HandleStartBatch)
		r.Post("/companies/{id}/roles", h.HandleRoles)
		r.Get("/merges", h.HandleListMerges)
		r.Get("/archives/{ref}", h.HandleGetArchive)
		r.Post("/archives/{ref}/restore", h.HandleRestoreArchive)
	})
	r.Get("/batches/{batch}", h.HandleGetBatch)
	r.Post("/dlq/retry", h.HandleRetryDLQ)
}

// HandleEnrich handles POST /workspaces/{workspace}/{kind}/{id}/enrich.
func (h *Handler) HandleEnrich(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	kind := model.EntityKind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")

	var opts pipeline.Options
	if !decodeOptional(w, r, &opts) {
		return
	}

	result, err := h.engine.EnrichEntity(r.Context(), ws, kind, id, opts)
	if err != nil {
		h.log.Warn("enrich request failed",
			zap.String("workspace", ws),
			zap.String("entity", id),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BatchRequest starts a batch run.
type BatchRequest struct {
	Kind        model.EntityKind `json:"kind,omitempty"`
	IDs         []string         `json:"ids,omitempty"`
	BatchID     string           `json:"batch_id,omitempty"`
	Concurrency int              `json:"concurrency,omitempty"`
	DryRun      bool             `json:"dry_run,omitempty"`
	Resume      bool             `json:"resume,omitempty"`
}

// HandleStartBatch handles POST /workspaces/{workspace}/batches. The run
// continues after the response; progress is read from /batches/{batch}.
func (h *Handler) HandleStartBatch(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	var req BatchRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Kind != "" && !req.Kind.Valid() {
		writeMessage(w, http.StatusBadRequest, "unknown kind "+string(req.Kind))
		return
	}
	if req.Resume && req.BatchID == "" {
		writeMessage(w, http.StatusBadRequest, "resume requires batch_id")
		return
	}
	if req.BatchID == "" {
		req.BatchID = uuid.New().String()
	}

	filter := store.EntityFilter{WorkspaceID: ws, Kind: req.Kind, IDs: req.IDs}
	opts := pipeline.BatchOptions{
		BatchID:     req.BatchID,
		Concurrency: req.Concurrency,
		DryRun:      req.DryRun,
		Resume:      req.Resume,
	}
	go func() {
		log := h.log.With(zap.String("batch_id", opts.BatchID))
		report, err := h.engine.RunBatchEnrichment(h.bg, filter, opts)
		if err != nil {
			log.Error("batch failed", zap.Error(err))
			return
		}
		log.Info("batch complete",
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"batch_id": req.BatchID,
	})
}

// HandleGetBatch handles GET /batches/{batch}.
func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	cp, err := h.store.GetCheckpoint(r.Context(), chi.URLParam(r, "batch"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cp == nil {
		writeMessage(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// HandleRoles handles POST /workspaces/{workspace}/companies/{id}/roles. The
// body is a seller profile; an empty body uses the configured default.
func (h *Handler) HandleRoles(w http.ResponseWriter, r *http.Request) {
	var profile roles.SellerProfile
	if !decodeOptional(w, r, &profile) {
		return
	}
	if profile.Name == "" && h.profile != nil {
		profile = *h.profile
	}

	as, err := h.engine.GenerateRoleAssignments(r.Context(), chi.URLParam(r, "workspace"), chi.URLParam(r, "id"), profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": as})
}

// HandleListMerges handles GET /workspaces/{workspace}/merges.
func (h *Handler) HandleListMerges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	audits, err := h.store.ListMergeAudits(r.Context(), chi.URLParam(r, "workspace"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merges": audits})
}

// HandleGetArchive handles GET /workspaces/{workspace}/archives/{ref}.
func (h *Handler) HandleGetArchive(w http.ResponseWriter, r *http.Request) {
	a, err := h.archives.Get(r.Context(), chi.URLParam(r, "workspace"), model.ArchiveRef(chi.URLParam(r, "ref")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleRestoreArchive handles POST /workspaces/{workspace}/archives/{ref}/restore.
func (h *Handler) HandleRestoreArchive(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	ref := model.ArchiveRef(chi.URLParam(r, "ref"))
	restored, err := h.archives.Restore(r.Context(), ws, ref)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("archive restored",
		zap.String("workspace", ws),
		zap.String("ref", string(ref)),
		zap.Int("entities", len(restored)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
}

// RetryRequest re-runs due dead letters.
type RetryRequest struct {
	resilience.DLQFilter
	Concurrency int `json:"concurrency,omitempty"`
}

// HandleRetryDLQ handles POST /dlq/retry.
func (h *Handler) HandleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	report, err := h.engine.RetryDeadLetters(r.Context(), req.DLQFilter, req.Concurrency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst at
// its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAmbiguousDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrNoDataAvailable), errors.Is(err, model.ErrStaleUnverifiable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNoProviders):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeMessage(w, status, msg)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
