/*
handlers.go - HTTP API handlers for the rate engine

PURPOSE:
  Exposes rate calculation, rate templates, bulk calculations and the
  cache via REST. Handles HTTP request/response, JSON serialization and
  validation, and delegates to the rate and template packages.

ENDPOINTS:
  Rates:
    POST   /api/rates/calculate                  Ad-hoc calculation

  Templates:
    GET    /api/orgs/{orgID}/templates           List (?status=active,draft)
    POST   /api/orgs/{orgID}/templates           Create draft
    POST   /api/orgs/{orgID}/templates/import    Create from JSON or preset
    GET    /api/orgs/{orgID}/analytics           Org read model
    GET    /api/templates/{id}                   Get
    PATCH  /api/templates/{id}                   Versioned update
    DELETE /api/templates/{id}?actor=            Soft delete
    PUT    /api/templates/{id}/status            Lifecycle transition
    GET    /api/templates/{id}/history           Change history
    GET    /api/templates/{id}/rate              Calculate (cached)
    GET    /api/templates/{id}/export            Template as importable JSON

  Bulk:
    GET    /api/orgs/{orgID}/bulk-calculations   List, newest first
    POST   /api/orgs/{orgID}/bulk-calculations   Start (202 when async)
    GET    /api/bulk-calculations/{id}           Poll

  Cache:
    GET    /api/cache/metrics                    Monitor snapshot
    GET    /api/cache/warming                    Warming scheduler stats
    DELETE /api/cache?prefix=                    Invalidate (all when empty)

  GET /api/health

ERROR HANDLING:
  Errors are returned as ErrorResponse with a status from the error kind:
  - 400: ConfigurationError, request validation
  - 404: NotFoundError
  - 409: ConflictError, InvalidTransitionError
  - 502: award provider failures
  - 503: cache lock timeouts
  - 500: anything else (logged)

SECURITY NOTE:
  No authentication. Actors are taken from request bodies as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/cache"
	"github.com/warp/rate-engine/config"
	"github.com/warp/rate-engine/factory"
	"github.com/warp/rate-engine/monitoring"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/template"
	"github.com/warp/rate-engine/warming"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// WarmingStats is the read side of the warming scheduler.
type WarmingStats interface {
	GetStats() warming.Stats
}

// Pinger is implemented by stores that can report health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Templates *template.Service
	Engine    *rate.Engine
	Factory   *factory.TemplateFactory

	cache    cache.Cache
	monitor  *monitoring.Monitor
	warming  WarmingStats
	pinger   Pinger
	logger   *logrus.Logger
	validate *validator.Validate
	now      func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithCache(c cache.Cache) HandlerOption {
	return func(h *Handler) { h.cache = c }
}

func WithMonitor(m *monitoring.Monitor) HandlerOption {
	return func(h *Handler) { h.monitor = m }
}

func WithWarming(w WarmingStats) HandlerOption {
	return func(h *Handler) { h.warming = w }
}

func WithPinger(p Pinger) HandlerOption {
	return func(h *Handler) { h.pinger = p }
}

func WithLogger(l *logrus.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a handler over the template service and engine.
func NewHandler(svc *template.Service, engine *rate.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{
		Templates: svc,
		Engine:    engine,
		Factory:   factory.NewTemplateFactory(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logrus.New()
		h.logger.SetOutput(io.Discard)
	}

	h.validate = template.Validator()
	return h
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// CalculateRate runs an ad-hoc calculation without a template.
func (h *Handler) CalculateRate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !h.decode(w, r, &req) {
		return
	}

	payRate, err := rate.DecimalFromFloat("pay_rate", req.PayRate)
	if err != nil {
		h.writeServiceError(w, "CalculateRate", err)
		return
	}
	cfg := rate.Config{
		BaseRate:    payRate,
		OnCosts:     req.OnCosts,
		WorkPattern: rate.DefaultWorkPattern(),
		Billable:    rate.DefaultBillableOptions(),
	}
	if req.WorkPattern != nil {
		cfg.WorkPattern = *req.WorkPattern
	}
	if req.Billable != nil {
		cfg.Billable = *req.Billable
	}
	if req.Award != nil {
		date := h.now().UTC()
		if req.Award.Date != "" {
			// Format already checked by the datetime validator.
			date, _ = time.Parse("2006-01-02", req.Award.Date)
		}
		cfg.Award = &rate.AwardRef{
			AwardCode:          req.Award.AwardCode,
			ClassificationCode: req.Award.ClassificationCode,
			Date:               date,
		}
	}

	result, err := h.Engine.CalculateConfig(r.Context(), cfg)
	if err != nil {
		h.writeServiceError(w, "CalculateRate", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

// ListTemplates returns an org's templates, optionally filtered by status.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	var statuses []template.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			st := template.Status(strings.TrimSpace(s))
			if st == "" {
				continue
			}
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown status %q", st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	templates, err := h.Templates.List(r.Context(), chi.URLParam(r, "orgID"), statuses...)
	if err != nil {
		h.writeServiceError(w, "ListTemplates", err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(templates))
}

// CreateTemplate creates a draft template in the path's org.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in template.NewTemplate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	in.OrgID = chi.URLParam(r, "orgID")

	tpl, err := h.Templates.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, "CreateTemplate", err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// ImportTemplate creates a template from the portable JSON format or a
// named preset.
func (h *Handler) ImportTemplate(w http.ResponseWriter, r *http.Request) {
	var req ImportTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}
	orgID := chi.URLParam(r, "orgID")

	var (
		in  *template.NewTemplate
		err error
	)
	if req.Preset != nil {
		in, err = h.Factory.ParseTemplate(orgID, req.Actor, presetJSON(*req.Preset))
	} else {
		in, err = h.Factory.FromJSON(orgID, req.Actor, *req.Template)
	}
	if err != nil {
		h.writeServiceError(w, "ImportTemplate", err)
		return
	}

	tpl, err := h.Templates.Create(r.Context(), *in)
	if err != nil {
		h.writeServiceError(w, "ImportTemplate", err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func presetJSON(p PresetRequest) string {
	switch p.Kind {
	case "casual":
		return factory.CasualTemplateJSON(p.Name, p.BaseRate, p.Margin)
	case "award":
		return factory.AwardTemplateJSON(p.Name, p.AwardCode, p.ClassificationCode, p.Margin)
	default:
		return factory.StandardTemplateJSON(p.Name, p.BaseRate, p.Margin)
	}
}

// GetTemplate returns one template.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "GetTemplate", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// ExportTemplate returns the template in the import format.
func (h *Handler) ExportTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "ExportTemplate", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(*tpl))
}

// UpdateTemplate applies a versioned patch.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var p template.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	tpl, err := h.Templates.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeServiceError(w, "UpdateTemplate", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// UpdateTemplateStatus moves a template through its lifecycle.
func (h *Handler) UpdateTemplateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	tpl, err := h.Templates.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Actor)
	if err != nil {
		h.writeServiceError(w, "UpdateTemplateStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// DeleteTemplate soft-deletes an archived template.
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "actor is required", Code: "validation", Field: "actor"})
		return
	}

	tpl, err := h.Templates.Delete(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeServiceError(w, "DeleteTemplate", err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// GetTemplateHistory returns the change history, oldest first.
func (h *Handler) GetTemplateHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Templates.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "GetTemplateHistory", err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(history))
}

// GetTemplateRate calculates the template's rate through the cache.
func (h *Handler) GetTemplateRate(w http.ResponseWriter, r *http.Request) {
	calc, err := h.Templates.CalculateRate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "GetTemplateRate", err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// GetAnalytics returns the org read model.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.Templates.Analytics(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.writeServiceError(w, "GetAnalytics", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// BULK HANDLERS
// =============================================================================

// CreateBulkCalculation starts a bulk job. Async jobs answer 202 with the
// running job for polling.
func (h *Handler) CreateBulkCalculation(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.Templates.CreateBulkCalculation(r.Context(), chi.URLParam(r, "orgID"), req.TemplateIDs, template.BulkOptions{
		Concurrency: req.Concurrency,
		Async:       req.Async,
		Actor:       req.Actor,
	})
	if err != nil {
		h.writeServiceError(w, "CreateBulkCalculation", err)
		return
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
		w.Header().Set("Location", "/api/bulk-calculations/"+job.ID)
	}
	writeJSON(w, status, job)
}

// ListBulkCalculations returns an org's bulk jobs, newest first.
func (h *Handler) ListBulkCalculations(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Templates.GetBulkCalculations(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		h.writeServiceError(w, "ListBulkCalculations", err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(jobs))
}

// GetBulkCalculation returns one bulk job.
func (h *Handler) GetBulkCalculation(w http.ResponseWriter, r *http.Request) {
	job, err := h.Templates.GetBulkCalculation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "GetBulkCalculation", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// =============================================================================
// CACHE HANDLERS
// =============================================================================

// GetCacheMetrics returns the monitor snapshot.
func (h *Handler) GetCacheMetrics(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeError(w, http.StatusNotFound, "Cache monitoring is not enabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.GetMetrics())
}

// GetWarmingStats returns the warming scheduler's counters.
func (h *Handler) GetWarmingStats(w http.ResponseWriter, r *http.Request) {
	if h.warming == nil {
		writeError(w, http.StatusNotFound, "Cache warming is not enabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.warming.GetStats())
}

// InvalidateCache deletes keys by prefix, or clears the cache namespace
// when no prefix is given.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, "Cache is not enabled", nil)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		if err := h.cache.Clear(r.Context()); err != nil {
			h.writeServiceError(w, "InvalidateCache", err)
			return
		}
		writeJSON(w, http.StatusOK, DeleteCacheResponse{Cleared: true})
		return
	}

	n, err := h.cache.DeletePattern(r.Context(), prefix)
	if err != nil {
		h.writeServiceError(w, "InvalidateCache", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteCacheResponse{Prefix: prefix, Deleted: n})
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks["store"] = err.Error()
		} else {
			resp.Checks["store"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a request body. It writes the error response
// and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Field:   fe.Field(),
				Details: fmt.Sprintf("failed on %q", fe.Tag()),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeServiceError maps a domain error onto a status code. Unexpected
// errors are logged.
func (h *Handler) writeServiceError(w http.ResponseWriter, funcName string, err error) {
	var cfgErr *rate.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "configuration", Field: cfgErr.Field})
	case errors.Is(err, rate.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, rate.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, rate.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, award.ErrProvider):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "provider"})
	case errors.Is(err, cache.ErrLockTimeout):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "lock_timeout"})
	default:
		config.LogError(h.logger, "api", funcName, nil, err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
