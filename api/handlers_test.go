/*
handlers_test.go - Tests for API handlers

Tests for:
- Ad-hoc calculation and error mapping
- Template lifecycle over HTTP (create, rate, patch, status, history)
- Import/export and presets
- Bulk calculations (sync and async)
- Cache metrics, warming stats, invalidation and health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/cache"
	"github.com/warp/rate-engine/factory"
	"github.com/warp/rate-engine/monitoring"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/store/memory"
	"github.com/warp/rate-engine/template"
	"github.com/warp/rate-engine/warming"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	h       *Handler
	router  *chi.Mux
	monitor *monitoring.Monitor
	sched   *warming.Scheduler
}

func newTestServer(t *testing.T, provider award.Provider, opts ...HandlerOption) *testServer {
	t.Helper()
	mon := monitoring.New(100)
	c := cache.NewMemoryCache(cache.WithCleanupInterval(0), cache.WithObserver(mon))
	t.Cleanup(func() { _ = c.Close() })

	sched := warming.New(c, warming.DefaultConfig(), warming.WithReporter(mon))
	engine := rate.NewEngine(c, provider, rate.WithProviderTimeout(50*time.Millisecond))
	svc := template.NewService(memory.New(), engine,
		template.WithCache(c),
		template.WithWarmer(sched),
	)
	t.Cleanup(svc.Close)

	all := append([]HandlerOption{
		WithCache(c),
		WithMonitor(mon),
		WithWarming(sched),
	}, opts...)
	h := NewHandler(svc, engine, all...)
	return &testServer{h: h, router: NewRouter(h), monitor: mon, sched: sched}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// scenarioTemplate rates at 49.38: 30/h, 18.35% on-costs, 1776 billable
// hours, 20% margin.
func scenarioTemplate(name string) map[string]any {
	return map[string]any{
		"name":              name,
		"base_rate":         "30",
		"base_margin":       "0.2",
		"super_rate":        "0.115",
		"workers_comp_rate": "0.02",
		"payroll_tax_rate":  "0.0485",
		"work_pattern": map[string]any{
			"hours_per_day":       "8",
			"days_per_week":       "5",
			"weeks_per_year":      "49.4",
			"annual_leave_days":   "20",
			"public_holiday_days": "5",
			"sick_leave_days":     "10",
		},
		"billable": map[string]bool{"annual_leave": true, "public_holidays": true},
		"actor":    "alice",
	}
}

func scenarioCalculation() map[string]any {
	tpl := scenarioTemplate("")
	return map[string]any{
		"pay_rate": 30,
		"on_costs": map[string]any{
			"super_rate":        "0.115",
			"workers_comp_rate": "0.02",
			"payroll_tax_rate":  "0.0485",
			"margin":            "0.2",
		},
		"work_pattern": tpl["work_pattern"],
		"billable":     tpl["billable"],
	}
}

func (s *testServer) createTemplate(t *testing.T, org string, body map[string]any) template.Template {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/orgs/"+org+"/templates", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[template.Template](t, rec)
}

// =============================================================================
// RATES
// =============================================================================

func TestCalculateRate_Scenario(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/rates/calculate", scenarioCalculation())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[rate.Result](t, rec)
	assert.Equal(t, "49.38", res.Rate.StringFixed(2))
	assert.True(t, res.Breakdown.BillableHours.Equal(decimal.NewFromInt(1776)))
}

func TestCalculateRate_Defaults(t *testing.T) {
	// GIVEN: only a pay rate, so the standard 38-hour pattern applies
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/rates/calculate", map[string]any{"pay_rate": 30})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[rate.Result](t, rec)
	assert.Equal(t, rate.DefaultWorkPattern().HoursPerDay.String(), res.Input.WorkPattern.HoursPerDay.String())
	assert.True(t, res.Input.Billable.SickLeave)
}

func TestCalculateRate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		body  any
		code  string
		field string
	}{
		{"negative pay rate", map[string]any{"pay_rate": -1}, "validation", "pay_rate"},
		{"margin of one", map[string]any{"pay_rate": 30, "on_costs": map[string]any{"margin": "1"}}, "configuration", "margin"},
		{"award without provider", map[string]any{"pay_rate": 30, "award": map[string]any{"award_code": "MA000020", "classification_code": "CW3"}}, "configuration", "award_code"},
		{"bad award date", map[string]any{"pay_rate": 30, "award": map[string]any{"award_code": "MA000020", "classification_code": "CW3", "date": "1/7/2025"}}, "validation", "date"},
		{"missing classification", map[string]any{"pay_rate": 30, "award": map[string]any{"award_code": "MA000020"}}, "validation", "classification_code"},
		{"bad json", `{"pay_rate":`, "", ""},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/rates/calculate", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestCalculateRate_Award(t *testing.T) {
	// GIVEN: an award rate above the supplied floor
	var gotDate time.Time
	provider := award.ProviderFunc(func(ctx context.Context, code, class string, date time.Time) (award.Rate, error) {
		gotDate = date
		return award.Rate{AwardCode: code, ClassificationCode: class, Date: date, HourlyRate: decimal.RequireFromString("32")}, nil
	})
	s := newTestServer(t, provider)
	body := scenarioCalculation()
	body["award"] = map[string]any{"award_code": "MA000020", "classification_code": "CW3", "date": "2025-07-01"}

	// WHEN
	rec := s.do(t, http.MethodPost, "/api/rates/calculate", body)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[rate.Result](t, rec)
	assert.True(t, res.Input.PayRate.Equal(decimal.NewFromInt(32)))
	assert.Equal(t, "2025-07-01", gotDate.Format("2006-01-02"))
}

func TestCalculateRate_ProviderFailure(t *testing.T) {
	provider := award.ProviderFunc(func(ctx context.Context, code, class string, date time.Time) (award.Rate, error) {
		return award.Rate{}, &award.ProviderError{Kind: award.KindUnavailable, AwardCode: code, ClassificationCode: class, StatusCode: 503}
	})
	s := newTestServer(t, provider)
	body := scenarioCalculation()
	body["award"] = map[string]any{"award_code": "MA000020", "classification_code": "CW3"}

	rec := s.do(t, http.MethodPost, "/api/rates/calculate", body)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "provider", decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// TEMPLATES
// =============================================================================

func TestTemplateLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	// GIVEN: a draft template
	tpl := s.createTemplate(t, "org-1", scenarioTemplate("Labourer"))
	assert.Equal(t, template.StatusDraft, tpl.Status)
	assert.Equal(t, "org-1", tpl.OrgID)
	assert.Equal(t, 1, tpl.Version)

	// WHEN: its rate is requested
	rec := s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/rate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "49.38", decodeBody[template.Calculation](t, rec).Result.Rate.StringFixed(2))

	// WHEN: the margin is patched at the current version
	rec = s.do(t, http.MethodPatch, "/api/templates/"+tpl.ID, map[string]any{
		"expected_version": 1, "actor": "bob", "base_margin": "0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[template.Template](t, rec).Version)

	// THEN: the cached rate was evicted
	rec = s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/rate", nil)
	assert.Equal(t, "39.50", decodeBody[template.Calculation](t, rec).Result.Rate.StringFixed(2))

	// WHEN: a stale version is patched
	rec = s.do(t, http.MethodPatch, "/api/templates/"+tpl.ID, map[string]any{
		"expected_version": 1, "actor": "carol", "base_margin": "0.1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[ErrorResponse](t, rec).Code)

	// WHEN: activated
	rec = s.do(t, http.MethodPut, "/api/templates/"+tpl.ID+"/status", StatusRequest{Status: template.StatusActive, Actor: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/orgs/org-1/templates?status=active", nil)
	assert.Equal(t, 1, decodeBody[ListResponse[template.Template]](t, rec).Count)
	rec = s.do(t, http.MethodGet, "/api/orgs/org-1/templates?status=draft,archived", nil)
	assert.Equal(t, 0, decodeBody[ListResponse[template.Template]](t, rec).Count)

	// THEN: an active template cannot be deleted directly
	rec = s.do(t, http.MethodDelete, "/api/templates/"+tpl.ID+"?actor=bob", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[ErrorResponse](t, rec).Code)

	// WHEN: archived then deleted
	rec = s.do(t, http.MethodPut, "/api/templates/"+tpl.ID+"/status", StatusRequest{Status: template.StatusArchived, Actor: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodDelete, "/api/templates/"+tpl.ID+"?actor=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, template.StatusDeleted, decodeBody[template.Template](t, rec).Status)

	// THEN: every change is in the history
	rec = s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/history", nil)
	history := decodeBody[ListResponse[template.History]](t, rec)
	require.Equal(t, 5, history.Count)
	assert.Equal(t, template.Action("created"), history.Items[0].Action)
}

func TestCreateTemplate_Invalid(t *testing.T) {
	s := newTestServer(t, nil)
	body := scenarioTemplate("Labourer")
	body["base_margin"] = "1.5"

	rec := s.do(t, http.MethodPost, "/api/orgs/org-1/templates", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "configuration", resp.Code)
	assert.Equal(t, "base_margin", resp.Field)
}

func TestTemplateErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"missing template", http.MethodGet, "/api/templates/nope", http.StatusNotFound},
		{"missing rate", http.MethodGet, "/api/templates/nope/rate", http.StatusNotFound},
		{"missing bulk", http.MethodGet, "/api/bulk-calculations/nope", http.StatusNotFound},
		{"unknown status filter", http.MethodGet, "/api/orgs/org-1/templates?status=retired", http.StatusBadRequest},
		{"delete without actor", http.MethodDelete, "/api/templates/nope", http.StatusBadRequest},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAnalytics(t *testing.T) {
	s := newTestServer(t, nil)
	tpl := s.createTemplate(t, "org-1", scenarioTemplate("Labourer"))
	s.createTemplate(t, "org-1", scenarioTemplate("Foreman"))
	s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/rate", nil)
	s.do(t, http.MethodPut, "/api/templates/"+tpl.ID+"/status", StatusRequest{Status: template.StatusActive, Actor: "bob"})

	rec := s.do(t, http.MethodGet, "/api/orgs/org-1/analytics", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a := decodeBody[template.Analytics](t, rec)
	assert.Equal(t, 2, a.TotalTemplates)
	assert.Equal(t, 1, a.ActiveTemplates)
	assert.Equal(t, 1, a.RatedTemplates)
	assert.Equal(t, "49.38", a.AverageRate.StringFixed(2))
}

// =============================================================================
// IMPORT / EXPORT
// =============================================================================

func TestImportPresetAndExport(t *testing.T) {
	s := newTestServer(t, nil)

	// GIVEN: a template imported from the standard preset
	rec := s.do(t, http.MethodPost, "/api/orgs/org-1/templates/import", ImportTemplateRequest{
		Actor:  "seed",
		Preset: &PresetRequest{Kind: "standard", Name: "Standard", BaseRate: 30, Margin: 0.2},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tpl := decodeBody[template.Template](t, rec)
	assert.True(t, tpl.BaseMargin.Equal(decimal.RequireFromString("0.2")))

	// WHEN: exported and imported under another name
	rec = s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exported := decodeBody[factory.TemplateJSON](t, rec)
	assert.Equal(t, "Standard", exported.Name)
	exported.Name = "Standard copy"

	rec = s.do(t, http.MethodPost, "/api/orgs/org-2/templates/import", ImportTemplateRequest{Actor: "seed", Template: &exported})

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	copied := decodeBody[template.Template](t, rec)
	assert.Equal(t, "org-2", copied.OrgID)
	assert.True(t, copied.SuperRate.Equal(tpl.SuperRate))
}

func TestImport_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"nothing to import", map[string]any{"actor": "seed"}, "template"},
		{"missing actor", map[string]any{"preset": map[string]any{"kind": "standard", "name": "x"}}, "actor"},
		{"award preset without code", map[string]any{"actor": "seed", "preset": map[string]any{"kind": "award", "name": "x", "classification_code": "L1"}}, "award_code"},
		{"unknown preset", map[string]any{"actor": "seed", "preset": map[string]any{"kind": "premium", "name": "x"}}, "kind"},
		{"unknown pattern", map[string]any{"actor": "seed", "template": map[string]any{"name": "x", "work_pattern": map[string]any{"preset": "four_day"}}}, "work_pattern.preset"},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/orgs/org-1/templates/import", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decodeBody[ErrorResponse](t, rec).Field)
		})
	}
}

// =============================================================================
// BULK
// =============================================================================

func TestBulkCalculation_SyncAndAsync(t *testing.T) {
	s := newTestServer(t, nil)
	t1 := s.createTemplate(t, "org-1", scenarioTemplate("One"))
	t2 := s.createTemplate(t, "org-1", scenarioTemplate("Two"))
	ids := []string{t1.ID, t2.ID}

	// WHEN: run synchronously
	rec := s.do(t, http.MethodPost, "/api/orgs/org-1/bulk-calculations", BulkRequest{TemplateIDs: ids, Actor: "ops"})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeBody[template.BulkCalculation](t, rec)
	assert.Equal(t, template.BulkCompleted, job.Status)
	require.Len(t, job.Results, 2)
	assert.Equal(t, "49.38", job.Results[0].Rate.StringFixed(2))

	// WHEN: run asynchronously
	rec = s.do(t, http.MethodPost, "/api/orgs/org-1/bulk-calculations", BulkRequest{TemplateIDs: ids, Async: true, Concurrency: 1})

	// THEN: accepted, and pollable once the service drains
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	async := decodeBody[template.BulkCalculation](t, rec)
	assert.Equal(t, "/api/bulk-calculations/"+async.ID, rec.Header().Get("Location"))

	s.h.Templates.Close()
	rec = s.do(t, http.MethodGet, "/api/bulk-calculations/"+async.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, template.BulkCompleted, decodeBody[template.BulkCalculation](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/orgs/org-1/bulk-calculations", nil)
	list := decodeBody[ListResponse[template.BulkCalculation]](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, async.ID, list.Items[0].ID, "newest first")
}

func TestBulkCalculation_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"no ids", map[string]any{"template_ids": []string{}}, "template_ids"},
		{"blank id", map[string]any{"template_ids": []string{""}}, "template_ids[0]"},
		{"too many workers", map[string]any{"template_ids": []string{"a"}, "concurrency": 100}, "concurrency"},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/orgs/org-1/bulk-calculations", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decodeBody[ErrorResponse](t, rec).Field)
		})
	}
}

// =============================================================================
// CACHE / HEALTH
// =============================================================================

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	tpl := s.createTemplate(t, "org-1", scenarioTemplate("Labourer"))

	// GIVEN: a miss then a hit, and an active template registered for warming
	s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/rate", nil)
	s.do(t, http.MethodGet, "/api/templates/"+tpl.ID+"/rate", nil)
	s.do(t, http.MethodPut, "/api/templates/"+tpl.ID+"/status", StatusRequest{Status: template.StatusActive, Actor: "bob"})

	// THEN: metrics reflect both lookups
	rec := s.do(t, http.MethodGet, "/api/cache/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decodeBody[monitoring.Metrics](t, rec)
	assert.GreaterOrEqual(t, m.Hits, int64(1))
	assert.GreaterOrEqual(t, m.Misses, int64(1))

	rec = s.do(t, http.MethodGet, "/api/cache/warming", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[warming.Stats](t, rec)
	assert.Equal(t, 1, st.Registered)
	assert.False(t, st.Running)

	// WHEN: the template's keys are invalidated
	rec = s.do(t, http.MethodDelete, "/api/cache?prefix="+template.CachePrefix(tpl.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[DeleteCacheResponse](t, rec).Deleted)

	// WHEN: everything is cleared
	rec = s.do(t, http.MethodDelete, "/api/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[DeleteCacheResponse](t, rec).Cleared)
}

func TestCacheEndpoints_Disabled(t *testing.T) {
	engine := rate.NewEngine(nil, nil)
	h := NewHandler(template.NewService(memory.New(), engine), engine)
	router := NewRouter(h)

	for _, path := range []string{"/api/cache/metrics", "/api/cache/warming"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
		want   string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"store down", errors.New("database is locked"), http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, WithPinger(pingerFunc(func(context.Context) error { return tt.ping })))

			rec := s.do(t, http.MethodGet, "/api/health", nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, decodeBody[HealthResponse](t, rec).Status)
		})
	}
}
