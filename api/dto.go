/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types
  (template.Template, rate.Result, monitoring.Metrics) are returned as-is
  since their JSON shape is already the contract. Request bodies that do
  not map onto a domain payload get their own types here.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request types carry validator tags, checked by Handler.decode before
  the domain layer sees them. Domain rules (non-negative on-costs, margin
  below one) stay in the rate and template packages.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/template.go: TemplateJSON used by the import endpoint
*/
package api

import (
	"github.com/warp/rate-engine/factory"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/template"
)

// =============================================================================
// RATE CALCULATION
// =============================================================================

// CalculateRequest is an ad-hoc calculation. With Award set the pay rate
// comes from the provider and PayRate acts as a floor.
type CalculateRequest struct {
	PayRate     float64               `json:"pay_rate" validate:"gte=0"`
	OnCosts     rate.OnCosts          `json:"on_costs"`
	WorkPattern *rate.WorkPattern     `json:"work_pattern"`
	Billable    *rate.BillableOptions `json:"billable"`
	Award       *AwardRequest         `json:"award"`
}

// AwardRequest names an award classification. Date defaults to today.
type AwardRequest struct {
	AwardCode          string `json:"award_code" validate:"required,max=32"`
	ClassificationCode string `json:"classification_code" validate:"required,max=32"`
	Date               string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// TEMPLATES
// =============================================================================

// StatusRequest moves a template through its lifecycle.
type StatusRequest struct {
	Status template.Status `json:"status" validate:"required,oneof=draft active archived deleted"`
	Actor  string          `json:"actor" validate:"required"`
}

// ImportTemplateRequest creates a template from a JSON definition or a
// named preset.
type ImportTemplateRequest struct {
	Actor    string                `json:"actor" validate:"required"`
	Template *factory.TemplateJSON `json:"template" validate:"required_without=Preset"`
	Preset   *PresetRequest        `json:"preset" validate:"required_without=Template"`
}

// PresetRequest picks one of the factory presets.
type PresetRequest struct {
	Kind               string  `json:"kind" validate:"required,oneof=standard casual award"`
	Name               string  `json:"name" validate:"required,max=200"`
	BaseRate           float64 `json:"base_rate" validate:"gte=0"`
	Margin             float64 `json:"margin" validate:"gte=0,lt=1"`
	AwardCode          string  `json:"award_code" validate:"required_if=Kind award"`
	ClassificationCode string  `json:"classification_code" validate:"required_if=Kind award"`
}

// =============================================================================
// BULK
// =============================================================================

// BulkRequest starts a bulk calculation.
type BulkRequest struct {
	TemplateIDs []string `json:"template_ids" validate:"required,min=1,max=500,dive,required"`
	Concurrency int      `json:"concurrency" validate:"gte=0,lte=64"`
	Async       bool     `json:"async"`
	Actor       string   `json:"actor"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ListResponse wraps collections so the payload can grow fields later.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func listOf[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// DeleteCacheResponse reports how many entries were removed. Cleared is
// set when no prefix was given and the whole namespace was flushed.
type DeleteCacheResponse struct {
	Prefix  string `json:"prefix,omitempty"`
	Deleted int    `json:"deleted"`
	Cleared bool   `json:"cleared,omitempty"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse reports dependency health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
