/*
Package template manages versioned rate templates.

PURPOSE:
  A RateTemplate wraps a calculation configuration (base rate, on-costs,
  margin, optional award classification and working pattern). Templates
  move through a status lifecycle, every mutation bumps the version and
  appends one history row, and rates are computed through the Engine with
  results memoized in the Cache Store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status and the transition table
  - Template, History, Calculation
  - BulkCalculation and its per-template results

LIFECYCLE:
  draft    -> active, archived
  active   -> archived
  archived -> draft, active, deleted
  deleted  -> (terminal)

  At most one template per (OrgID, Name) is active. Activating a template
  archives the one it replaces.

SEE ALSO:
  - service.go: Lifecycle operations
  - bulk.go: Bulk calculation orchestrator
  - store.go: Persistence interface
*/
package template

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rate-engine/rate"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusActive, StatusArchived},
	StatusActive:   {StatusArchived},
	StatusArchived: {StatusDraft, StatusActive, StatusDeleted},
	StatusDeleted:  nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle allows s -> target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// =============================================================================
// TEMPLATE
// =============================================================================

// Template is a versioned rate configuration.
type Template struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Name  string `json:"name"`

	BaseRate         decimal.Decimal `json:"base_rate"`
	BaseMargin       decimal.Decimal `json:"base_margin"`
	SuperRate        decimal.Decimal `json:"super_rate"`
	LeaveLoading     decimal.Decimal `json:"leave_loading"`
	WorkersCompRate  decimal.Decimal `json:"workers_comp_rate"`
	PayrollTaxRate   decimal.Decimal `json:"payroll_tax_rate"`
	TrainingCostRate decimal.Decimal `json:"training_cost_rate"`
	OtherCostsRate   decimal.Decimal `json:"other_costs_rate"`
	FundingOffset    decimal.Decimal `json:"funding_offset"`
	CasualLoading    decimal.Decimal `json:"casual_loading"`

	AwardCode          string                `json:"award_code,omitempty"`
	ClassificationCode string                `json:"classification_code,omitempty"`
	WorkPattern        *rate.WorkPattern     `json:"work_pattern,omitempty"`
	Billable           *rate.BillableOptions `json:"billable,omitempty"`

	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	Status    Status    `json:"status"`
	Version   int       `json:"version"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (t Template) Clone() Template {
	out := t
	if t.WorkPattern != nil {
		wp := *t.WorkPattern
		out.WorkPattern = &wp
	}
	if t.Billable != nil {
		b := *t.Billable
		out.Billable = &b
	}
	if t.EffectiveFrom != nil {
		v := *t.EffectiveFrom
		out.EffectiveFrom = &v
	}
	if t.EffectiveTo != nil {
		v := *t.EffectiveTo
		out.EffectiveTo = &v
	}
	return out
}

// CachePrefix covers every cached rate of this template.
func (t Template) CachePrefix() string {
	return CachePrefix(t.ID)
}

// RateKey is the cache key for this template version's rate.
func (t Template) RateKey() string {
	return fmt.Sprintf("%sv%d", t.CachePrefix(), t.Version)
}

// CachePrefix returns the rate cache prefix for template id.
func CachePrefix(id string) string {
	return "calc:" + id + ":"
}

// Config converts the template into an engine configuration. Award rates
// are looked up for asOf.
func (t Template) Config(asOf time.Time) rate.Config {
	wp := rate.DefaultWorkPattern()
	if t.WorkPattern != nil {
		wp = *t.WorkPattern
	}
	billable := rate.DefaultBillableOptions()
	if t.Billable != nil {
		billable = *t.Billable
	}

	cfg := rate.Config{
		BaseRate: t.BaseRate,
		OnCosts: rate.OnCosts{
			SuperRate:       t.SuperRate,
			LeaveLoading:    t.LeaveLoading,
			WorkersCompRate: t.WorkersCompRate,
			PayrollTaxRate:  t.PayrollTaxRate,
			CasualLoading:   t.CasualLoading,
			TrainingCost:    t.TrainingCostRate,
			OtherCosts:      t.OtherCostsRate,
			FundingOffset:   t.FundingOffset,
			Margin:          t.BaseMargin,
		},
		WorkPattern: wp,
		Billable:    billable,
	}
	if t.AwardCode != "" {
		cfg.Award = &rate.AwardRef{
			AwardCode:          t.AwardCode,
			ClassificationCode: t.ClassificationCode,
			Date:               asOf,
		}
	}
	return cfg
}

// =============================================================================
// HISTORY
// =============================================================================

type Action string

const (
	ActionCreated       Action = "created"
	ActionUpdated       Action = "updated"
	ActionStatusChanged Action = "status_changed"
	ActionDeleted       Action = "deleted"
)

// Change is one field's before and after value.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// History is an append-only audit row. Version is the template version
// after the change.
type History struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	OrgID      string            `json:"org_id"`
	Action     Action            `json:"action"`
	Version    int               `json:"version"`
	Changes    map[string]Change `json:"changes,omitempty"`
	Actor      string            `json:"actor"`
	Timestamp  time.Time         `json:"timestamp"`
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// Calculation is a persisted rate calculation.
type Calculation struct {
	ID              string      `json:"id"`
	TemplateID      string      `json:"template_id"`
	TemplateVersion int         `json:"template_version"`
	Inputs          rate.Input  `json:"inputs"`
	Result          rate.Result `json:"result"`
	CreatedAt       time.Time   `json:"created_at"`
}

type BulkStatus string

const (
	BulkPending         BulkStatus = "pending"
	BulkRunning         BulkStatus = "running"
	BulkCompleted       BulkStatus = "completed"
	BulkPartiallyFailed BulkStatus = "partially_failed"
	BulkFailed          BulkStatus = "failed"
)

// ErrorKind classifies a failed bulk entry.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindProvider      ErrorKind = "provider"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// BulkResult is one template's outcome. Exactly one of CalculationID and
// Error is set.
type BulkResult struct {
	TemplateID    string           `json:"template_id"`
	CalculationID string           `json:"calculation_id,omitempty"`
	Rate          *decimal.Decimal `json:"rate,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorKind     ErrorKind        `json:"error_kind,omitempty"`
}

// Failed reports whether the entry carries an error.
func (r BulkResult) Failed() bool {
	return r.Error != ""
}

// BulkCalculation is a batch job. It owns Results; calculations are
// referenced by id.
type BulkCalculation struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	Status      BulkStatus   `json:"status"`
	TemplateIDs []string     `json:"template_ids"`
	Results     []BulkResult `json:"results"`
	CreatedBy   string       `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (b BulkCalculation) Clone() BulkCalculation {
	out := b
	out.TemplateIDs = append([]string(nil), b.TemplateIDs...)
	out.Results = make([]BulkResult, len(b.Results))
	for i, r := range b.Results {
		if r.Rate != nil {
			v := *r.Rate
			r.Rate = &v
		}
		out.Results[i] = r
	}
	return out
}

// Done reports whether the job reached a final status.
func (b BulkCalculation) Done() bool {
	switch b.Status {
	case BulkCompleted, BulkPartiallyFailed, BulkFailed:
		return true
	}
	return false
}

// =============================================================================
// ANALYTICS
// =============================================================================

// Analytics is the per-organization read model.
type Analytics struct {
	OrgID           string          `json:"org_id"`
	TotalTemplates  int             `json:"total_templates"`
	ActiveTemplates int             `json:"active_templates"`
	ByStatus        map[Status]int  `json:"by_status"`
	AverageRate     decimal.Decimal `json:"average_rate"`
	RatedTemplates  int             `json:"rated_templates"`
	RecentChanges   []History       `json:"recent_changes"`
}
