package template

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/rate-engine/rate"
)

// =============================================================================
// INPUTS - Create and patch payloads
// =============================================================================

// NewTemplate is the payload for Create. The template starts as draft.
type NewTemplate struct {
	OrgID string `json:"org_id" validate:"required,max=64"`
	Name  string `json:"name" validate:"required,max=200"`

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

	AwardCode          string                `json:"award_code" validate:"omitempty,max=32"`
	ClassificationCode string                `json:"classification_code" validate:"omitempty,max=32"`
	WorkPattern        *rate.WorkPattern     `json:"work_pattern"`
	Billable           *rate.BillableOptions `json:"billable"`

	EffectiveFrom *time.Time `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to"`

	Actor string `json:"actor" validate:"required"`
}

// Patch lists the fields Update may change. Nil fields are left alone.
// ExpectedVersion is the version the caller read.
type Patch struct {
	ExpectedVersion int    `json:"expected_version" validate:"required,min=1"`
	Actor           string `json:"actor" validate:"required"`

	Name *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`

	BaseRate         *decimal.Decimal `json:"base_rate,omitempty"`
	BaseMargin       *decimal.Decimal `json:"base_margin,omitempty"`
	SuperRate        *decimal.Decimal `json:"super_rate,omitempty"`
	LeaveLoading     *decimal.Decimal `json:"leave_loading,omitempty"`
	WorkersCompRate  *decimal.Decimal `json:"workers_comp_rate,omitempty"`
	PayrollTaxRate   *decimal.Decimal `json:"payroll_tax_rate,omitempty"`
	TrainingCostRate *decimal.Decimal `json:"training_cost_rate,omitempty"`
	OtherCostsRate   *decimal.Decimal `json:"other_costs_rate,omitempty"`
	FundingOffset    *decimal.Decimal `json:"funding_offset,omitempty"`
	CasualLoading    *decimal.Decimal `json:"casual_loading,omitempty"`

	AwardCode          *string               `json:"award_code,omitempty" validate:"omitempty,max=32"`
	ClassificationCode *string               `json:"classification_code,omitempty" validate:"omitempty,max=32"`
	WorkPattern        *rate.WorkPattern     `json:"work_pattern,omitempty"`
	Billable           *rate.BillableOptions `json:"billable,omitempty"`

	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil &&
		p.BaseRate == nil && p.BaseMargin == nil && p.SuperRate == nil &&
		p.LeaveLoading == nil && p.WorkersCompRate == nil && p.PayrollTaxRate == nil &&
		p.TrainingCostRate == nil && p.OtherCostsRate == nil && p.FundingOffset == nil &&
		p.CasualLoading == nil && p.AwardCode == nil && p.ClassificationCode == nil &&
		p.WorkPattern == nil && p.Billable == nil &&
		p.EffectiveFrom == nil && p.EffectiveTo == nil
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = Validator()

// Validator returns a validator that reports fields by their JSON names.
func Validator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs the struct tags and reports the first failure as a
// *rate.ConfigurationError.
func checkStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &rate.ConfigurationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " validation"}
	}
	return &rate.ConfigurationError{Field: "input", Reason: err.Error()}
}

// checkTemplate enforces the numeric rules on a merged template.
func checkTemplate(t Template) error {
	numeric := []struct {
		name  string
		value decimal.Decimal
	}{
		{"base_rate", t.BaseRate},
		{"base_margin", t.BaseMargin},
		{"super_rate", t.SuperRate},
		{"leave_loading", t.LeaveLoading},
		{"workers_comp_rate", t.WorkersCompRate},
		{"payroll_tax_rate", t.PayrollTaxRate},
		{"training_cost_rate", t.TrainingCostRate},
		{"other_costs_rate", t.OtherCostsRate},
		{"funding_offset", t.FundingOffset},
		{"casual_loading", t.CasualLoading},
	}
	for _, f := range numeric {
		if f.value.IsNegative() {
			return &rate.ConfigurationError{Field: f.name, Reason: "must not be negative"}
		}
	}
	if t.BaseMargin.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &rate.ConfigurationError{Field: "base_margin", Reason: "must be less than 1"}
	}
	if (t.AwardCode == "") != (t.ClassificationCode == "") {
		return &rate.ConfigurationError{Field: "classification_code", Reason: "award and classification codes go together"}
	}
	if t.AwardCode == "" && !t.BaseRate.IsPositive() {
		return &rate.ConfigurationError{Field: "base_rate", Reason: "must be positive when no award is set"}
	}
	if t.EffectiveFrom != nil && t.EffectiveTo != nil && !t.EffectiveTo.After(*t.EffectiveFrom) {
		return &rate.ConfigurationError{Field: "effective_to", Reason: "must be after effective_from"}
	}
	if t.WorkPattern != nil {
		// A throwaway calculation catches negative counts and empty years.
		if _, err := rate.Calculate(rate.Input{
			PayRate:     decimal.NewFromInt(1),
			WorkPattern: *t.WorkPattern,
			Billable:    billableOrDefault(t.Billable),
		}); err != nil {
			return err
		}
	}
	return nil
}

func billableOrDefault(b *rate.BillableOptions) rate.BillableOptions {
	if b == nil {
		return rate.DefaultBillableOptions()
	}
	return *b
}
