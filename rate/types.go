/*
Package rate turns a pay rate, on-costs and a working pattern into a
billable charge rate.

PURPOSE:
  The Rate Calculation Engine. Calculate is a pure function over decimals:
  identical inputs always give an identical Result, and every intermediate
  term is kept in the Breakdown for audit. Engine adds the impure part:
  award-rate lookups through the cache with a provider timeout.

KEY CONCEPTS IN THIS FILE (types.go):
  - OnCosts: statutory multipliers, fixed annual add-ons and the margin
  - WorkPattern: paid time and the non-productive day counts
  - BillableOptions: which non-productive categories reduce billable hours
  - Breakdown / Result: the output, with every intermediate term

UNITS:
  Rates, loadings and margin are fractions (0.115 = 11.5%).
  TrainingCost, OtherCosts and FundingOffset are annual dollar amounts.
  Day counts are days; TrainingWeeks is weeks.

SEE ALSO:
  - calculate.go: The algorithm
  - engine.go: Cached award lookups
  - errors.go: Error taxonomy
*/
package rate

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// OnCosts are the employment costs layered over the pay rate.
type OnCosts struct {
	SuperRate       decimal.Decimal `json:"super_rate"`
	LeaveLoading    decimal.Decimal `json:"leave_loading"`
	WorkersCompRate decimal.Decimal `json:"workers_comp_rate"`
	PayrollTaxRate  decimal.Decimal `json:"payroll_tax_rate"`
	CasualLoading   decimal.Decimal `json:"casual_loading"`

	TrainingCost  decimal.Decimal `json:"training_cost"`
	OtherCosts    decimal.Decimal `json:"other_costs"`
	FundingOffset decimal.Decimal `json:"funding_offset"`

	// Margin is the share of the charge rate kept as profit, in [0, 1).
	Margin decimal.Decimal `json:"margin"`
}

// WorkPattern describes a worker's year.
type WorkPattern struct {
	HoursPerDay  decimal.Decimal `json:"hours_per_day"`
	DaysPerWeek  decimal.Decimal `json:"days_per_week"`
	WeeksPerYear decimal.Decimal `json:"weeks_per_year"`

	AnnualLeaveDays    decimal.Decimal `json:"annual_leave_days"`
	PublicHolidayDays  decimal.Decimal `json:"public_holiday_days"`
	SickLeaveDays      decimal.Decimal `json:"sick_leave_days"`
	TrainingWeeks      decimal.Decimal `json:"training_weeks"`
	AdverseWeatherDays decimal.Decimal `json:"adverse_weather_days"`
}

// BillableOptions flags the categories counted against billable hours.
type BillableOptions struct {
	AnnualLeave    bool `json:"annual_leave"`
	PublicHolidays bool `json:"public_holidays"`
	SickLeave      bool `json:"sick_leave"`
	Training       bool `json:"training"`
	AdverseWeather bool `json:"adverse_weather"`
}

// Input is everything Calculate needs.
type Input struct {
	PayRate     decimal.Decimal `json:"pay_rate"`
	OnCosts     OnCosts         `json:"on_costs"`
	WorkPattern WorkPattern     `json:"work_pattern"`
	Billable    BillableOptions `json:"billable"`
}

// DefaultWorkPattern is a standard 38-hour week: 7.6h x 5 days x 52 weeks,
// 20 days annual leave, 10 public holidays, 10 sick days.
func DefaultWorkPattern() WorkPattern {
	return WorkPattern{
		HoursPerDay:       decimal.RequireFromString("7.6"),
		DaysPerWeek:       decimal.NewFromInt(5),
		WeeksPerYear:      decimal.NewFromInt(52),
		AnnualLeaveDays:   decimal.NewFromInt(20),
		PublicHolidayDays: decimal.NewFromInt(10),
		SickLeaveDays:     decimal.NewFromInt(10),
	}
}

// DefaultBillableOptions deducts leave, holidays and sick days.
func DefaultBillableOptions() BillableOptions {
	return BillableOptions{AnnualLeave: true, PublicHolidays: true, SickLeave: true}
}

// =============================================================================
// OUTPUT
// =============================================================================

// NonBillable holds the hours deducted per category. Unflagged categories
// are zero.
type NonBillable struct {
	AnnualLeave    decimal.Decimal `json:"annual_leave"`
	PublicHolidays decimal.Decimal `json:"public_holidays"`
	SickLeave      decimal.Decimal `json:"sick_leave"`
	Training       decimal.Decimal `json:"training"`
	AdverseWeather decimal.Decimal `json:"adverse_weather"`
}

// Total sums every category.
func (n NonBillable) Total() decimal.Decimal {
	return n.AnnualLeave.Add(n.PublicHolidays).Add(n.SickLeave).Add(n.Training).Add(n.AdverseWeather)
}

// Breakdown keeps each step of the calculation.
type Breakdown struct {
	EffectivePayRate    decimal.Decimal `json:"effective_pay_rate"`
	TotalPaidHours      decimal.Decimal `json:"total_paid_hours"`
	NonBillable         NonBillable     `json:"non_billable"`
	NonBillableHours    decimal.Decimal `json:"non_billable_hours"`
	BillableHours       decimal.Decimal `json:"billable_hours"`
	OnCostMultiplier    decimal.Decimal `json:"on_cost_multiplier"`
	LoadedWageCost      decimal.Decimal `json:"loaded_wage_cost"`
	FixedCosts          decimal.Decimal `json:"fixed_costs"`
	FundingOffset       decimal.Decimal `json:"funding_offset"`
	TotalAnnualCost     decimal.Decimal `json:"total_annual_cost"`
	CostPerBillableHour decimal.Decimal `json:"cost_per_billable_hour"`
	Margin              decimal.Decimal `json:"margin"`
	ChargeRate          decimal.Decimal `json:"charge_rate"`
}

// Result is a finished calculation. Rate is ChargeRate rounded to cents.
type Result struct {
	Rate      decimal.Decimal `json:"rate"`
	Breakdown Breakdown       `json:"breakdown"`
	Input     Input           `json:"input"`
}
