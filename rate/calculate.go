package rate

import (
	"math"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Calculate derives the charge rate:
//
//  1. totalPaidHours   = hoursPerDay x daysPerWeek x weeksPerYear
//  2. nonBillableHours = sum of flagged category days x hoursPerDay
//     (training weeks count as weeks x daysPerWeek days)
//  3. billableHours    = totalPaidHours - nonBillableHours, must be > 0
//  4. totalAnnualCost  = payRate x (1 + casual) x totalPaidHours
//     x (1 + super + workersComp + payrollTax + leaveLoading)
//     + trainingCost + otherCosts - fundingOffset
//  5. costPerBillableHour = totalAnnualCost / billableHours
//  6. chargeRate = costPerBillableHour / (1 - margin)
//
// It fails with a *ConfigurationError and never returns a clamped or
// non-finite number.
func Calculate(in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	wp := in.WorkPattern
	oc := in.OnCosts

	totalPaid := wp.HoursPerDay.Mul(wp.DaysPerWeek).Mul(wp.WeeksPerYear)

	var nb NonBillable
	if in.Billable.AnnualLeave {
		nb.AnnualLeave = wp.AnnualLeaveDays.Mul(wp.HoursPerDay)
	}
	if in.Billable.PublicHolidays {
		nb.PublicHolidays = wp.PublicHolidayDays.Mul(wp.HoursPerDay)
	}
	if in.Billable.SickLeave {
		nb.SickLeave = wp.SickLeaveDays.Mul(wp.HoursPerDay)
	}
	if in.Billable.Training {
		nb.Training = wp.TrainingWeeks.Mul(wp.DaysPerWeek).Mul(wp.HoursPerDay)
	}
	if in.Billable.AdverseWeather {
		nb.AdverseWeather = wp.AdverseWeatherDays.Mul(wp.HoursPerDay)
	}
	nonBillable := nb.Total()

	billable := totalPaid.Sub(nonBillable)
	if !billable.IsPositive() {
		return nil, &ConfigurationError{
			Field:  "billable_hours",
			Reason: "must be greater than zero (paid " + totalPaid.String() + "h, non-billable " + nonBillable.String() + "h)",
		}
	}

	payRate := in.PayRate.Mul(one.Add(oc.CasualLoading))
	multiplier := one.Add(oc.SuperRate).Add(oc.WorkersCompRate).Add(oc.PayrollTaxRate).Add(oc.LeaveLoading)
	loaded := payRate.Mul(totalPaid).Mul(multiplier)
	fixed := oc.TrainingCost.Add(oc.OtherCosts)
	total := loaded.Add(fixed).Sub(oc.FundingOffset)
	if total.IsNegative() {
		return nil, &ConfigurationError{Field: "funding_offset", Reason: "exceeds total annual cost"}
	}

	costPerHour := total.Div(billable)
	charge := costPerHour.Div(one.Sub(oc.Margin))

	return &Result{
		Rate: charge.Round(2),
		Breakdown: Breakdown{
			EffectivePayRate:    payRate,
			TotalPaidHours:      totalPaid,
			NonBillable:         nb,
			NonBillableHours:    nonBillable,
			BillableHours:       billable,
			OnCostMultiplier:    multiplier,
			LoadedWageCost:      loaded,
			FixedCosts:          fixed,
			FundingOffset:       oc.FundingOffset,
			TotalAnnualCost:     total,
			CostPerBillableHour: costPerHour,
			Margin:              oc.Margin,
			ChargeRate:          charge,
		},
		Input: in,
	}, nil
}

func validate(in Input) error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"pay_rate", in.PayRate},
		{"super_rate", in.OnCosts.SuperRate},
		{"leave_loading", in.OnCosts.LeaveLoading},
		{"workers_comp_rate", in.OnCosts.WorkersCompRate},
		{"payroll_tax_rate", in.OnCosts.PayrollTaxRate},
		{"casual_loading", in.OnCosts.CasualLoading},
		{"training_cost", in.OnCosts.TrainingCost},
		{"other_costs", in.OnCosts.OtherCosts},
		{"funding_offset", in.OnCosts.FundingOffset},
		{"margin", in.OnCosts.Margin},
		{"hours_per_day", in.WorkPattern.HoursPerDay},
		{"days_per_week", in.WorkPattern.DaysPerWeek},
		{"weeks_per_year", in.WorkPattern.WeeksPerYear},
		{"annual_leave_days", in.WorkPattern.AnnualLeaveDays},
		{"public_holiday_days", in.WorkPattern.PublicHolidayDays},
		{"sick_leave_days", in.WorkPattern.SickLeaveDays},
		{"training_weeks", in.WorkPattern.TrainingWeeks},
		{"adverse_weather_days", in.WorkPattern.AdverseWeatherDays},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return &ConfigurationError{Field: f.name, Reason: "must not be negative"}
		}
	}
	if in.OnCosts.Margin.GreaterThanOrEqual(one) {
		return &ConfigurationError{Field: "margin", Reason: "must be less than 1"}
	}
	return nil
}

// DecimalFromFloat converts a float input, rejecting NaN and infinities.
func DecimalFromFloat(field string, f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &ConfigurationError{Field: field, Reason: "must be a finite number"}
	}
	return decimal.NewFromFloat(f), nil
}
