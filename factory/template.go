/*
Package factory provides JSON to Go rate template conversion.

PURPOSE:
  Converts JSON template definitions into template.NewTemplate payloads, and
  stored templates back into JSON. Pricing teams can keep template
  definitions in version control or an admin UI and import them without
  code changes.

JSON SCHEMA:
  {
    "name": "Standard Labour Hire",
    "base_rate": 30,
    "base_margin": 0.2,
    "on_costs": {
      "super_rate": 0.115,
      "workers_comp_rate": 0.02,
      "payroll_tax_rate": 0.0485
    },
    "award": {"award_code": "MA000010", "classification_code": "L3"},
    "work_pattern": {"preset": "standard_38", "annual_leave_days": 20},
    "billable": ["annual_leave", "public_holidays", "sick_leave"],
    "effective_from": "2025-07-01"
  }

KEY FEATURES:
  - Work pattern presets with per-field overrides
  - Billable categories listed by name
  - Dates as YYYY-MM-DD
  - Unknown presets and categories are configuration errors

USAGE:
  f := factory.NewTemplateFactory()
  in, err := f.ParseTemplate("org-1", "alice", factory.StandardTemplateJSON("Standard", 30, 0.2))
  tpl, err := svc.Create(ctx, *in)

SEE ALSO:
  - factory/presets.go: Preset JSON builders
  - template/input.go: NewTemplate payload
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/template"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TemplateJSON is the JSON representation of a rate template.
type TemplateJSON struct {
	Name        string          `json:"name"`
	BaseRate    decimal.Decimal `json:"base_rate"`
	BaseMargin  decimal.Decimal `json:"base_margin"`
	OnCosts     *OnCostsJSON    `json:"on_costs,omitempty"`
	Award       *AwardJSON      `json:"award,omitempty"`
	WorkPattern *PatternJSON    `json:"work_pattern,omitempty"`
	Billable    []string        `json:"billable,omitempty"` // category names, see billableCategories
	From        string          `json:"effective_from,omitempty"`
	To          string          `json:"effective_to,omitempty"`
}

// OnCostsJSON groups the percentage and per-hour on-costs.
type OnCostsJSON struct {
	SuperRate        decimal.Decimal `json:"super_rate"`
	LeaveLoading     decimal.Decimal `json:"leave_loading"`
	WorkersCompRate  decimal.Decimal `json:"workers_comp_rate"`
	PayrollTaxRate   decimal.Decimal `json:"payroll_tax_rate"`
	TrainingCostRate decimal.Decimal `json:"training_cost_rate"`
	OtherCostsRate   decimal.Decimal `json:"other_costs_rate"`
	FundingOffset    decimal.Decimal `json:"funding_offset"`
	CasualLoading    decimal.Decimal `json:"casual_loading"`
}

// AwardJSON sources the pay rate from the award-rules provider.
type AwardJSON struct {
	AwardCode          string `json:"award_code"`
	ClassificationCode string `json:"classification_code"`
}

// PatternJSON picks a preset and overrides individual fields.
type PatternJSON struct {
	Preset             string           `json:"preset,omitempty"` // standard_38, full_time_40, part_time_3day
	HoursPerDay        *decimal.Decimal `json:"hours_per_day,omitempty"`
	DaysPerWeek        *decimal.Decimal `json:"days_per_week,omitempty"`
	WeeksPerYear       *decimal.Decimal `json:"weeks_per_year,omitempty"`
	AnnualLeaveDays    *decimal.Decimal `json:"annual_leave_days,omitempty"`
	PublicHolidayDays  *decimal.Decimal `json:"public_holiday_days,omitempty"`
	SickLeaveDays      *decimal.Decimal `json:"sick_leave_days,omitempty"`
	TrainingWeeks      *decimal.Decimal `json:"training_weeks,omitempty"`
	AdverseWeatherDays *decimal.Decimal `json:"adverse_weather_days,omitempty"`
}

const dateLayout = "2006-01-02"

// =============================================================================
// TEMPLATE FACTORY
// =============================================================================

// TemplateFactory converts JSON templates to create payloads.
type TemplateFactory struct{}

// NewTemplateFactory creates a new template factory.
func NewTemplateFactory() *TemplateFactory {
	return &TemplateFactory{}
}

// ParseTemplate parses a JSON string into a create payload for orgID.
func (f *TemplateFactory) ParseTemplate(orgID, actor, jsonStr string) (*template.NewTemplate, error) {
	var tj TemplateJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return nil, &rate.ConfigurationError{Field: "template", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return f.FromJSON(orgID, actor, tj)
}

// FromJSON converts TemplateJSON to a create payload.
func (f *TemplateFactory) FromJSON(orgID, actor string, tj TemplateJSON) (*template.NewTemplate, error) {
	in := &template.NewTemplate{
		OrgID:      orgID,
		Name:       tj.Name,
		BaseRate:   tj.BaseRate,
		BaseMargin: tj.BaseMargin,
		Actor:      actor,
	}

	if oc := tj.OnCosts; oc != nil {
		in.SuperRate = oc.SuperRate
		in.LeaveLoading = oc.LeaveLoading
		in.WorkersCompRate = oc.WorkersCompRate
		in.PayrollTaxRate = oc.PayrollTaxRate
		in.TrainingCostRate = oc.TrainingCostRate
		in.OtherCostsRate = oc.OtherCostsRate
		in.FundingOffset = oc.FundingOffset
		in.CasualLoading = oc.CasualLoading
	}

	if tj.Award != nil {
		in.AwardCode = tj.Award.AwardCode
		in.ClassificationCode = tj.Award.ClassificationCode
	}

	if tj.WorkPattern != nil {
		wp, err := parsePattern(*tj.WorkPattern)
		if err != nil {
			return nil, err
		}
		in.WorkPattern = &wp
	}

	if tj.Billable != nil {
		b, err := parseBillable(tj.Billable)
		if err != nil {
			return nil, err
		}
		in.Billable = &b
	}

	var err error
	if in.EffectiveFrom, err = parseDate("effective_from", tj.From); err != nil {
		return nil, err
	}
	if in.EffectiveTo, err = parseDate("effective_to", tj.To); err != nil {
		return nil, err
	}

	return in, nil
}

// ToJSON converts a stored template to TemplateJSON. The work pattern is
// written out field by field, without a preset.
func (f *TemplateFactory) ToJSON(t template.Template) TemplateJSON {
	tj := TemplateJSON{
		Name:       t.Name,
		BaseRate:   t.BaseRate,
		BaseMargin: t.BaseMargin,
		OnCosts: &OnCostsJSON{
			SuperRate:        t.SuperRate,
			LeaveLoading:     t.LeaveLoading,
			WorkersCompRate:  t.WorkersCompRate,
			PayrollTaxRate:   t.PayrollTaxRate,
			TrainingCostRate: t.TrainingCostRate,
			OtherCostsRate:   t.OtherCostsRate,
			FundingOffset:    t.FundingOffset,
			CasualLoading:    t.CasualLoading,
		},
	}

	if t.AwardCode != "" {
		tj.Award = &AwardJSON{AwardCode: t.AwardCode, ClassificationCode: t.ClassificationCode}
	}

	if wp := t.WorkPattern; wp != nil {
		tj.WorkPattern = &PatternJSON{
			HoursPerDay:        ptr(wp.HoursPerDay),
			DaysPerWeek:        ptr(wp.DaysPerWeek),
			WeeksPerYear:       ptr(wp.WeeksPerYear),
			AnnualLeaveDays:    ptr(wp.AnnualLeaveDays),
			PublicHolidayDays:  ptr(wp.PublicHolidayDays),
			SickLeaveDays:      ptr(wp.SickLeaveDays),
			TrainingWeeks:      ptr(wp.TrainingWeeks),
			AdverseWeatherDays: ptr(wp.AdverseWeatherDays),
		}
	}

	if t.Billable != nil {
		tj.Billable = billableNames(*t.Billable)
	}

	if t.EffectiveFrom != nil {
		tj.From = t.EffectiveFrom.Format(dateLayout)
	}
	if t.EffectiveTo != nil {
		tj.To = t.EffectiveTo.Format(dateLayout)
	}

	return tj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// PatternPresets lists the named work patterns.
func PatternPresets() map[string]rate.WorkPattern {
	return map[string]rate.WorkPattern{
		"standard_38": rate.DefaultWorkPattern(),
		"full_time_40": {
			HoursPerDay:       decimal.NewFromInt(8),
			DaysPerWeek:       decimal.NewFromInt(5),
			WeeksPerYear:      decimal.NewFromInt(52),
			AnnualLeaveDays:   decimal.NewFromInt(20),
			PublicHolidayDays: decimal.NewFromInt(10),
			SickLeaveDays:     decimal.NewFromInt(10),
		},
		// Leave entitlements pro rata to three days a week.
		"part_time_3day": {
			HoursPerDay:       decimal.RequireFromString("7.6"),
			DaysPerWeek:       decimal.NewFromInt(3),
			WeeksPerYear:      decimal.NewFromInt(52),
			AnnualLeaveDays:   decimal.NewFromInt(12),
			PublicHolidayDays: decimal.NewFromInt(6),
			SickLeaveDays:     decimal.NewFromInt(6),
		},
	}
}

func parsePattern(pj PatternJSON) (rate.WorkPattern, error) {
	preset := pj.Preset
	if preset == "" {
		preset = "standard_38"
	}
	wp, ok := PatternPresets()[preset]
	if !ok {
		return rate.WorkPattern{}, &rate.ConfigurationError{
			Field:  "work_pattern.preset",
			Reason: fmt.Sprintf("unknown preset %q", pj.Preset),
		}
	}

	override := func(dst *decimal.Decimal, v *decimal.Decimal) {
		if v != nil {
			*dst = *v
		}
	}
	override(&wp.HoursPerDay, pj.HoursPerDay)
	override(&wp.DaysPerWeek, pj.DaysPerWeek)
	override(&wp.WeeksPerYear, pj.WeeksPerYear)
	override(&wp.AnnualLeaveDays, pj.AnnualLeaveDays)
	override(&wp.PublicHolidayDays, pj.PublicHolidayDays)
	override(&wp.SickLeaveDays, pj.SickLeaveDays)
	override(&wp.TrainingWeeks, pj.TrainingWeeks)
	override(&wp.AdverseWeatherDays, pj.AdverseWeatherDays)
	return wp, nil
}

var billableCategories = map[string]func(*rate.BillableOptions) *bool{
	"annual_leave":    func(b *rate.BillableOptions) *bool { return &b.AnnualLeave },
	"public_holidays": func(b *rate.BillableOptions) *bool { return &b.PublicHolidays },
	"sick_leave":      func(b *rate.BillableOptions) *bool { return &b.SickLeave },
	"training":        func(b *rate.BillableOptions) *bool { return &b.Training },
	"adverse_weather": func(b *rate.BillableOptions) *bool { return &b.AdverseWeather },
}

func parseBillable(names []string) (rate.BillableOptions, error) {
	var b rate.BillableOptions
	for _, name := range names {
		field, ok := billableCategories[name]
		if !ok {
			return b, &rate.ConfigurationError{Field: "billable", Reason: fmt.Sprintf("unknown category %q", name)}
		}
		*field(&b) = true
	}
	return b, nil
}

func billableNames(b rate.BillableOptions) []string {
	names := []string{}
	for name, field := range billableCategories {
		if *field(&b) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, &rate.ConfigurationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return &t, nil
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
