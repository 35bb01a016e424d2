package factory

import "fmt"

// =============================================================================
// PRESET BUILDERS
// =============================================================================

// StandardTemplateJSON is a permanent full-time employee on the standard
// 38-hour week with the usual statutory on-costs.
func StandardTemplateJSON(name string, baseRate, margin float64) string {
	return fmt.Sprintf(`{
		"name": %q,
		"base_rate": %g,
		"base_margin": %g,
		"on_costs": {
			"super_rate": 0.115,
			"leave_loading": 0.0135,
			"workers_comp_rate": 0.02,
			"payroll_tax_rate": 0.0485
		},
		"work_pattern": {"preset": "standard_38"},
		"billable": ["annual_leave", "public_holidays", "sick_leave"]
	}`, name, baseRate, margin)
}

// CasualTemplateJSON is a casual employee. The casual loading replaces
// leave entitlements, so no time is deducted as non-billable.
func CasualTemplateJSON(name string, baseRate, margin float64) string {
	return fmt.Sprintf(`{
		"name": %q,
		"base_rate": %g,
		"base_margin": %g,
		"on_costs": {
			"super_rate": 0.115,
			"workers_comp_rate": 0.02,
			"payroll_tax_rate": 0.0485,
			"casual_loading": 0.25
		},
		"work_pattern": {
			"preset": "full_time_40",
			"annual_leave_days": 0,
			"sick_leave_days": 0
		},
		"billable": ["public_holidays"]
	}`, name, baseRate, margin)
}

// AwardTemplateJSON takes its pay rate from an award classification.
// Training days and adverse weather days are non-billable and training
// carries a fixed annual cost.
func AwardTemplateJSON(name, awardCode, classificationCode string, margin float64) string {
	return fmt.Sprintf(`{
		"name": %q,
		"base_rate": 0,
		"base_margin": %g,
		"on_costs": {
			"super_rate": 0.115,
			"workers_comp_rate": 0.035,
			"payroll_tax_rate": 0.0485,
			"training_cost_rate": 1500
		},
		"award": {"award_code": %q, "classification_code": %q},
		"work_pattern": {
			"preset": "standard_38",
			"training_weeks": 2,
			"adverse_weather_days": 5
		},
		"billable": ["annual_leave", "public_holidays", "sick_leave", "training", "adverse_weather"]
	}`, name, margin, awardCode, classificationCode)
}
