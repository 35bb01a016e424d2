package template

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// applyPatch merges p into t and returns the merged template with the
// fields that actually changed.
func applyPatch(t Template, p Patch) (Template, map[string]Change) {
	changes := make(map[string]Change)

	if p.Name != nil && *p.Name != t.Name {
		changes["name"] = Change{From: t.Name, To: *p.Name}
		t.Name = *p.Name
	}

	setDecimal(changes, "base_rate", &t.BaseRate, p.BaseRate)
	setDecimal(changes, "base_margin", &t.BaseMargin, p.BaseMargin)
	setDecimal(changes, "super_rate", &t.SuperRate, p.SuperRate)
	setDecimal(changes, "leave_loading", &t.LeaveLoading, p.LeaveLoading)
	setDecimal(changes, "workers_comp_rate", &t.WorkersCompRate, p.WorkersCompRate)
	setDecimal(changes, "payroll_tax_rate", &t.PayrollTaxRate, p.PayrollTaxRate)
	setDecimal(changes, "training_cost_rate", &t.TrainingCostRate, p.TrainingCostRate)
	setDecimal(changes, "other_costs_rate", &t.OtherCostsRate, p.OtherCostsRate)
	setDecimal(changes, "funding_offset", &t.FundingOffset, p.FundingOffset)
	setDecimal(changes, "casual_loading", &t.CasualLoading, p.CasualLoading)

	if p.AwardCode != nil && *p.AwardCode != t.AwardCode {
		changes["award_code"] = Change{From: t.AwardCode, To: *p.AwardCode}
		t.AwardCode = *p.AwardCode
	}
	if p.ClassificationCode != nil && *p.ClassificationCode != t.ClassificationCode {
		changes["classification_code"] = Change{From: t.ClassificationCode, To: *p.ClassificationCode}
		t.ClassificationCode = *p.ClassificationCode
	}

	if p.WorkPattern != nil && (t.WorkPattern == nil || !sameJSON(*t.WorkPattern, *p.WorkPattern)) {
		wp := *p.WorkPattern
		changes["work_pattern"] = Change{From: t.WorkPattern, To: &wp}
		t.WorkPattern = &wp
	}
	if p.Billable != nil && (t.Billable == nil || *t.Billable != *p.Billable) {
		b := *p.Billable
		changes["billable"] = Change{From: t.Billable, To: &b}
		t.Billable = &b
	}

	setTime(changes, "effective_from", &t.EffectiveFrom, p.EffectiveFrom)
	setTime(changes, "effective_to", &t.EffectiveTo, p.EffectiveTo)

	return t, changes
}

func setDecimal(changes map[string]Change, name string, dst *decimal.Decimal, v *decimal.Decimal) {
	if v == nil || dst.Equal(*v) {
		return
	}
	changes[name] = Change{From: dst.String(), To: v.String()}
	*dst = *v
}

func setTime(changes map[string]Change, name string, dst **time.Time, v *time.Time) {
	if v == nil || (*dst != nil && (*dst).Equal(*v)) {
		return
	}
	nv := *v
	changes[name] = Change{From: *dst, To: nv}
	*dst = &nv
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
