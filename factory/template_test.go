package factory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rate-engine/factory"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/store/memory"
	"github.com/warp/rate-engine/template"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseTemplate_Standard(t *testing.T) {
	f := factory.NewTemplateFactory()

	in, err := f.ParseTemplate("org-1", "alice", factory.StandardTemplateJSON("Standard", 30, 0.2))
	require.NoError(t, err)

	assert.Equal(t, "org-1", in.OrgID)
	assert.Equal(t, "Standard", in.Name)
	assert.Equal(t, "alice", in.Actor)
	assert.True(t, in.BaseRate.Equal(d("30")))
	assert.True(t, in.BaseMargin.Equal(d("0.2")))
	assert.True(t, in.SuperRate.Equal(d("0.115")))
	require.NotNil(t, in.WorkPattern)
	assert.Equal(t, rate.DefaultWorkPattern(), *in.WorkPattern)
	assert.Equal(t, rate.BillableOptions{AnnualLeave: true, PublicHolidays: true, SickLeave: true}, *in.Billable)
	assert.Empty(t, in.AwardCode)
}

func TestParseTemplate_PatternOverrides(t *testing.T) {
	f := factory.NewTemplateFactory()

	in, err := f.ParseTemplate("org-1", "a", factory.CasualTemplateJSON("Casual", 28, 0.15))
	require.NoError(t, err)

	wp := in.WorkPattern
	assert.True(t, wp.HoursPerDay.Equal(d("8")), "from the full_time_40 preset")
	assert.True(t, wp.AnnualLeaveDays.IsZero(), "overridden")
	assert.True(t, wp.PublicHolidayDays.Equal(d("10")), "kept from the preset")
	assert.True(t, in.CasualLoading.Equal(d("0.25")))
}

func TestParseTemplate_Award(t *testing.T) {
	f := factory.NewTemplateFactory()

	in, err := f.ParseTemplate("org-1", "a", factory.AwardTemplateJSON("Carpenter", "MA000020", "CW3", 0.2))
	require.NoError(t, err)

	assert.Equal(t, "MA000020", in.AwardCode)
	assert.Equal(t, "CW3", in.ClassificationCode)
	assert.True(t, in.WorkPattern.TrainingWeeks.Equal(d("2")))
	assert.True(t, in.Billable.Training)
	assert.True(t, in.TrainingCostRate.Equal(d("1500")))
}

func TestParseTemplate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"bad json", `{"name":`, "template"},
		{"unknown preset", `{"name":"x","work_pattern":{"preset":"four_day"}}`, "work_pattern.preset"},
		{"unknown billable", `{"name":"x","billable":["holidays"]}`, "billable"},
		{"bad date", `{"name":"x","effective_from":"01/07/2025"}`, "effective_from"},
	}

	f := factory.NewTemplateFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTemplate("org-1", "a", tt.json)

			var cfgErr *rate.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	// GIVEN: a stored template
	from := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	wp := rate.DefaultWorkPattern()
	tpl := template.Template{
		Name:               "Award",
		BaseRate:           d("25"),
		BaseMargin:         d("0.18"),
		SuperRate:          d("0.115"),
		AwardCode:          "MA000010",
		ClassificationCode: "L3",
		WorkPattern:        &wp,
		Billable:           &rate.BillableOptions{SickLeave: true, AnnualLeave: true},
		EffectiveFrom:      &from,
	}
	f := factory.NewTemplateFactory()

	// WHEN: it is exported and imported again
	raw, err := json.Marshal(f.ToJSON(tpl))
	require.NoError(t, err)
	in, err := f.ParseTemplate("org-1", "a", string(raw))
	require.NoError(t, err)

	// THEN
	assert.Equal(t, []string{"annual_leave", "sick_leave"}, f.ToJSON(tpl).Billable)
	assert.True(t, in.BaseMargin.Equal(d("0.18")))
	assert.Equal(t, "L3", in.ClassificationCode)
	assert.True(t, in.WorkPattern.HoursPerDay.Equal(d("7.6")))
	assert.Equal(t, *tpl.Billable, *in.Billable)
	require.NotNil(t, in.EffectiveFrom)
	assert.True(t, in.EffectiveFrom.Equal(from))
}

func TestPresets_CreateAndCalculate(t *testing.T) {
	// GIVEN: every non-award preset imported into the service
	svc := template.NewService(memory.New(), rate.NewEngine(nil, nil))
	f := factory.NewTemplateFactory()
	ctx := context.Background()

	for _, js := range []string{
		factory.StandardTemplateJSON("Standard", 30, 0.2),
		factory.CasualTemplateJSON("Casual", 30, 0.2),
	} {
		in, err := f.ParseTemplate("org-1", "seed", js)
		require.NoError(t, err)

		// WHEN
		tpl, err := svc.Create(ctx, *in)
		require.NoError(t, err)
		calc, err := svc.CalculateRate(ctx, tpl.ID)

		// THEN
		require.NoError(t, err)
		assert.True(t, calc.Result.Rate.GreaterThan(d("30")), tpl.Name)
	}
}
