package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/store/sqlite"
	"github.com/warp/rate-engine/template"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleTemplate(id string) template.Template {
	from := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	return template.Template{
		ID:                 id,
		OrgID:              "org-1",
		Name:               "Standard",
		BaseRate:           d("30.50"),
		BaseMargin:         d("0.2"),
		SuperRate:          d("0.115"),
		WorkersCompRate:    d("0.02"),
		PayrollTaxRate:     d("0.0485"),
		AwardCode:          "MA000010",
		ClassificationCode: "L3",
		WorkPattern:        &rate.WorkPattern{HoursPerDay: d("7.6"), DaysPerWeek: d("5"), WeeksPerYear: d("52")},
		Billable:           &rate.BillableOptions{AnnualLeave: true},
		EffectiveFrom:      &from,
		Status:             template.StatusDraft,
		Version:            1,
		CreatedBy:          "alice",
		UpdatedBy:          "alice",
		CreatedAt:          time.Date(2025, 6, 1, 9, 30, 0, 123000000, time.UTC),
		UpdatedAt:          time.Date(2025, 6, 1, 9, 30, 0, 123000000, time.UTC),
	}
}

func TestSQLite_TemplateRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	in := sampleTemplate("t1")

	require.NoError(t, s.CreateTemplate(ctx, in))
	got, err := s.GetTemplate(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, got.BaseRate.Equal(d("30.50")))
	assert.True(t, got.PayrollTaxRate.Equal(d("0.0485")))
	assert.True(t, got.FundingOffset.IsZero())
	assert.Equal(t, "L3", got.ClassificationCode)
	require.NotNil(t, got.WorkPattern)
	assert.True(t, got.WorkPattern.HoursPerDay.Equal(d("7.6")))
	assert.Equal(t, rate.BillableOptions{AnnualLeave: true}, *got.Billable)
	require.NotNil(t, got.EffectiveFrom)
	assert.True(t, got.EffectiveFrom.Equal(*in.EffectiveFrom))
	assert.Nil(t, got.EffectiveTo)
	assert.True(t, got.CreatedAt.Equal(in.CreatedAt), "timestamps keep sub-second precision")

	missing, err := s.GetTemplate(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_UpdateTemplateCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTemplate(ctx, sampleTemplate("t1")))

	next := sampleTemplate("t1")
	next.Version = 2
	next.BaseRate = d("31")
	require.NoError(t, s.UpdateTemplate(ctx, next, 1))

	// WHEN: a stale writer still expects version 1
	err := s.UpdateTemplate(ctx, next, 1)

	// THEN
	var conflict *rate.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.ExpectedVersion)
	assert.Equal(t, 2, conflict.ActualVersion)

	got, err := s.GetTemplate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.BaseRate.Equal(d("31")))

	err = s.UpdateTemplate(ctx, sampleTemplate("missing"), 1)
	assert.True(t, rate.IsNotFound(err))
}

func TestSQLite_OneActivePerName(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := sampleTemplate("a")
	a.Status = template.StatusActive
	require.NoError(t, s.CreateTemplate(ctx, a))
	require.NoError(t, s.CreateTemplate(ctx, sampleTemplate("b")))

	// WHEN: the second template with the same name is made active
	b := sampleTemplate("b")
	b.Status = template.StatusActive
	b.Version = 2
	err := s.UpdateTemplate(ctx, b, 1)

	// THEN
	var cfgErr *rate.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "name", cfgErr.Field)

	active, err := s.FindActive(ctx, "org-1", "Standard")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "a", active.ID)
}

func TestSQLite_ListActive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: active templates in two orgs and one draft
	b := sampleTemplate("b")
	b.OrgID = "org-2"
	b.Status = template.StatusActive
	a := sampleTemplate("a")
	a.Status = template.StatusActive
	draft := sampleTemplate("c")
	draft.Name = "Draft"
	for _, tpl := range []template.Template{b, a, draft} {
		require.NoError(t, s.CreateTemplate(ctx, tpl))
	}

	// WHEN
	active, err := s.ListActive(ctx)

	// THEN: only active rows, ordered by org
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
}

func TestSQLite_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTemplate(ctx, sampleTemplate("t1")))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx template.Store) error {
		next := sampleTemplate("t1")
		next.Version = 2
		if err := tx.UpdateTemplate(ctx, next, 1); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, template.History{ID: "h1", TemplateID: "t1", OrgID: "org-1", Version: 2, Actor: "x"}); err != nil {
			return err
		}
		got, err := tx.GetTemplate(ctx, "t1")
		if err != nil {
			return err
		}
		if got.Version != 2 {
			return errors.New("write not visible inside the transaction")
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	got, err := s.GetTemplate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	hist, err := s.ListHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSQLite_History(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.AppendHistory(ctx, template.History{
			ID:         "h" + string(rune('0'+i)),
			TemplateID: "t1",
			OrgID:      "org-1",
			Action:     template.ActionUpdated,
			Version:    i,
			Changes:    map[string]template.Change{"base_rate": {From: "30", To: "31"}},
			Actor:      "bob",
			Timestamp:  ts,
		}))
	}

	all, err := s.ListHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 1, all[0].Version)
	assert.Equal(t, template.Change{From: "30", To: "31"}, all[0].Changes["base_rate"])

	recent, err := s.RecentHistory(ctx, "org-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[0].Version)
	assert.Equal(t, 3, recent[1].Version)
}

func TestSQLite_Calculations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	res, err := rate.Calculate(rate.Input{
		PayRate:     d("30"),
		OnCosts:     rate.OnCosts{SuperRate: d("0.115"), Margin: d("0.2")},
		WorkPattern: rate.DefaultWorkPattern(),
		Billable:    rate.DefaultBillableOptions(),
	})
	require.NoError(t, err)

	for i, id := range []string{"c1", "c2"} {
		require.NoError(t, s.SaveCalculation(ctx, template.Calculation{
			ID:              id,
			TemplateID:      "t1",
			TemplateVersion: i + 1,
			Inputs:          res.Input,
			Result:          *res,
			CreatedAt:       time.Now(),
		}))
	}

	latest, err := s.LatestCalculation(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "c2", latest.ID)
	assert.True(t, latest.Result.Rate.Equal(res.Rate))
	assert.True(t, latest.Inputs.PayRate.Equal(d("30")))

	none, err := s.LatestCalculation(ctx, "t9")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_Bulk(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := d("49.38")

	job := template.BulkCalculation{
		ID:          "b1",
		OrgID:       "org-1",
		Status:      template.BulkRunning,
		TemplateIDs: []string{"t1", "t2"},
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	require.NoError(t, s.SaveBulk(ctx, job))
	require.NoError(t, s.SaveBulk(ctx, template.BulkCalculation{ID: "b2", OrgID: "org-1", Status: template.BulkPending, TemplateIDs: []string{"t2"}, CreatedAt: base.Add(time.Minute), UpdatedAt: base}))

	// WHEN: the first job finishes
	job.Status = template.BulkPartiallyFailed
	job.Results = []template.BulkResult{
		{TemplateID: "t1", CalculationID: "c1", Rate: &r},
		{TemplateID: "t2", Error: "award provider timeout", ErrorKind: template.KindProvider},
	}
	require.NoError(t, s.SaveBulk(ctx, job))

	// THEN
	got, err := s.GetBulk(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, template.BulkPartiallyFailed, got.Status)
	require.Len(t, got.Results, 2)
	assert.True(t, got.Results[0].Rate.Equal(r))
	assert.Equal(t, template.KindProvider, got.Results[1].ErrorKind)

	list, err := s.ListBulk(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].ID)

	refs, err := s.BulkReferences(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, refs)

	missing, err := s.GetBulk(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_ServiceLifecycle(t *testing.T) {
	// GIVEN: the template service on top of SQLite
	s := newStore(t)
	svc := template.NewService(s, rate.NewEngine(nil, nil))
	ctx := context.Background()

	newTpl := func() *template.Template {
		tpl, err := svc.Create(ctx, template.NewTemplate{
			OrgID:    "org-1",
			Name:     "Standard",
			BaseRate: d("30"),
			Actor:    "alice",
		})
		require.NoError(t, err)
		return tpl
	}
	first, second := newTpl(), newTpl()

	// WHEN
	_, err := svc.UpdateStatus(ctx, first.ID, template.StatusActive, "admin")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, second.ID, template.StatusActive, "admin")
	require.NoError(t, err)

	// THEN: the transaction archived the first before activating the second
	prev, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, template.StatusArchived, prev.Status)

	hist, err := svc.GetHistory(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, first.ID, hist[1].Changes["supersedes"].To)

	calc, err := svc.CalculateRate(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, calc.Result.Rate.IsPositive())
}

func TestSQLite_BulkFinishesAfterCancel(t *testing.T) {
	// GIVEN: a provider whose lookup cancels the caller's request
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := award.ProviderFunc(func(context.Context, string, string, time.Time) (award.Rate, error) {
		cancel()
		return award.Rate{}, errors.New("connection reset")
	})
	svc := template.NewService(s, rate.NewEngine(nil, provider))

	tpl, err := svc.Create(context.Background(), template.NewTemplate{
		OrgID:              "org-1",
		Name:               "Award",
		BaseRate:           d("30"),
		AwardCode:          "MA000010",
		ClassificationCode: "L3",
		Actor:              "alice",
	})
	require.NoError(t, err)

	// WHEN
	job, err := svc.CreateBulkCalculation(ctx, "org-1", []string{tpl.ID}, template.BulkOptions{Concurrency: 1})

	// THEN: the job still reaches a terminal status in the store
	require.NoError(t, err)
	assert.Equal(t, template.BulkFailed, job.Status)

	stored, err := svc.GetBulkCalculation(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Done())
	assert.Equal(t, template.BulkFailed, stored.Status)
	require.Len(t, stored.Results, 1)
	assert.Equal(t, template.KindProvider, stored.Results[0].ErrorKind)
}
