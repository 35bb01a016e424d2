package template

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/cache"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/warming"
)

const (
	DefaultCalculationTTL = time.Hour
	DefaultWarmPriority   = 5
	recentChangesLimit    = 10
)

// Warmer is the part of *warming.Scheduler the service uses.
type Warmer interface {
	Register(key string, factory cache.Factory, priority int, opts ...warming.RegisterOption)
	Unregister(key string)
	RecordAccess(key string)
	MaxConcurrent() int
}

// Service is the Rate Template Store. It is safe for concurrent use.
type Service struct {
	store        Store
	engine       *rate.Engine
	cache        cache.Cache
	warmer       Warmer
	logger       *logrus.Logger
	now          func() time.Time
	calcTTL      time.Duration
	warmPriority int

	// hooks serializes cache and warming updates after a commit.
	hooks sync.Mutex
	bulk  sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithCache memoizes template rates in c.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithWarmer keeps active templates' rates warm.
func WithWarmer(w Warmer) Option {
	return func(s *Service) { s.warmer = w }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCalculationTTL(ttl time.Duration) Option {
	return func(s *Service) { s.calcTTL = ttl }
}

func WithWarmPriority(p int) Option {
	return func(s *Service) { s.warmPriority = p }
}

// NewService creates a template service over store.
func NewService(store Store, engine *rate.Engine, opts ...Option) *Service {
	s := &Service{
		store:        store,
		engine:       engine,
		now:          func() time.Time { return time.Now().UTC() },
		calcTTL:      DefaultCalculationTTL,
		warmPriority: DefaultWarmPriority,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// Close waits for background bulk calculations.
func (s *Service) Close() {
	s.bulk.Wait()
}

func (s *Service) log() *logrus.Entry {
	return s.logger.WithField("module", "template")
}

// =============================================================================
// READ
// =============================================================================

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, id string) (*Template, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", id, err)
	}
	if t == nil {
		return nil, &rate.NotFoundError{Kind: "template", ID: id}
	}
	return t, nil
}

// List returns an org's templates. With no statuses given, deleted
// templates are left out.
func (s *Service) List(ctx context.Context, orgID string, statuses ...Status) ([]Template, error) {
	all, err := s.store.ListTemplates(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	keep := func(st Status) bool {
		if len(statuses) == 0 {
			return st != StatusDeleted
		}
		for _, want := range statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	out := make([]Template, 0, len(all))
	for _, t := range all {
		if keep(t.Status) {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetHistory returns a template's history, oldest first.
func (s *Service) GetHistory(ctx context.Context, id string) ([]History, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	h, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return h, nil
}

// =============================================================================
// WRITE
// =============================================================================

// Create stores a new draft template at version 1.
func (s *Service) Create(ctx context.Context, in NewTemplate) (*Template, error) {
	if err := checkStruct(in); err != nil {
		return nil, err
	}

	now := s.now()
	t := Template{
		ID:                 uuid.NewString(),
		OrgID:              in.OrgID,
		Name:               in.Name,
		BaseRate:           in.BaseRate,
		BaseMargin:         in.BaseMargin,
		SuperRate:          in.SuperRate,
		LeaveLoading:       in.LeaveLoading,
		WorkersCompRate:    in.WorkersCompRate,
		PayrollTaxRate:     in.PayrollTaxRate,
		TrainingCostRate:   in.TrainingCostRate,
		OtherCostsRate:     in.OtherCostsRate,
		FundingOffset:      in.FundingOffset,
		CasualLoading:      in.CasualLoading,
		AwardCode:          in.AwardCode,
		ClassificationCode: in.ClassificationCode,
		WorkPattern:        in.WorkPattern,
		Billable:           in.Billable,
		EffectiveFrom:      in.EffectiveFrom,
		EffectiveTo:        in.EffectiveTo,
		Status:             StatusDraft,
		Version:            1,
		CreatedBy:          in.Actor,
		UpdatedBy:          in.Actor,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	t = t.Clone()
	if err := checkTemplate(t); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(st Store) error {
		if err := st.CreateTemplate(ctx, t); err != nil {
			return err
		}
		return st.AppendHistory(ctx, s.history(t, ActionCreated, map[string]Change{
			"status": {From: nil, To: StatusDraft},
		}, in.Actor))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.log().WithFields(logrus.Fields{"template_id": t.ID, "org_id": t.OrgID, "name": t.Name}).Info("template created")
	return &t, nil
}

// Update applies p if the stored version still equals p.ExpectedVersion.
// A patch that changes nothing returns the template unchanged.
func (s *Service) Update(ctx context.Context, id string, p Patch) (*Template, error) {
	if err := checkStruct(p); err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, &rate.ConfigurationError{Field: "patch", Reason: "no fields to update"}
	}

	var before, after Template
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &rate.NotFoundError{Kind: "template", ID: id}
		}
		if cur.Version != p.ExpectedVersion {
			return &rate.ConflictError{TemplateID: id, ExpectedVersion: p.ExpectedVersion, ActualVersion: cur.Version}
		}
		if cur.Status == StatusDeleted {
			return &rate.ConfigurationError{Field: "status", Reason: "deleted templates cannot be modified"}
		}

		next, changes := applyPatch(cur.Clone(), p)
		before, after = *cur, next
		if len(changes) == 0 {
			return nil
		}
		if err := checkTemplate(next); err != nil {
			return err
		}
		if next.Status == StatusActive && next.Name != cur.Name {
			other, err := st.FindActive(ctx, next.OrgID, next.Name)
			if err != nil {
				return err
			}
			if other != nil {
				return &rate.ConfigurationError{Field: "name", Reason: "another active template already uses this name"}
			}
		}

		next.Version = cur.Version + 1
		next.UpdatedBy = p.Actor
		next.UpdatedAt = s.now()
		if err := st.UpdateTemplate(ctx, next, cur.Version); err != nil {
			return err
		}
		after = next
		return st.AppendHistory(ctx, s.history(next, ActionUpdated, changes, p.Actor))
	})
	if err != nil {
		return nil, err
	}

	if after.Version != before.Version {
		s.resync(ctx, before, true)
		s.log().WithFields(logrus.Fields{"template_id": id, "version": after.Version}).Info("template updated")
	}
	return &after, nil
}

// UpdateStatus moves a template through its lifecycle. Activating a
// template archives the active one with the same org and name in the same
// transaction.
func (s *Service) UpdateStatus(ctx context.Context, id string, target Status, actor string) (*Template, error) {
	if !target.Valid() {
		return nil, &rate.ConfigurationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", target)}
	}
	if actor == "" {
		return nil, &rate.ConfigurationError{Field: "actor", Reason: "is required"}
	}

	var before, after Template
	var displaced *Template
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &rate.NotFoundError{Kind: "template", ID: id}
		}
		if !cur.Status.CanTransitionTo(target) {
			return &rate.InvalidTransitionError{TemplateID: id, From: string(cur.Status), To: string(target)}
		}

		now := s.now()
		changes := map[string]Change{"status": {From: cur.Status, To: target}}
		action := ActionStatusChanged

		switch target {
		case StatusActive:
			prev, err := st.FindActive(ctx, cur.OrgID, cur.Name)
			if err != nil {
				return err
			}
			if prev != nil && prev.ID != cur.ID {
				arch := prev.Clone()
				arch.Status = StatusArchived
				arch.Version = prev.Version + 1
				arch.UpdatedBy = actor
				arch.UpdatedAt = now
				if err := st.UpdateTemplate(ctx, arch, prev.Version); err != nil {
					return err
				}
				if err := st.AppendHistory(ctx, s.history(arch, ActionStatusChanged, map[string]Change{
					"status":        {From: StatusActive, To: StatusArchived},
					"superseded_by": {From: nil, To: cur.ID},
				}, actor)); err != nil {
					return err
				}
				displaced = prev
				changes["supersedes"] = Change{From: nil, To: prev.ID}
			}
		case StatusDeleted:
			action = ActionDeleted
			refs, err := st.BulkReferences(ctx, id)
			if err != nil {
				return err
			}
			if len(refs) > 0 {
				changes["bulk_references"] = Change{From: nil, To: refs}
			}
		}

		next := cur.Clone()
		next.Status = target
		next.Version = cur.Version + 1
		next.UpdatedBy = actor
		next.UpdatedAt = now
		if err := st.UpdateTemplate(ctx, next, cur.Version); err != nil {
			return err
		}
		before, after = *cur, next
		return st.AppendHistory(ctx, s.history(next, action, changes, actor))
	})
	if err != nil {
		return nil, err
	}

	if displaced != nil {
		s.resync(ctx, *displaced, true)
	}
	s.resync(ctx, before, after.Status == StatusArchived || after.Status == StatusDeleted)

	s.log().WithFields(logrus.Fields{
		"template_id": id,
		"from":        before.Status,
		"to":          after.Status,
		"actor":       actor,
	}).Info("template status changed")
	return &after, nil
}

// Delete soft-deletes a template. Only archived templates can be deleted.
func (s *Service) Delete(ctx context.Context, id, actor string) (*Template, error) {
	return s.UpdateStatus(ctx, id, StatusDeleted, actor)
}

func (s *Service) history(t Template, action Action, changes map[string]Change, actor string) History {
	return History{
		ID:         uuid.NewString(),
		TemplateID: t.ID,
		OrgID:      t.OrgID,
		Action:     action,
		Version:    t.Version,
		Changes:    changes,
		Actor:      actor,
		Timestamp:  s.now(),
	}
}

// =============================================================================
// CALCULATION
// =============================================================================

// CalculateRate computes the template's rate, memoized per template
// version, and records the calculation.
func (s *Service) CalculateRate(ctx context.Context, id string) (*Calculation, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.calculate(ctx, *t)
}

func (s *Service) calculate(ctx context.Context, t Template) (*Calculation, error) {
	if t.Status == StatusDeleted {
		return nil, &rate.ConfigurationError{Field: "status", Reason: "deleted templates cannot be calculated"}
	}

	res, err := s.rateFor(ctx, t)
	if err != nil {
		return nil, err
	}

	calc := Calculation{
		ID:              uuid.NewString(),
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Inputs:          res.Input,
		Result:          *res,
		CreatedAt:       s.now(),
	}
	if err := s.store.SaveCalculation(ctx, calc); err != nil {
		return nil, fmt.Errorf("failed to save calculation: %w", err)
	}
	return &calc, nil
}

func (s *Service) rateFor(ctx context.Context, t Template) (*rate.Result, error) {
	compute := func(ctx context.Context) (rate.Result, error) {
		r, err := s.engine.CalculateConfig(ctx, t.Config(s.now()))
		if err != nil {
			return rate.Result{}, err
		}
		return *r, nil
	}

	if s.cache == nil {
		r, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}

	key := t.RateKey()
	r, err := cache.GetOrSetJSON(ctx, s.cache, key, s.calcTTL, compute)
	if err != nil {
		return nil, err
	}
	if s.warmer != nil {
		s.warmer.RecordAccess(key)
	}
	return &r, nil
}

// =============================================================================
// CACHE AND WARMING HOOKS
// =============================================================================

// WarmActive registers every active template with the warmer and returns
// how many were registered.
func (s *Service) WarmActive(ctx context.Context) (int, error) {
	if s.warmer == nil || s.cache == nil {
		return 0, nil
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active templates: %w", err)
	}

	s.hooks.Lock()
	defer s.hooks.Unlock()
	for _, t := range active {
		s.watch(t)
	}
	s.log().WithField("templates", len(active)).Info("registered active templates for warming")
	return len(active), nil
}

// resync brings the warmer in line with the stored state of before.ID
// once a write has committed. The stored row is re-read under s.hooks so
// concurrent writers cannot leave a superseded version registered.
func (s *Service) resync(ctx context.Context, before Template, evict bool) {
	ctx = context.WithoutCancel(ctx)
	s.hooks.Lock()
	defer s.hooks.Unlock()

	if evict {
		s.evict(ctx, before.ID)
	}
	s.unwatch(before)

	cur, err := s.store.GetTemplate(ctx, before.ID)
	if err != nil {
		s.log().WithError(err).WithField("template_id", before.ID).Warn("failed to reload template for warming")
		return
	}
	if cur != nil && cur.Status == StatusActive {
		s.watch(*cur)
	}
}

func (s *Service) watch(t Template) {
	if s.warmer == nil || s.cache == nil {
		return
	}
	snapshot := t.Clone()
	s.warmer.Register(t.RateKey(), func(ctx context.Context) ([]byte, error) {
		r, err := s.engine.CalculateConfig(ctx, snapshot.Config(s.now()))
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	}, s.warmPriority, warming.WithTTL(s.calcTTL))
}

func (s *Service) unwatch(t Template) {
	if s.warmer != nil {
		s.warmer.Unregister(t.RateKey())
	}
}

func (s *Service) evict(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	n, err := s.cache.DeletePattern(ctx, CachePrefix(id))
	if err != nil {
		s.log().WithError(err).WithField("template_id", id).Warn("failed to evict cached rates")
		return
	}
	if n > 0 {
		s.log().WithFields(logrus.Fields{"template_id": id, "evicted": n}).Debug("evicted cached rates")
	}
}

// =============================================================================
// ANALYTICS
// =============================================================================

// Analytics summarizes an org's templates. AverageRate is the mean of the
// latest calculated rate of each active template that has one.
func (s *Service) Analytics(ctx context.Context, orgID string) (*Analytics, error) {
	all, err := s.store.ListTemplates(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	a := &Analytics{OrgID: orgID, ByStatus: make(map[Status]int)}
	sum := decimal.Zero
	for _, t := range all {
		a.ByStatus[t.Status]++
		if t.Status == StatusDeleted {
			continue
		}
		a.TotalTemplates++
		if t.Status != StatusActive {
			continue
		}
		a.ActiveTemplates++

		calc, err := s.store.LatestCalculation(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load calculation: %w", err)
		}
		if calc != nil {
			sum = sum.Add(calc.Result.Rate)
			a.RatedTemplates++
		}
	}
	if a.RatedTemplates > 0 {
		a.AverageRate = sum.Div(decimal.NewFromInt(int64(a.RatedTemplates))).Round(2)
	}

	a.RecentChanges, err = s.store.RecentHistory(ctx, orgID, recentChangesLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent changes: %w", err)
	}
	return a, nil
}
