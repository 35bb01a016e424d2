/*
bulk.go - Bulk calculation orchestrator

PURPOSE:
  Calculates many templates under one job. Each template is an independent
  entry: a failure is captured on that entry and never aborts its
  siblings.

DESIGN:
  - Fan-out bounded by BulkOptions.Concurrency (default: the warming
    scheduler's MaxConcurrent)
  - The job is saved after every finished entry, so GetBulkCalculation
    can be polled while it runs
  - Final status: completed (no failures), partially_failed (some),
    failed (all)
  - Async jobs outlive the request context; Service.Close waits for them
  - Job writes are detached from the caller's context, so a cancelled
    request still leaves the job in a terminal status

SEE ALSO:
  - service.go: calculate
  - warming/scheduler.go: MaxConcurrent
*/
package template

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/rate"
	"github.com/warp/rate-engine/warming"
)

// BulkOptions controls a bulk calculation.
type BulkOptions struct {
	Concurrency int    `json:"concurrency"`
	Async       bool   `json:"async"`
	Actor       string `json:"actor"`
}

// CreateBulkCalculation calculates templateIDs for orgID. Templates of
// another org count as not found. Duplicate ids are calculated once.
//
// With opts.Async the running job is returned immediately.
func (s *Service) CreateBulkCalculation(ctx context.Context, orgID string, templateIDs []string, opts BulkOptions) (*BulkCalculation, error) {
	if orgID == "" {
		return nil, &rate.ConfigurationError{Field: "org_id", Reason: "is required"}
	}
	ids := dedupe(templateIDs)
	if len(ids) == 0 {
		return nil, &rate.ConfigurationError{Field: "template_ids", Reason: "must not be empty"}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = s.defaultConcurrency()
	}

	now := s.now()
	job := BulkCalculation{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Status:      BulkPending,
		TemplateIDs: ids,
		Results:     []BulkResult{},
		CreatedBy:   opts.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveBulk(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save bulk calculation: %w", err)
	}

	if !opts.Async {
		return s.runBulk(ctx, job, concurrency)
	}

	bctx := context.WithoutCancel(ctx)
	job.Status = BulkRunning
	job.UpdatedAt = s.now()
	if err := s.store.SaveBulk(bctx, job); err != nil {
		return nil, fmt.Errorf("failed to save bulk calculation: %w", err)
	}
	out := job.Clone()

	s.bulk.Add(1)
	go func() {
		defer s.bulk.Done()
		if _, err := s.runBulk(bctx, job, concurrency); err != nil {
			s.log().WithError(err).WithField("bulk_id", job.ID).Error("bulk calculation failed to finish")
		}
	}()
	return &out, nil
}

// GetBulkCalculation returns a bulk job by id.
func (s *Service) GetBulkCalculation(ctx context.Context, id string) (*BulkCalculation, error) {
	b, err := s.store.GetBulk(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load bulk calculation: %w", err)
	}
	if b == nil {
		return nil, &rate.NotFoundError{Kind: "bulk_calculation", ID: id}
	}
	return b, nil
}

// GetBulkCalculations lists an org's bulk jobs, newest first.
func (s *Service) GetBulkCalculations(ctx context.Context, orgID string) ([]BulkCalculation, error) {
	out, err := s.store.ListBulk(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk calculations: %w", err)
	}
	return out, nil
}

func (s *Service) runBulk(ctx context.Context, job BulkCalculation, concurrency int) (*BulkCalculation, error) {
	log := s.log().WithFields(logrus.Fields{"bulk_id": job.ID, "org_id": job.OrgID})
	wctx := context.WithoutCancel(ctx)

	if job.Status != BulkRunning {
		job.Status = BulkRunning
		job.UpdatedAt = s.now()
		if err := s.store.SaveBulk(wctx, job); err != nil {
			log.WithError(err).Warn("failed to save bulk progress")
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)
	for _, id := range job.TemplateIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res := s.bulkEntry(ctx, job.OrgID, id)

			mu.Lock()
			defer mu.Unlock()
			job.Results = append(job.Results, res)
			job.UpdatedAt = s.now()
			if err := s.store.SaveBulk(wctx, job.Clone()); err != nil {
				log.WithError(err).Warn("failed to save bulk progress")
			}
		}(id)
	}
	wg.Wait()

	job.Status = finalStatus(job.Results)
	job.UpdatedAt = s.now()
	if err := s.store.SaveBulk(wctx, job); err != nil {
		return nil, fmt.Errorf("failed to save bulk calculation: %w", err)
	}

	failed := 0
	for _, r := range job.Results {
		if r.Failed() {
			failed++
		}
	}
	log.WithFields(logrus.Fields{
		"status":    job.Status,
		"templates": len(job.TemplateIDs),
		"failed":    failed,
	}).Info("bulk calculation finished")

	out := job.Clone()
	return &out, nil
}

func (s *Service) bulkEntry(ctx context.Context, orgID, id string) (res BulkResult) {
	res.TemplateID = id
	defer func() {
		if r := recover(); r != nil {
			res = BulkResult{TemplateID: id, Error: fmt.Sprintf("panic: %v", r), ErrorKind: KindInternal}
		}
	}()

	t, err := s.Get(ctx, id)
	if err == nil && t.OrgID != orgID {
		err = &rate.NotFoundError{Kind: "template", ID: id}
	}
	var calc *Calculation
	if err == nil {
		calc, err = s.calculate(ctx, *t)
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = classify(err)
		return res
	}

	r := calc.Result.Rate
	res.CalculationID = calc.ID
	res.Rate = &r
	return res
}

func (s *Service) defaultConcurrency() int {
	if s.warmer != nil {
		return s.warmer.MaxConcurrent()
	}
	return warming.DefaultConfig().MaxConcurrent
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, rate.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, award.ErrProvider):
		return KindProvider
	case errors.Is(err, rate.ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

func finalStatus(results []BulkResult) BulkStatus {
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return BulkCompleted
	case failed == len(results):
		return BulkFailed
	default:
		return BulkPartiallyFailed
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
