package rate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/rate-engine/award"
	"github.com/warp/rate-engine/cache"
)

// =============================================================================
// ENGINE - Calculation with cached award lookups
// =============================================================================

const (
	DefaultAwardTTL        = 24 * time.Hour
	DefaultProviderTimeout = 10 * time.Second
)

// AwardRef identifies an award classification rate on a given day.
type AwardRef struct {
	AwardCode          string    `json:"award_code"`
	ClassificationCode string    `json:"classification_code"`
	Date               time.Time `json:"date"`
}

// CacheKey is the cache key for the award lookup, one per calendar day.
func (r AwardRef) CacheKey() string {
	return fmt.Sprintf("award:%s:%s:%s", r.AwardCode, r.ClassificationCode, r.Date.UTC().Format("2006-01-02"))
}

// Config is a calculation configuration, usually built from a template.
// With Award set the pay rate is the award rate, or BaseRate when that is
// higher.
type Config struct {
	BaseRate    decimal.Decimal
	Award       *AwardRef
	OnCosts     OnCosts
	WorkPattern WorkPattern
	Billable    BillableOptions
}

// Engine is safe for concurrent use.
type Engine struct {
	cache           cache.Cache
	provider        award.Provider
	awardTTL        time.Duration
	providerTimeout time.Duration
	logger          *logrus.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithAwardTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.awardTTL = ttl }
}

func WithProviderTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.providerTimeout = d }
}

func WithLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. provider may be nil when no template uses
// award rates.
func NewEngine(c cache.Cache, provider award.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		cache:           c,
		provider:        provider,
		awardTTL:        DefaultAwardTTL,
		providerTimeout: DefaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
		e.logger.SetOutput(io.Discard)
	}
	return e
}

// Calculate is the positional form of the package-level Calculate.
func (e *Engine) Calculate(payRate decimal.Decimal, onCosts OnCosts, pattern WorkPattern, billable BillableOptions) (*Result, error) {
	return Calculate(Input{PayRate: payRate, OnCosts: onCosts, WorkPattern: pattern, Billable: billable})
}

// CalculateConfig resolves the pay rate and calculates.
func (e *Engine) CalculateConfig(ctx context.Context, cfg Config) (*Result, error) {
	payRate := cfg.BaseRate
	if cfg.Award != nil {
		awardRate, err := e.ResolvePayRate(ctx, *cfg.Award)
		if err != nil {
			return nil, err
		}
		payRate = decimal.Max(awardRate, cfg.BaseRate)
	}
	return Calculate(Input{
		PayRate:     payRate,
		OnCosts:     cfg.OnCosts,
		WorkPattern: cfg.WorkPattern,
		Billable:    cfg.Billable,
	})
}

// ResolvePayRate returns the award hourly rate, fetching it at most once
// per key while cached. Failures are *award.ProviderError.
func (e *Engine) ResolvePayRate(ctx context.Context, ref AwardRef) (decimal.Decimal, error) {
	if e.provider == nil {
		return decimal.Zero, &ConfigurationError{Field: "award_code", Reason: "no award provider configured"}
	}
	if ref.AwardCode == "" || ref.ClassificationCode == "" {
		return decimal.Zero, &ConfigurationError{Field: "award_code", Reason: "award and classification codes are required"}
	}

	fetch := func(ctx context.Context) (award.Rate, error) {
		ctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()

		start := time.Now()
		r, err := e.provider.FetchAwardRate(ctx, ref.AwardCode, ref.ClassificationCode, ref.Date)
		if err != nil {
			pe := award.AsProviderError(err, ref.AwardCode, ref.ClassificationCode)
			e.logger.WithFields(logrus.Fields{
				"module": "rate",
				"award":  ref.AwardCode,
				"class":  ref.ClassificationCode,
				"kind":   pe.Kind,
			}).WithError(err).Warn("award rate lookup failed")
			return award.Rate{}, pe
		}
		e.logger.WithFields(logrus.Fields{
			"module":   "rate",
			"award":    ref.AwardCode,
			"class":    ref.ClassificationCode,
			"duration": time.Since(start),
		}).Debug("fetched award rate")
		return r, nil
	}

	var (
		r   award.Rate
		err error
	)
	if e.cache == nil {
		r, err = fetch(ctx)
	} else {
		r, err = cache.GetOrSetJSON(ctx, e.cache, ref.CacheKey(), e.awardTTL, fetch)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return decimal.Zero, award.AsProviderError(err, ref.AwardCode, ref.ClassificationCode)
		}
		return decimal.Zero, err
	}
	if r.HourlyRate.IsNegative() {
		return decimal.Zero, &award.ProviderError{
			Kind:               award.KindMalformed,
			AwardCode:          ref.AwardCode,
			ClassificationCode: ref.ClassificationCode,
			Err:                errors.New("negative award rate"),
		}
	}
	return r.HourlyRate, nil
}
