// Package award is the client side of the external award-rules provider.
//
// The provider answers "what is the minimum hourly pay for this award
// classification on this date". It can be slow, rate-limited or briefly
// unavailable; every failure is reported as a *ProviderError so callers can
// tell the failure kind apart without string matching.
package award

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rate is a successful provider answer.
type Rate struct {
	AwardCode          string          `json:"award_code"`
	ClassificationCode string          `json:"classification_code"`
	Date               time.Time       `json:"date"`
	HourlyRate         decimal.Decimal `json:"hourly_rate"`
}

// Provider looks up award pay rates.
type Provider interface {
	FetchAwardRate(ctx context.Context, awardCode, classificationCode string, date time.Time) (Rate, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, awardCode, classificationCode string, date time.Time) (Rate, error)

func (f ProviderFunc) FetchAwardRate(ctx context.Context, awardCode, classificationCode string, date time.Time) (Rate, error) {
	return f(ctx, awardCode, classificationCode, date)
}

// =============================================================================
// HTTP PROVIDER
// =============================================================================

// HTTPProvider calls a remote award-rules service:
//
//	GET {base}/awards/{award}/classifications/{class}/rate?date=YYYY-MM-DD
//	200 {"rate": 31.25}
type HTTPProvider struct {
	BaseURL   string
	BasicAuth string // "user:pass", optional
	Client    *http.Client
}

// NewHTTPProvider creates a provider for baseURL.
func NewHTTPProvider(baseURL, basicAuth string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		BasicAuth: basicAuth,
		Client:    &http.Client{},
	}
}

type rateEnvelope struct {
	Rate *float64 `json:"rate"`
}

// FetchAwardRate performs the lookup. The context deadline bounds the call.
func (p *HTTPProvider) FetchAwardRate(ctx context.Context, awardCode, classificationCode string, date time.Time) (Rate, error) {
	day := date.UTC().Format("2006-01-02")
	endpoint := fmt.Sprintf("%s/awards/%s/classifications/%s/rate?date=%s",
		p.BaseURL, url.PathEscape(awardCode), url.PathEscape(classificationCode), url.QueryEscape(day))

	perr := func(kind Kind, status int, err error) error {
		return &ProviderError{
			Kind:               kind,
			AwardCode:          awardCode,
			ClassificationCode: classificationCode,
			StatusCode:         status,
			Err:                err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Rate{}, perr(KindUnavailable, 0, err)
	}
	if user, pass, ok := parseBasicAuthPair(p.BasicAuth); ok {
		req.SetBasicAuth(user, pass)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Rate{}, perr(KindTimeout, 0, ctx.Err())
		}
		return Rate{}, perr(KindUnavailable, 0, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Rate{}, perr(KindRateLimited, resp.StatusCode, fmt.Errorf("award http %d: %s", resp.StatusCode, string(b)))
	case resp.StatusCode == http.StatusNotFound:
		return Rate{}, perr(KindNotFound, resp.StatusCode, fmt.Errorf("award http %d: %s", resp.StatusCode, string(b)))
	case resp.StatusCode >= 300:
		return Rate{}, perr(KindUnavailable, resp.StatusCode, fmt.Errorf("award http %d: %s", resp.StatusCode, string(b)))
	}

	var env rateEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Rate{}, perr(KindMalformed, resp.StatusCode, err)
	}
	if env.Rate == nil || *env.Rate < 0 {
		return Rate{}, perr(KindMalformed, resp.StatusCode, fmt.Errorf("missing or negative rate in response"))
	}

	return Rate{
		AwardCode:          awardCode,
		ClassificationCode: classificationCode,
		Date:               date.UTC().Truncate(24 * time.Hour),
		HourlyRate:         decimal.NewFromFloat(*env.Rate),
	}, nil
}

func parseBasicAuthPair(auth string) (username, password string, ok bool) {
	if auth == "" {
		return "", "", false
	}
	parts := strings.SplitN(auth, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
