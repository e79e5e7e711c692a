package pricing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/pkg/pipeline/backoff"
	"github.com/shpitdev/soldcomp/pkg/pipeline/core"
	"github.com/shpitdev/soldcomp/pkg/pipeline/redact"
)

// RateSource resolves the exchange rate once per run.
type RateSource interface {
	Resolve(ctx context.Context) (Rate, error)
}

// FixedRate is a configured constant rate.
type FixedRate struct {
	Rate Rate
}

func (f FixedRate) Resolve(context.Context) (Rate, error) {
	if !f.Rate.SourcePerTarget.IsPositive() {
		return Rate{}, errors.Wrapf(ErrInvalidRate, "got %s", f.Rate.SourcePerTarget)
	}
	return f.Rate, nil
}

// APIRate fetches the rate from a JSON endpoint shaped like
// {"base":"USD","rates":{"JPY":150.12}}.
type APIRate struct {
	URL            string
	SourceCurrency string
	TargetExponent int32
	HTTPClient     *http.Client
	MaxRetries     int
	Backoff        backoff.Policy
	RequestTimeout time.Duration
}

type rateResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (a APIRate) Resolve(ctx context.Context) (Rate, error) {
	if strings.TrimSpace(a.URL) == "" {
		return Rate{}, errors.New("exchange api url is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(a.SourceCurrency))
	if currency == "" {
		currency = "JPY"
	}
	return backoff.Retry(ctx, a.MaxRetries, a.Backoff, func(ctx context.Context) (Rate, error) {
		return a.fetch(ctx, currency)
	})
}

func (a APIRate) fetch(ctx context.Context, currency string) (Rate, error) {
	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := a.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.URL, nil)
	if err != nil {
		return Rate{}, errors.Wrap(err, "build exchange rate request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Rate{}, &core.TransientError{Err: errors.Wrap(err, "fetch exchange rate")}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Rate{}, &core.TransientError{Err: errors.Wrap(err, "read exchange rate response")}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		// Quota errors get at most one extra attempt, and none when MaxRetries is 0.
		return Rate{}, &core.LimitedTransientError{
			Err:          errors.Newf("exchange rate api: status=%s body=%s", resp.Status, redact.Truncate(string(body), 256)),
			ExtraRetries: 1,
		}
	}
	if resp.StatusCode/100 == 5 {
		return Rate{}, &core.TransientError{Err: errors.Newf("exchange rate api: status=%s body=%s", resp.Status, redact.Truncate(string(body), 256))}
	}
	if resp.StatusCode/100 != 2 {
		return Rate{}, errors.Newf("exchange rate api: status=%s body=%s", resp.Status, redact.Truncate(string(body), 256))
	}

	var parsed rateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Rate{}, errors.Wrap(err, "parse exchange rate response")
	}
	v, ok := parsed.Rates[currency]
	if !ok {
		return Rate{}, errors.Newf("exchange rate api: no rate for %s", currency)
	}
	return NewRate(v, a.TargetExponent)
}
