// Package pricing turns a source price and a sold-comparable price into a
// target resale price and a profit figure.
//
// Money is integer minor units throughout (yen for the source side, cents for
// the marketplace side). Rates are decimals; nothing passes through float64.
package pricing

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/record"
)

// ErrInvalidRate is returned when an exchange rate is zero or negative.
var ErrInvalidRate = errors.New("exchange rate must be positive")

// Rate converts marketplace prices into the source currency. It is quoted as
// source units per one major target unit (150 means 150 JPY per 1 USD);
// TargetExponent is the number of minor digits of the target currency.
type Rate struct {
	SourcePerTarget decimal.Decimal
	TargetExponent  int32
}

// NewRate validates and builds a Rate.
func NewRate(sourcePerTarget decimal.Decimal, targetExponent int32) (Rate, error) {
	if !sourcePerTarget.IsPositive() {
		return Rate{}, errors.Wrapf(ErrInvalidRate, "got %s", sourcePerTarget)
	}
	if targetExponent < 0 {
		return Rate{}, errors.Newf("target exponent must be >= 0, got %d", targetExponent)
	}
	return Rate{SourcePerTarget: sourcePerTarget, TargetExponent: targetExponent}, nil
}

// Convert returns candidateMinor expressed in source minor units, rounded half-up.
func Convert(candidateMinor int64, r Rate) int64 {
	return decimal.NewFromInt(candidateMinor).
		Mul(r.SourcePerTarget).
		Shift(-r.TargetExponent).
		Round(0).
		IntPart()
}

// TargetPrice is round(src * (1 + markup)) + fixed.
func TargetPrice(sourcePriceMinor int64, markup decimal.Decimal, fixedProfitMinor int64) int64 {
	scaled := decimal.NewFromInt(sourcePriceMinor).Mul(decimal.NewFromInt(1).Add(markup))
	return scaled.Round(0).IntPart() + fixedProfitMinor
}

// ProfitRate is profit / src, or zero when src is zero.
func ProfitRate(profitMinor, sourcePriceMinor int64) decimal.Decimal {
	if sourcePriceMinor == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(profitMinor).Div(decimal.NewFromInt(sourcePriceMinor))
}

// Price computes the target price for a source price. Profit stays zero until
// a comparable is known; Engine.Evaluate fills it.
func Price(sourcePriceMinor int64, rate Rate, markup decimal.Decimal, fixedProfitMinor int64) record.PricingResult {
	return record.PricingResult{
		TargetPriceMinor: TargetPrice(sourcePriceMinor, markup, fixedProfitMinor),
		ProfitRate:       decimal.Zero,
		ExchangeRate:     rate.SourcePerTarget,
		MarkupRate:       markup,
		FixedProfitMinor: fixedProfitMinor,
	}
}

// Params is the pricing configuration for one run.
type Params struct {
	Rate             Rate
	MarkupRate       decimal.Decimal
	FixedProfitMinor int64
}

// Engine prices records with a fixed Params and stamps the computation time.
type Engine struct {
	params Params
	now    func() time.Time
}

type Option func(*Engine)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine validates params. A non-positive rate is a configuration error
// and is rejected here, never inside Evaluate.
func NewEngine(p Params, opts ...Option) (*Engine, error) {
	if !p.Rate.SourcePerTarget.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidRate, "got %s", p.Rate.SourcePerTarget)
	}
	if p.MarkupRate.IsNegative() {
		return nil, errors.Newf("markup rate must be >= 0, got %s", p.MarkupRate)
	}
	if p.FixedProfitMinor < 0 {
		return nil, errors.Newf("fixed profit must be >= 0, got %d", p.FixedProfitMinor)
	}
	e := &Engine{params: p, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Params() Params {
	return e.params
}

// Evaluate prices sourcePriceMinor against the best candidate's price in
// marketplace minor units.
func (e *Engine) Evaluate(sourcePriceMinor, candidatePriceMinor int64) record.PricingResult {
	p := e.params
	target := TargetPrice(sourcePriceMinor, p.MarkupRate, p.FixedProfitMinor)
	converted := Convert(candidatePriceMinor, p.Rate)
	profit := converted - target
	return record.PricingResult{
		TargetPriceMinor:    target,
		ConvertedPriceMinor: converted,
		ProfitMinor:         profit,
		ProfitRate:          ProfitRate(profit, sourcePriceMinor),
		ExchangeRate:        p.Rate.SourcePerTarget,
		MarkupRate:          p.MarkupRate,
		FixedProfitMinor:    p.FixedProfitMinor,
		ComputedAt:          e.now().UTC(),
	}
}
