// Package record holds the value types that flow through a comparison batch.
//
// Everything here is immutable once constructed: the orchestrator builds values,
// the checkpoint store persists them, and the output writers read them.
package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// InputRecord is one listing row read from the input table.
type InputRecord struct {
	Title            string
	SourcePriceMinor int64
	SourceURL        string
	ImageURL         string
	OriginalIndex    int
}

// Confidence grades how trustworthy an extracted identifier is.
type Confidence string

const (
	ConfidenceHigh     Confidence = "high"
	ConfidenceLow      Confidence = "low"
	ConfidenceFallback Confidence = "fallback"
)

// ExtractionResult is the identifier derived from a listing title.
type ExtractionResult struct {
	Identifier  string     `json:"identifier"`
	Confidence  Confidence `json:"confidence"`
	PatternUsed string     `json:"pattern_used,omitempty"`
}

// Candidate is one sold listing returned by the marketplace.
type Candidate struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

type SearchStatus string

const (
	SearchFound SearchStatus = "found"
	SearchEmpty SearchStatus = "empty"
	SearchError SearchStatus = "error"
)

// SearchResult is the outcome of one identifier search. Candidates keep the
// marketplace's own order (most recent sale first).
type SearchResult struct {
	Status      SearchStatus `json:"status"`
	Candidates  []Candidate  `json:"candidates,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	SearchedAt  time.Time    `json:"searched_at"`
}

// Best returns the first candidate, if any.
func (r SearchResult) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// PricingResult carries the computed prices along with the parameters that
// produced them, so resumed runs can tell which configuration priced a record.
type PricingResult struct {
	TargetPriceMinor    int64           `json:"target_price_minor"`
	ConvertedPriceMinor int64           `json:"converted_price_minor"`
	ProfitMinor         int64           `json:"profit_minor"`
	ProfitRate          decimal.Decimal `json:"profit_rate"`
	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	MarkupRate          decimal.Decimal `json:"markup_rate"`
	FixedProfitMinor    int64           `json:"fixed_profit_minor"`
	ComputedAt          time.Time       `json:"computed_at"`
}

// Profitable reports whether the best candidate covers the target price.
func (p PricingResult) Profitable() bool {
	return p.ProfitMinor >= 0
}
