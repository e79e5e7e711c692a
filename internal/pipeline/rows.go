package pipeline

import (
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/pipeline/io/local"
	"github.com/shpitdev/soldcomp/pkg/pipeline/schema"
)

// Row is the stable output schema contract: the input columns followed by the
// comparison result.
type Row struct {
	Index       int
	Title       string
	SourcePrice int64
	SourceURL   string
	ImageURL    string

	Identifier  string
	Confidence  string
	PatternUsed string

	Status         string
	Verdict        string
	CandidateCount int
	BestTitle      string
	BestURL        string
	BestPrice      string
	ConvertedPrice string
	TargetPrice    string
	Profit         string
	ProfitRate     string
	ExchangeRate   string
	SearchedAt     string
	Error          string
}

// Verdicts written for priced rows.
const (
	VerdictProfitable = "OK"
	VerdictLoss       = "NG"
)

// Contract describes the output columns in order.
var Contract = schema.Contract{Fields: []schema.Field{
	{Name: "index", Type: schema.TypeInteger},
	{Name: "title", Type: schema.TypeString},
	{Name: "source_price", Type: schema.TypeInteger},
	{Name: "source_url", Type: schema.TypeString, Nullable: true},
	{Name: "image_url", Type: schema.TypeString, Nullable: true},
	{Name: "identifier", Type: schema.TypeString, Nullable: true},
	{Name: "confidence", Type: schema.TypeString, Nullable: true},
	{Name: "pattern", Type: schema.TypeString, Nullable: true},
	{Name: "status", Type: schema.TypeString},
	{Name: "verdict", Type: schema.TypeString, Nullable: true},
	{Name: "candidate_count", Type: schema.TypeInteger},
	{Name: "best_title", Type: schema.TypeString, Nullable: true},
	{Name: "best_url", Type: schema.TypeString, Nullable: true},
	{Name: "best_price", Type: schema.TypeDecimal, Nullable: true},
	{Name: "converted_price", Type: schema.TypeInteger, Nullable: true},
	{Name: "target_price", Type: schema.TypeInteger, Nullable: true},
	{Name: "profit", Type: schema.TypeInteger, Nullable: true},
	{Name: "profit_rate", Type: schema.TypeDecimal, Nullable: true},
	{Name: "exchange_rate", Type: schema.TypeDecimal, Nullable: true},
	{Name: "searched_at", Type: schema.TypeTime, Nullable: true},
	{Name: "error", Type: schema.TypeString, Nullable: true},
}}

// Header returns the stable CSV header for Row.
func Header() []string {
	return Contract.Names()
}

// Values renders r in Header order.
func (r Row) Values() []string {
	return []string{
		strconv.Itoa(r.Index),
		r.Title,
		strconv.FormatInt(r.SourcePrice, 10),
		r.SourceURL,
		r.ImageURL,
		r.Identifier,
		r.Confidence,
		r.PatternUsed,
		r.Status,
		r.Verdict,
		strconv.Itoa(r.CandidateCount),
		r.BestTitle,
		r.BestURL,
		r.BestPrice,
		r.ConvertedPrice,
		r.TargetPrice,
		r.Profit,
		r.ProfitRate,
		r.ExchangeRate,
		r.SearchedAt,
		r.Error,
	}
}

// BuildRow joins an input record with its outcome. targetExponent is the
// number of minor-unit digits of the marketplace currency.
func BuildRow(rec record.InputRecord, o record.Outcome, targetExponent int32) Row {
	row := Row{
		Index:       rec.OriginalIndex,
		Title:       rec.Title,
		SourcePrice: rec.SourcePriceMinor,
		SourceURL:   rec.SourceURL,
		ImageURL:    rec.ImageURL,
		Status:      string(o.Kind),
	}
	if o.Extraction != nil {
		row.Identifier = o.Extraction.Identifier
		row.Confidence = string(o.Extraction.Confidence)
		row.PatternUsed = o.Extraction.PatternUsed
	}
	switch o.Kind {
	case record.OutcomeSkipped:
		row.Error = o.Reason
	case record.OutcomeFailed:
		row.Error = string(o.ErrorKind)
		if o.Detail != "" {
			row.Error += ": " + o.Detail
		}
	}
	if s := o.Search; s != nil {
		row.CandidateCount = len(s.Candidates)
		if !s.SearchedAt.IsZero() {
			row.SearchedAt = s.SearchedAt.UTC().Format(time.RFC3339)
		}
		if best, ok := s.Best(); ok {
			row.BestTitle = best.Title
			row.BestURL = best.URL
			row.BestPrice = decimal.New(best.PriceMinor, -targetExponent).StringFixed(targetExponent)
		}
	}
	if p := o.Pricing; p != nil {
		row.ConvertedPrice = strconv.FormatInt(p.ConvertedPriceMinor, 10)
		row.TargetPrice = strconv.FormatInt(p.TargetPriceMinor, 10)
		row.Profit = strconv.FormatInt(p.ProfitMinor, 10)
		row.ProfitRate = p.ProfitRate.StringFixed(4)
		row.ExchangeRate = p.ExchangeRate.String()
		row.Verdict = VerdictLoss
		if p.Profitable() {
			row.Verdict = VerdictProfitable
		}
	}
	return row
}

// BuildRows pairs records with outcomes by index. Records without an outcome
// (never reached) are reported as pending.
func BuildRows(records []record.InputRecord, outcomes []record.Outcome, targetExponent int32) []Row {
	byIndex := make(map[int]record.Outcome, len(outcomes))
	for _, o := range outcomes {
		byIndex[o.Index] = o
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		o, ok := byIndex[rec.OriginalIndex]
		if !ok {
			rows = append(rows, Row{
				Index:       rec.OriginalIndex,
				Title:       rec.Title,
				SourcePrice: rec.SourcePriceMinor,
				SourceURL:   rec.SourceURL,
				ImageURL:    rec.ImageURL,
				Status:      "pending",
			})
			continue
		}
		rows = append(rows, BuildRow(rec, o, targetExponent))
	}
	return rows
}

// WriteCSV writes rows with the stable header.
func WriteCSV(w io.Writer, rows []Row) error {
	values := make([][]string, len(rows))
	for i, r := range rows {
		values[i] = r.Values()
	}
	return local.WriteCSV(w, Header(), values)
}
