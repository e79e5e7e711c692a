// Package report writes the batch outputs and renders the end-of-run summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/pipeline"
	"github.com/shpitdev/soldcomp/internal/record"
)

// Summary describes the merged state of a batch, including outcomes carried
// over from earlier runs of the same input.
type Summary struct {
	RunID            string    `json:"run_id"`
	Total            int       `json:"total"`
	Succeeded        int       `json:"succeeded"`
	Skipped          int       `json:"skipped"`
	Failed           int       `json:"failed"`
	Pending          int       `json:"pending"`
	Profitable       int       `json:"profitable"`
	TotalProfitMinor int64     `json:"total_profit_minor"`
	Halted           bool      `json:"halted"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	Cancelled        bool      `json:"cancelled"`
	ResumedFrom      int       `json:"resumed_from"`
	ProcessedThisRun int       `json:"processed_this_run"`
	MarkupRate       string    `json:"markup_rate"`
	FixedProfitMinor int64     `json:"fixed_profit_minor"`
	ExchangeRate     string    `json:"exchange_rate"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Files            Files     `json:"files"`
}

// Params are the run settings echoed into the summary.
type Params struct {
	RunID            string
	MarkupRate       decimal.Decimal
	FixedProfitMinor int64
	ExchangeRate     decimal.Decimal
	ResumedFrom      int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Build summarizes the merged outcomes for records. run is the summary of the
// current invocation only.
func Build(records []record.InputRecord, outcomes []record.Outcome, run pipeline.Summary, p Params) Summary {
	s := Summary{
		RunID:            p.RunID,
		Total:            len(records),
		Halted:           run.Halted,
		HaltReason:       run.HaltReason,
		Cancelled:        run.Cancelled,
		ResumedFrom:      p.ResumedFrom,
		ProcessedThisRun: run.Finalized(),
		MarkupRate:       p.MarkupRate.String(),
		FixedProfitMinor: p.FixedProfitMinor,
		ExchangeRate:     p.ExchangeRate.String(),
		StartedAt:        p.StartedAt.UTC(),
		FinishedAt:       p.FinishedAt.UTC(),
	}
	for _, o := range outcomes {
		switch o.Kind {
		case record.OutcomeSuccess:
			s.Succeeded++
			if o.Pricing != nil && o.Pricing.Profitable() {
				s.Profitable++
				s.TotalProfitMinor += o.Pricing.ProfitMinor
			}
		case record.OutcomeSkipped:
			s.Skipped++
		case record.OutcomeFailed:
			s.Failed++
		}
	}
	s.Pending = s.Total - s.Succeeded - s.Skipped - s.Failed
	if s.Pending < 0 {
		s.Pending = 0
	}
	return s
}

// Complete reports whether every record has an outcome.
func (s Summary) Complete() bool {
	return s.Pending == 0
}

// RenderTable renders s as a two-column table.
func RenderTable(s Summary) (string, error) {
	status := "complete"
	switch {
	case s.Halted:
		status = "halted: " + s.HaltReason
	case s.Cancelled:
		status = "cancelled"
	case !s.Complete():
		status = "incomplete"
	}
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Run", s.RunID},
		{"Status", status},
		{"Records", fmt.Sprint(s.Total)},
		{"Succeeded", fmt.Sprint(s.Succeeded)},
		{"Skipped", fmt.Sprint(s.Skipped)},
		{"Failed", fmt.Sprint(s.Failed)},
		{"Pending", fmt.Sprint(s.Pending)},
		{"Profitable", fmt.Sprint(s.Profitable)},
		{"Total profit", fmt.Sprint(s.TotalProfitMinor)},
		{"Processed this run", fmt.Sprint(s.ProcessedThisRun)},
		{"Markup / fixed / rate", fmt.Sprintf("%s / %d / %s", s.MarkupRate, s.FixedProfitMinor, s.ExchangeRate)},
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return "", errors.Wrap(err, "render summary table")
	}
	return out, nil
}

// Files names what WriteAll produced. Empty fields were not written.
type Files struct {
	Results    string `json:"results"`
	Profitable string `json:"profitable,omitempty"`
	Errors     string `json:"errors,omitempty"`
	Summary    string `json:"summary"`
	XLSX       string `json:"xlsx,omitempty"`
}

type Options struct {
	Dir string
	// Stem prefixes every file name, usually the input file's base name.
	Stem               string
	XLSX               bool
	ProfitableOnlyFile bool
}

// WriteAll writes the results CSV, the summary JSON and, when applicable, the
// profitable list, the error list and the workbook.
func WriteAll(rows []pipeline.Row, s Summary, opts Options) (Files, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Files{}, errors.Wrapf(err, "create output dir %s", opts.Dir)
	}
	stem := strings.TrimSpace(opts.Stem)
	if stem == "" {
		stem = "soldcomp"
	}
	name := func(suffix string) string {
		return filepath.Join(opts.Dir, stem+"_"+suffix)
	}

	var files Files
	files.Results = name("results.csv")
	if err := writeFile(files.Results, func(w io.Writer) error {
		return pipeline.WriteCSV(w, rows)
	}); err != nil {
		return files, err
	}

	if opts.ProfitableOnlyFile {
		if profitable := Profitable(rows); len(profitable) > 0 {
			files.Profitable = name("profitable.csv")
			if err := writeFile(files.Profitable, func(w io.Writer) error {
				return pipeline.WriteCSV(w, profitable)
			}); err != nil {
				return files, err
			}
		}
	}

	if failed := Failures(rows); len(failed) > 0 {
		files.Errors = name("errors.csv")
		if err := writeFile(files.Errors, func(w io.Writer) error {
			return pipeline.WriteCSV(w, failed)
		}); err != nil {
			return files, err
		}
	}

	if opts.XLSX {
		files.XLSX = name("results.xlsx")
		if err := WriteXLSX(files.XLSX, rows); err != nil {
			return files, err
		}
	}

	files.Summary = name("summary.json")
	if err := writeFile(files.Summary, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		s.Files = files
		return enc.Encode(s)
	}); err != nil {
		return files, err
	}
	return files, nil
}

// Profitable returns rows with the profitable verdict.
func Profitable(rows []pipeline.Row) []pipeline.Row {
	var out []pipeline.Row
	for _, r := range rows {
		if r.Verdict == pipeline.VerdictProfitable {
			out = append(out, r)
		}
	}
	return out
}

// Failures returns failed rows.
func Failures(rows []pipeline.Row) []pipeline.Row {
	var out []pipeline.Row
	for _, r := range rows {
		if r.Status == string(record.OutcomeFailed) {
			out = append(out, r)
		}
	}
	return out
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
