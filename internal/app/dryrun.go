package app

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/shpitdev/soldcomp/internal/config"
	"github.com/shpitdev/soldcomp/internal/pricing"
	"github.com/shpitdev/soldcomp/pkg/pipeline/io/local"
	"github.com/shpitdev/soldcomp/pkg/pipeline/redact"
	"go.uber.org/zap"
)

// DryRun reads the input and shows what the first limit records would be
// searched for, with their target prices. It opens no session, touches no
// checkpoint and makes no network calls.
func DryRun(cfg config.Config, w io.Writer, limit int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := ReadInputFile(cfg.Input.Path, local.Encoding(cfg.Input.Encoding))
	if err != nil {
		return err
	}
	extractor, err := BuildExtractor(cfg.Extract, logger)
	if err != nil {
		return err
	}

	rate := "fetched at run time"
	if r := rateForDisplay(cfg.Exchange); r.IsPositive() {
		rate = r.String()
	}
	if _, err := fmt.Fprintf(w, "input: %s (%d records)\nmarkup: %s  fixed profit: %d  exchange rate: %s\n\n",
		cfg.Input.Path, len(records), cfg.Pricing.Markup(), cfg.Pricing.FixedProfitMinor, rate); err != nil {
		return errors.Wrap(err, "write dry run")
	}

	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	data := pterm.TableData{{"#", "Title", "Price", "Target", "Identifier", "Confidence", "Pattern"}}
	for _, rec := range records[:limit] {
		ext := extractor.Extract(rec.Title)
		data = append(data, []string{
			strconv.Itoa(rec.OriginalIndex),
			redact.Truncate(rec.Title, 50),
			strconv.FormatInt(rec.SourcePriceMinor, 10),
			strconv.FormatInt(pricing.TargetPrice(rec.SourcePriceMinor, cfg.Pricing.Markup(), cfg.Pricing.FixedProfitMinor), 10),
			ext.Identifier,
			string(ext.Confidence),
			ext.PatternUsed,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "render dry run")
	}
	_, err = fmt.Fprintln(w, table)
	return errors.Wrap(err, "write dry run")
}
