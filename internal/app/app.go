// Package app wires configuration, input, the marketplace session and the
// checkpoint into one resumable batch run.
package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/checkpoint"
	"github.com/shpitdev/soldcomp/internal/config"
	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/shpitdev/soldcomp/internal/logging"
	"github.com/shpitdev/soldcomp/internal/market"
	"github.com/shpitdev/soldcomp/internal/metrics"
	"github.com/shpitdev/soldcomp/internal/pipeline"
	"github.com/shpitdev/soldcomp/internal/pricing"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/internal/report"
	"github.com/shpitdev/soldcomp/pkg/pipeline/backoff"
	"github.com/shpitdev/soldcomp/pkg/pipeline/io/local"
	"go.uber.org/zap"
)

// ErrInputChanged is returned when a checkpoint belongs to a different input.
var ErrInputChanged = errors.New("checkpoint was written for a different input")

// Deps are the collaborators a run needs beyond its configuration. Zero
// values are valid.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Transport overrides the marketplace HTTP transport.
	Transport http.RoundTripper
	// HTTPClient is used for the exchange-rate API.
	HTTPClient *http.Client
	// Pacer replaces the pacer built from config (tests use a zero-wait one).
	Pacer *market.Pacer
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
	RunID    string
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RunID == "" {
		d.RunID = uuid.NewString()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Run executes one batch: it resumes from the checkpoint, processes pending
// records, and writes the merged outputs. Outputs are written even when the
// batch halts or is cancelled; the returned error then carries the reason
// (pipeline.ErrHalted or the context error).
func Run(ctx context.Context, cfg config.Config, deps Deps) (report.Summary, error) {
	deps = deps.withDefaults()
	logger := logging.Run(deps.Logger, deps.RunID)
	started := deps.Now()

	records, err := ReadInputFile(cfg.Input.Path, local.Encoding(cfg.Input.Encoding))
	if err != nil {
		return report.Summary{}, err
	}
	logger.Info("input loaded", zap.String("path", cfg.Input.Path), zap.Int("records", len(records)))

	extractor, err := BuildExtractor(cfg.Extract, logger)
	if err != nil {
		return report.Summary{}, err
	}

	rate, err := ResolveRate(ctx, cfg.Exchange, deps.HTTPClient)
	if err != nil {
		return report.Summary{}, err
	}
	engine, err := pricing.NewEngine(pricing.Params{
		Rate:             rate,
		MarkupRate:       cfg.Pricing.Markup(),
		FixedProfitMinor: cfg.Pricing.FixedProfitMinor,
	})
	if err != nil {
		return report.Summary{}, err
	}
	logger.Info("pricing configured",
		zap.String("markup_rate", cfg.Pricing.Markup().String()),
		zap.Int64("fixed_profit", cfg.Pricing.FixedProfitMinor),
		zap.String("exchange_rate", rate.SourcePerTarget.String()),
		zap.String("exchange_mode", cfg.Exchange.Mode),
	)

	store, err := OpenCheckpoint(ctx, cfg)
	if err != nil {
		return report.Summary{}, err
	}
	defer func() {
		_ = store.Close()
	}()

	fp := checkpoint.Fingerprint(records)
	if prior, ok := store.Loaded(); ok {
		if prior.InputFingerprint != "" && prior.InputFingerprint != fp {
			return report.Summary{}, errors.WithHint(
				errors.Wrapf(ErrInputChanged, "checkpoint %s (run %s)", cfg.CheckpointPath(), prior.RunID),
				"use the original input, or move the checkpoint aside to start over",
			)
		}
		logger.Info("resuming from checkpoint",
			zap.String("path", cfg.CheckpointPath()),
			zap.String("prior_run", prior.RunID),
			zap.Int("finalized", len(prior.Outcomes)),
		)
	}
	store.SetRun(deps.RunID, fp)
	if cfg.Checkpoint.RetryFailed {
		released := store.Release(record.ErrorExternalService, record.ErrorSessionExpired)
		if len(released) > 0 {
			logger.Info("retrying records that failed on the marketplace", zap.Ints("indices", released))
		}
	}

	indices := make([]int, len(records))
	for i, r := range records {
		indices[i] = r.OriginalIndex
	}
	plan := store.ResumePlan(indices)
	pending := selectRecords(records, plan)
	resumedFrom := len(records) - len(pending)
	if deps.Metrics != nil {
		deps.Metrics.SetPending(len(pending))
	}

	var (
		runSum   pipeline.Summary
		runErr   error
		fresh    []record.Outcome
		progress *report.Progress
	)
	if len(pending) > 0 {
		client, err := OpenMarket(cfg.Market, deps, logger)
		if err != nil {
			return report.Summary{}, err
		}
		if deps.Progress != nil {
			progress = report.NewProgress(len(pending), deps.Progress)
		}
		orch := pipeline.New(extractor, client, engine, store, logger, pipeline.Options{
			FlushInterval: cfg.Checkpoint.Interval,
			OnFinalized: func(_ record.InputRecord, o record.Outcome) {
				fresh = append(fresh, o)
				progress.Step(o)
				if deps.Metrics != nil {
					deps.Metrics.ObserveOutcome(o)
				}
			},
		})
		logger.Info("batch started", zap.Int("pending", len(pending)), zap.Int("already_finalized", resumedFrom))
		runSum, runErr = orch.Run(ctx, pending)
		progress.Stop()
	} else {
		logger.Info("nothing to do: every record is already finalized")
	}

	merged, err := store.Merge(fresh)
	if err != nil {
		return report.Summary{}, errors.CombineErrors(err, runErr)
	}
	rows := pipeline.BuildRows(records, merged, cfg.Exchange.TargetExponent)
	sum := report.Build(records, merged, runSum, report.Params{
		RunID:            deps.RunID,
		MarkupRate:       cfg.Pricing.Markup(),
		FixedProfitMinor: cfg.Pricing.FixedProfitMinor,
		ExchangeRate:     rate.SourcePerTarget,
		ResumedFrom:      resumedFrom,
		StartedAt:        started,
		FinishedAt:       deps.Now(),
	})
	files, err := report.WriteAll(rows, sum, report.Options{
		Dir:                cfg.Output.Dir,
		Stem:               inputStem(cfg.Input.Path),
		XLSX:               cfg.Output.XLSX,
		ProfitableOnlyFile: cfg.Output.ProfitableOnlyFile,
	})
	sum.Files = files
	if err != nil {
		return sum, errors.CombineErrors(errors.Wrap(err, "write outputs"), runErr)
	}

	logger.Info("batch finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("pending", sum.Pending),
		zap.Int("profitable", sum.Profitable),
		zap.Bool("halted", sum.Halted),
		zap.String("results", files.Results),
		zap.Duration("elapsed", deps.Now().Sub(started).Round(time.Millisecond)),
	)
	return sum, runErr
}

// BuildExtractor loads the configured patterns and logs any that fail to
// compile. Invalid patterns never match; they do not stop the run.
func BuildExtractor(cfg config.ExtractConfig, logger *zap.Logger) (*extract.Extractor, error) {
	patterns, err := extract.LoadPatterns(strings.TrimSpace(cfg.PatternsFile))
	if err != nil {
		return nil, err
	}
	ex, invalid := extract.New(patterns, extract.Options{
		StripChars:    cfg.StripChars,
		StripSuffixes: cfg.StripSuffixes,
	})
	for _, bad := range invalid {
		logger.Warn("ignoring invalid extraction pattern",
			zap.String("pattern", bad.Pattern.Name),
			zap.String("regex", bad.Pattern.Regex),
			zap.Error(bad.Err),
		)
	}
	return ex, nil
}

// ResolveRate returns the exchange rate for the run.
func ResolveRate(ctx context.Context, cfg config.ExchangeConfig, httpClient *http.Client) (pricing.Rate, error) {
	var src pricing.RateSource
	switch cfg.Mode {
	case config.ExchangeAPI:
		src = pricing.APIRate{
			URL:            cfg.APIURL,
			SourceCurrency: cfg.SourceCurrency,
			TargetExponent: cfg.TargetExponent,
			HTTPClient:     httpClient,
			MaxRetries:     cfg.MaxRetries,
			Backoff:        backoff.Policy{Initial: 500 * time.Millisecond, Max: 5 * time.Second},
			RequestTimeout: cfg.Timeout,
		}
	default:
		rate, err := pricing.NewRate(cfg.FixedRate(), cfg.TargetExponent)
		if err != nil {
			return pricing.Rate{}, errors.Wrap(err, "exchange.rate")
		}
		src = pricing.FixedRate{Rate: rate}
	}
	rate, err := src.Resolve(ctx)
	if err != nil {
		return pricing.Rate{}, errors.Wrap(err, "resolve exchange rate")
	}
	return rate, nil
}

// OpenCheckpoint opens the configured checkpoint backend and loads it.
func OpenCheckpoint(ctx context.Context, cfg config.Config) (*checkpoint.Store, error) {
	path := cfg.CheckpointPath()
	var backend checkpoint.Backend
	switch cfg.Checkpoint.Backend {
	case config.BackendSQLite:
		b, err := checkpoint.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = checkpoint.NewFileBackend(path)
	}
	store, err := checkpoint.Open(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// OpenMarket establishes the session from the supplied cookies and builds the
// search client.
func OpenMarket(cfg config.MarketConfig, deps Deps, logger *zap.Logger) (*market.Client, error) {
	session, err := market.OpenSession(market.SessionConfig{
		BaseURL:    cfg.BaseURL,
		CookieFile: cfg.CookieFile,
		UserAgent:  cfg.UserAgent,
		Transport:  deps.Transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open marketplace session")
	}
	opts := []market.Option{market.WithLogger(logger), market.WithClock(deps.Now)}
	if deps.Metrics != nil {
		opts = append(opts, market.WithObserver(deps.Metrics))
	}
	if deps.Pacer != nil {
		opts = append(opts, market.WithPacer(deps.Pacer))
	}
	return market.NewClient(session, MarketConfig(cfg), opts...)
}

// MarketConfig maps configuration onto the client's settings.
func MarketConfig(cfg config.MarketConfig) market.Config {
	return market.Config{
		Pacer: market.PacerConfig{
			MinWait:           cfg.MinWait,
			MaxWait:           cfg.MaxWait,
			MaxWaitCap:        cfg.MaxWaitCap,
			SearchesPerMinute: cfg.SearchesPerMinute,
		},
		MaxRetry:       cfg.MaxRetry,
		RequestTimeout: cfg.RequestTimeout,
		Marketplace:    cfg.Marketplace,
		SearchDays:     cfg.SearchDays,
		Currency:       cfg.Currency,
		PriceFilter: market.PriceFilter{
			Enabled:  cfg.PriceFilter.Enabled,
			MinMinor: cfg.PriceFilter.MinMinor,
			MaxMinor: cfg.PriceFilter.MaxMinor,
		},
	}
}

func selectRecords(records []record.InputRecord, indices []int) []record.InputRecord {
	want := make(map[int]bool, len(indices))
	for _, i := range indices {
		want[i] = true
	}
	out := make([]record.InputRecord, 0, len(indices))
	for _, r := range records {
		if want[r.OriginalIndex] {
			out = append(out, r)
		}
	}
	return out
}

func inputStem(path string) string {
	base := filepath.Base(strings.TrimSpace(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// rateForDisplay is the configured fixed rate, or zero in api mode (dry runs
// never touch the network).
func rateForDisplay(cfg config.ExchangeConfig) decimal.Decimal {
	if cfg.Mode == config.ExchangeFixed {
		return cfg.FixedRate()
	}
	return decimal.Zero
}
