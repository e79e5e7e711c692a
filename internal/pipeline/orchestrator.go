// Package pipeline drives each input record through extraction, search and
// pricing, and hands every finalized outcome to the checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/logging"
	"github.com/shpitdev/soldcomp/internal/market"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/pipeline/redact"
	"go.uber.org/zap"
)

// ErrHalted wraps the fatal condition that stopped a batch early.
var ErrHalted = errors.New("batch halted")

type Extractor interface {
	Extract(title string) record.ExtractionResult
}

type Searcher interface {
	Search(ctx context.Context, identifier string) (record.SearchResult, error)
}

type Pricer interface {
	Evaluate(sourcePriceMinor, candidatePriceMinor int64) record.PricingResult
}

// Recorder is the checkpoint as seen by the orchestrator.
type Recorder interface {
	Record(o record.Outcome) error
	Flush(ctx context.Context) error
}

// State is the per-record processing state.
type State int

const (
	StatePending State = iota
	StateExtracted
	StateSearched
	StatePriced
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExtracted:
		return "extracted"
	case StateSearched:
		return "searched"
	case StatePriced:
		return "priced"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

const detailMax = 500

// Summary counts the outcomes finalized by one Run.
type Summary struct {
	Succeeded  int
	Skipped    int
	Failed     int
	Profitable int
	// Halted is set when a fatal condition stopped the batch.
	Halted     bool
	HaltReason string
	// Cancelled is set when the caller's context stopped the batch between records.
	Cancelled bool
}

func (s Summary) Finalized() int {
	return s.Succeeded + s.Skipped + s.Failed
}

func (s *Summary) add(o record.Outcome) {
	switch o.Kind {
	case record.OutcomeSuccess:
		s.Succeeded++
		if o.Pricing != nil && o.Pricing.Profitable() {
			s.Profitable++
		}
	case record.OutcomeSkipped:
		s.Skipped++
	case record.OutcomeFailed:
		s.Failed++
	}
}

type Options struct {
	// FlushInterval is the number of finalized records between durable flushes.
	FlushInterval int
	// OnFinalized runs after each outcome is recorded.
	OnFinalized func(rec record.InputRecord, o record.Outcome)
}

type Orchestrator struct {
	extractor Extractor
	searcher  Searcher
	pricer    Pricer
	recorder  Recorder
	logger    *zap.Logger
	opts      Options
}

func New(e Extractor, s Searcher, p Pricer, r Recorder, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FlushInterval < 1 {
		opts.FlushInterval = 1
	}
	return &Orchestrator{
		extractor: e,
		searcher:  s,
		pricer:    p,
		recorder:  r,
		logger:    logger,
		opts:      opts,
	}
}

// Run processes records strictly one at a time, in order.
//
// Cancellation of ctx is observed only between records: the record in flight
// runs to finalization on a context that ignores cancellation. A session
// expiry finalizes the in-flight record as failed, flushes, and returns an
// error marked with ErrHalted. Records never started stay absent from the
// checkpoint.
func (o *Orchestrator) Run(ctx context.Context, records []record.InputRecord) (Summary, error) {
	var sum Summary
	inflight := context.WithoutCancel(ctx)
	sinceFlush := 0

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			sum.Cancelled = true
			o.logger.Info("batch cancelled between records",
				zap.Int(logging.FieldIndex, rec.OriginalIndex),
				zap.Int("finalized", sum.Finalized()),
			)
			if ferr := o.recorder.Flush(inflight); ferr != nil {
				return sum, errors.CombineErrors(err, ferr)
			}
			return sum, err
		}

		out, fatal := o.process(inflight, rec)
		if err := o.recorder.Record(out); err != nil {
			return sum, errors.Wrapf(err, "record outcome %d", rec.OriginalIndex)
		}
		sum.add(out)
		sinceFlush++
		if o.opts.OnFinalized != nil {
			o.opts.OnFinalized(rec, out)
		}

		if fatal != nil {
			sum.Halted = true
			sum.HaltReason = redact.Secrets(fatal.Error())
			o.logger.Error("batch halted",
				zap.Int(logging.FieldIndex, rec.OriginalIndex),
				zap.Int("finalized", sum.Finalized()),
				zap.Error(fatal),
			)
			if ferr := o.recorder.Flush(inflight); ferr != nil {
				return sum, errors.CombineErrors(errors.Mark(fatal, ErrHalted), ferr)
			}
			return sum, errors.Mark(fatal, ErrHalted)
		}

		if sinceFlush >= o.opts.FlushInterval {
			if err := o.recorder.Flush(inflight); err != nil {
				return sum, err
			}
			sinceFlush = 0
		}
	}

	if err := o.recorder.Flush(inflight); err != nil {
		return sum, err
	}
	return sum, nil
}

// process moves one record to Finalized. fatal is non-nil only for conditions
// that must stop the batch.
func (o *Orchestrator) process(ctx context.Context, rec record.InputRecord) (out record.Outcome, fatal error) {
	state := StatePending
	var ext *record.ExtractionResult
	log := o.logger.With(zap.Int(logging.FieldIndex, rec.OriginalIndex))

	defer func() {
		if r := recover(); r != nil {
			log.Error("record panicked", zap.String(logging.FieldState, state.String()), zap.Any("panic", r))
			out = record.Failed(rec.OriginalIndex, record.ErrorInternal, fmt.Sprintf("internal error while %s: %v", state, r), ext)
			fatal = nil
		}
	}()

	if strings.TrimSpace(rec.Title) == "" {
		return record.Skipped(rec.OriginalIndex, "empty title"), nil
	}
	e := o.extractor.Extract(rec.Title)
	if strings.TrimSpace(e.Identifier) == "" {
		return record.Skipped(rec.OriginalIndex, "empty title"), nil
	}
	ext = &e
	state = StateExtracted
	log = log.With(zap.String(logging.FieldIdentifier, e.Identifier))

	res, err := o.searcher.Search(ctx, e.Identifier)
	if err != nil {
		detail := redact.Truncate(redact.Secrets(err.Error()), detailMax)
		if errors.Is(err, market.ErrSessionExpired) || errors.Is(err, market.ErrNoSession) {
			return record.Failed(rec.OriginalIndex, record.ErrorSessionExpired, detail, ext), err
		}
		log.Warn("search returned an unclassified error", zap.Error(err))
		return record.Failed(rec.OriginalIndex, record.ErrorExternalService, detail, ext), nil
	}
	state = StateSearched

	switch res.Status {
	case record.SearchError:
		log.Warn("search failed", zap.String("detail", res.ErrorDetail), zap.Int(logging.FieldAttempt, res.Attempts))
		return record.Failed(rec.OriginalIndex, record.ErrorExternalService,
			redact.Truncate(redact.Secrets(res.ErrorDetail), detailMax), ext), nil
	case record.SearchEmpty:
		log.Debug("no comparable listings")
		return record.Success(rec.OriginalIndex, e, res, nil), nil
	}

	best, ok := res.Best()
	if !ok {
		return record.Success(rec.OriginalIndex, e, res, nil), nil
	}
	p := o.pricer.Evaluate(rec.SourcePriceMinor, best.PriceMinor)
	state = StatePriced
	log.Debug("record priced",
		zap.Int64("target_minor", p.TargetPriceMinor),
		zap.Int64("profit_minor", p.ProfitMinor),
		zap.String(logging.FieldState, state.String()),
	)
	return record.Success(rec.OriginalIndex, e, res, &p), nil
}
