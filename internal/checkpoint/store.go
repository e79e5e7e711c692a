// Package checkpoint keeps the durable record of finalized outcomes that makes
// an interrupted batch resumable.
//
// A Store is written only by the orchestrator's single flow. Outcomes are
// immutable once recorded; resume works by skipping recorded indices and
// merging, never by recomputing.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/record"
)

// ErrConflict is returned when an index is recorded twice with different outcomes.
var ErrConflict = errors.New("checkpoint conflict")

// FormatVersion is written into every checkpoint.
const FormatVersion = 1

// Checkpoint is the persisted snapshot. Outcomes are ordered by index.
type Checkpoint struct {
	Version            int              `json:"version"`
	RunID              string           `json:"run_id,omitempty"`
	InputFingerprint   string           `json:"input_fingerprint,omitempty"`
	LastCompletedIndex int              `json:"last_completed_index"`
	Outcomes           []record.Outcome `json:"outcomes"`
	SavedAt            time.Time        `json:"saved_at"`
}

// Backend persists snapshots. Save must be atomic: on error the previously
// saved snapshot stays readable.
type Backend interface {
	Load(ctx context.Context) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
	Close() error
}

type Store struct {
	backend Backend
	now     func() time.Time

	prior   Checkpoint
	resumed bool

	outcomes map[int]record.Outcome
	runID    string
	inputFP  string
	dirty    int
}

// Open loads any existing checkpoint from b.
func Open(ctx context.Context, b Backend) (*Store, error) {
	if b == nil {
		return nil, errors.New("checkpoint: nil backend")
	}
	cp, ok, err := b.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	s := &Store{
		backend:  b,
		now:      time.Now,
		outcomes: make(map[int]record.Outcome, len(cp.Outcomes)),
	}
	if ok {
		s.prior = cp
		s.resumed = true
		s.runID = cp.RunID
		s.inputFP = cp.InputFingerprint
		for _, o := range cp.Outcomes {
			if existing, dup := s.outcomes[o.Index]; dup && !existing.Equal(o) {
				return nil, errors.Wrapf(ErrConflict, "stored checkpoint has two outcomes for index %d", o.Index)
			}
			s.outcomes[o.Index] = o
		}
	}
	return s, nil
}

// Loaded returns the snapshot read by Open, if there was one.
func (s *Store) Loaded() (Checkpoint, bool) {
	return s.prior, s.resumed
}

// SetRun stamps the run id and input fingerprint written on the next flush.
func (s *Store) SetRun(runID, inputFingerprint string) {
	s.runID = runID
	s.inputFP = inputFingerprint
}

// WithClock overrides the SavedAt clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Record adds a finalized outcome. Recording the same outcome again is a no-op;
// recording a different one for the same index returns ErrConflict.
func (s *Store) Record(o record.Outcome) error {
	if existing, ok := s.outcomes[o.Index]; ok {
		if existing.Equal(o) {
			return nil
		}
		return errors.Wrapf(ErrConflict, "index %d already finalized as %s", o.Index, existing.Kind)
	}
	s.outcomes[o.Index] = o
	s.dirty++
	return nil
}

// Pending reports how many outcomes were recorded since the last flush.
func (s *Store) Pending() int {
	return s.dirty
}

func (s *Store) Len() int {
	return len(s.outcomes)
}

// Has reports whether index is finalized.
func (s *Store) Has(index int) bool {
	_, ok := s.outcomes[index]
	return ok
}

// Snapshot builds the checkpoint that Flush would write.
func (s *Store) Snapshot() Checkpoint {
	cp := Checkpoint{
		Version:            FormatVersion,
		RunID:              s.runID,
		InputFingerprint:   s.inputFP,
		LastCompletedIndex: -1,
		Outcomes:           s.Outcomes(),
		SavedAt:            s.now().UTC(),
	}
	if n := len(cp.Outcomes); n > 0 {
		cp.LastCompletedIndex = cp.Outcomes[n-1].Index
	}
	return cp
}

// Flush durably writes every recorded outcome.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.backend.Save(ctx, s.Snapshot()); err != nil {
		return errors.Wrap(err, "flush checkpoint")
	}
	s.dirty = 0
	return nil
}

// ResumePlan returns the indices that have no recorded outcome, in input order.
func (s *Store) ResumePlan(indices []int) []int {
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if _, ok := s.outcomes[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}

// Release forgets loaded Failed outcomes whose error kind is one of kinds, so
// the next ResumePlan includes their indices again. Success and Skipped
// outcomes are never released. It returns the released indices in order and
// must be called before the run records anything.
func (s *Store) Release(kinds ...record.ErrorKind) []int {
	var released []int
	for idx, o := range s.outcomes {
		if o.Kind == record.OutcomeFailed && slices.Contains(kinds, o.ErrorKind) {
			delete(s.outcomes, idx)
			released = append(released, idx)
		}
	}
	if len(released) == 0 {
		return nil
	}
	slices.Sort(released)
	s.prior.Outcomes = slices.DeleteFunc(slices.Clone(s.prior.Outcomes), func(o record.Outcome) bool {
		return slices.Contains(released, o.Index)
	})
	return released
}

// Outcomes returns every recorded outcome ordered by index.
func (s *Store) Outcomes() []record.Outcome {
	out := make([]record.Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b record.Outcome) int { return a.Index - b.Index })
	return out
}

// Merge combines the loaded checkpoint's outcomes with fresh ones.
func (s *Store) Merge(fresh []record.Outcome) ([]record.Outcome, error) {
	return Merge(s.prior.Outcomes, fresh)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Merge is the union of prior and fresh by index, ordered by index. Prior
// outcomes win; an index present in both with different outcomes is ErrConflict.
func Merge(prior, fresh []record.Outcome) ([]record.Outcome, error) {
	byIndex := make(map[int]record.Outcome, len(prior)+len(fresh))
	for _, set := range [][]record.Outcome{prior, fresh} {
		for _, o := range set {
			if existing, ok := byIndex[o.Index]; ok {
				if !existing.Equal(o) {
					return nil, errors.Wrapf(ErrConflict, "index %d", o.Index)
				}
				continue
			}
			byIndex[o.Index] = o
		}
	}
	out := make([]record.Outcome, 0, len(byIndex))
	for _, o := range byIndex {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b record.Outcome) int { return a.Index - b.Index })
	return out, nil
}

// Fingerprint identifies an input batch so a resume against different input
// can be detected.
func Fingerprint(records []record.InputRecord) string {
	h := sha256.New()
	for _, r := range records {
		_, _ = h.Write([]byte(strconv.Itoa(r.OriginalIndex)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(r.Title))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatInt(r.SourcePriceMinor, 10)))
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
