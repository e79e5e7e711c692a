package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/checkpoint"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func successOutcome(idx int) record.Outcome {
	ext := record.ExtractionResult{Identifier: "SBGA211", Confidence: record.ConfidenceHigh, PatternUsed: "grand_seiko"}
	search := record.SearchResult{
		Status:     record.SearchFound,
		Candidates: []record.Candidate{{Title: "GS", URL: "https://www.example.com/itm/1", PriceMinor: 13333, Currency: "USD"}},
		Attempts:   1,
		SearchedAt: fixedNow,
	}
	pricing := &record.PricingResult{
		TargetPriceMinor:    15000,
		ConvertedPriceMinor: 20000,
		ProfitMinor:         5000,
		ProfitRate:          decimal.RequireFromString("0.5"),
		ExchangeRate:        decimal.RequireFromString("150"),
		MarkupRate:          decimal.RequireFromString("0.2"),
		FixedProfitMinor:    3000,
		ComputedAt:          fixedNow,
	}
	return record.Success(idx, ext, search, pricing)
}

type backendCase struct {
	name string
	open func(t *testing.T) checkpoint.Backend
}

func backends(dir string) []backendCase {
	return []backendCase{
		{name: "file", open: func(t *testing.T) checkpoint.Backend {
			return checkpoint.NewFileBackend(filepath.Join(dir, "file", "checkpoint.json"))
		}},
		{name: "sqlite", open: func(t *testing.T) checkpoint.Backend {
			b, err := checkpoint.OpenSQLite(context.Background(), filepath.Join(dir, "checkpoint.db"))
			require.NoError(t, err)
			return b
		}},
	}
}

func TestStore_RoundTripAcrossBackends(t *testing.T) {
	t.Parallel()

	for _, bc := range backends(t.TempDir()) {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()

			b := bc.open(t)
			s, err := checkpoint.Open(ctx, b)
			require.NoError(t, err)
			_, resumed := s.Loaded()
			assert.False(t, resumed, "fresh backend has no checkpoint")

			s.WithClock(func() time.Time { return fixedNow })
			s.SetRun("run-1", "fp")
			require.NoError(t, s.Record(successOutcome(2)))
			require.NoError(t, s.Record(record.Skipped(0, "empty title")))
			require.NoError(t, s.Record(record.Failed(1, record.ErrorExternalService, "retries exhausted", nil)))
			assert.Equal(t, 3, s.Pending())
			require.NoError(t, s.Flush(ctx))
			assert.Equal(t, 0, s.Pending())
			want := s.Outcomes()
			require.NoError(t, s.Close())

			s2, err := checkpoint.Open(ctx, bc.open(t))
			require.NoError(t, err)
			defer func() {
				_ = s2.Close()
			}()
			cp, resumed := s2.Loaded()
			require.True(t, resumed)
			assert.Equal(t, "run-1", cp.RunID)
			assert.Equal(t, "fp", cp.InputFingerprint)
			assert.Equal(t, 2, cp.LastCompletedIndex)
			assert.True(t, cp.SavedAt.Equal(fixedNow))

			got := s2.Outcomes()
			require.Len(t, got, 3)
			for i := range want {
				assert.True(t, want[i].Equal(got[i]), "outcome %d differs after reload", i)
				assert.Equal(t, i, got[i].Index)
			}
		})
	}
}

func TestStore_RecordIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := checkpoint.Open(context.Background(), checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "cp.json")))
	require.NoError(t, err)

	require.NoError(t, s.Record(successOutcome(4)))
	require.NoError(t, s.Record(successOutcome(4)))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Pending())
}

func TestStore_RecordConflict(t *testing.T) {
	t.Parallel()

	s, err := checkpoint.Open(context.Background(), checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "cp.json")))
	require.NoError(t, err)

	require.NoError(t, s.Record(successOutcome(4)))
	err = s.Record(record.Skipped(4, "empty title"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrConflict))
	assert.Equal(t, record.OutcomeSuccess, s.Outcomes()[0].Kind, "finalized outcome is unchanged")
}

func TestStore_ResumePlan(t *testing.T) {
	t.Parallel()

	s, err := checkpoint.Open(context.Background(), checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "cp.json")))
	require.NoError(t, err)
	for _, idx := range []int{0, 1, 3} {
		require.NoError(t, s.Record(record.Skipped(idx, "empty title")))
	}

	assert.Equal(t, []int{2, 4, 5}, s.ResumePlan([]int{0, 1, 2, 3, 4, 5}))
	assert.Empty(t, s.ResumePlan([]int{0, 1, 3}))
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(2))
}

func TestStore_ReleaseFailed(t *testing.T) {
	t.Parallel()

	for _, bc := range backends(t.TempDir()) {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()

			s, err := checkpoint.Open(ctx, bc.open(t))
			require.NoError(t, err)
			require.NoError(t, s.Record(successOutcome(0)))
			require.NoError(t, s.Record(record.Failed(1, record.ErrorExternalService, "retries exhausted", nil)))
			require.NoError(t, s.Record(record.Skipped(2, "empty title")))
			require.NoError(t, s.Record(record.Failed(3, record.ErrorSessionExpired, "signed out", nil)))
			require.NoError(t, s.Record(record.Failed(4, record.ErrorInternal, "panic", nil)))
			require.NoError(t, s.Flush(ctx))
			require.NoError(t, s.Close())

			reopened, err := checkpoint.Open(ctx, bc.open(t))
			require.NoError(t, err)
			released := reopened.Release(record.ErrorExternalService, record.ErrorSessionExpired)
			assert.Equal(t, []int{1, 3}, released)
			assert.Equal(t, []int{1, 3}, reopened.ResumePlan([]int{0, 1, 2, 3, 4}))
			assert.Empty(t, reopened.Release(record.ErrorExternalService), "nothing left to release")

			// A fresh outcome for a released index merges without conflict.
			require.NoError(t, reopened.Record(successOutcome(1)))
			merged, err := reopened.Merge([]record.Outcome{successOutcome(1)})
			require.NoError(t, err)
			require.Len(t, merged, 4)
			assert.Equal(t, record.OutcomeSuccess, merged[1].Kind)
			assert.Equal(t, record.ErrorInternal, merged[3].ErrorKind)
			require.NoError(t, reopened.Flush(ctx))
			require.NoError(t, reopened.Close())

			// The replaced outcome is persisted and the unfinished release stays pending.
			again, err := checkpoint.Open(ctx, bc.open(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = again.Close() })
			assert.Equal(t, []int{3}, again.ResumePlan([]int{0, 1, 2, 3, 4}))
			got := again.Outcomes()
			require.Len(t, got, 4)
			assert.Equal(t, record.OutcomeSuccess, got[1].Kind)
		})
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	prior := []record.Outcome{record.Skipped(0, "empty title"), successOutcome(2)}
	fresh := []record.Outcome{successOutcome(1), successOutcome(2)}

	got, err := checkpoint.Merge(prior, fresh)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, o := range got {
		assert.Equal(t, i, o.Index)
	}

	_, err = checkpoint.Merge(prior, []record.Outcome{record.Skipped(2, "empty title")})
	assert.True(t, errors.Is(err, checkpoint.ErrConflict))
}

func TestFileBackend_MissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cp.json")
	b := checkpoint.NewFileBackend(path)

	_, ok, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, _, err = b.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "move it aside")
}

func TestFileBackend_SaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := checkpoint.Open(context.Background(), checkpoint.NewFileBackend(filepath.Join(dir, "cp.json")))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(record.Skipped(i, "empty title")))
		require.NoError(t, s.Flush(context.Background()))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cp.json", entries[0].Name())
}

func TestFileBackend_FailedSaveKeepsPriorState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cp.json")
	s, err := checkpoint.Open(context.Background(), checkpoint.NewFileBackend(path))
	require.NoError(t, err)
	require.NoError(t, s.Record(record.Skipped(0, "empty title")))
	require.NoError(t, s.Flush(context.Background()))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(record.Skipped(1, "empty title")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 1, s.Pending(), "unflushed outcome stays pending")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := []record.InputRecord{{Title: "x", SourcePriceMinor: 1, OriginalIndex: 0}}
	b := []record.InputRecord{{Title: "x", SourcePriceMinor: 2, OriginalIndex: 0}}
	assert.Equal(t, checkpoint.Fingerprint(a), checkpoint.Fingerprint(a))
	assert.NotEqual(t, checkpoint.Fingerprint(a), checkpoint.Fingerprint(b))
}
