package advise_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shpitdev/soldcomp/internal/advise"
	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/pipeline/backoff"
	"github.com/shpitdev/soldcomp/pkg/pipeline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	i := len(g.prompts) - 1
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	return g.replies[i], nil
}

func newAdvisor(t *testing.T, gen advise.Generator) *advise.Advisor {
	return advise.New(gen, advise.Options{
		Normalize:  extract.Options{StripChars: extract.DefaultStripChars},
		MaxRetries: 2,
		Backoff:    backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond},
		Logger:     zaptest.NewLogger(t),
	})
}

func TestFallbackTitles(t *testing.T) {
	t.Parallel()

	fb := func(i int, id string) record.Outcome {
		return record.Success(i, record.ExtractionResult{Identifier: id, Confidence: record.ConfidenceFallback}, record.SearchResult{}, nil)
	}
	outcomes := []record.Outcome{
		fb(0, "CARTIER W51008Q3 TANK"),
		record.Success(1, record.ExtractionResult{Identifier: "SBGA211", Confidence: record.ConfidenceHigh}, record.SearchResult{}, nil),
		fb(2, "CARTIER W51008Q3 TANK"),
		record.Skipped(3, "empty title"),
		record.Failed(4, record.ErrorExternalService, "x", &record.ExtractionResult{Identifier: "ROLEX OYSTER", Confidence: record.ConfidenceFallback}),
	}
	assert.Equal(t, []string{"CARTIER W51008Q3 TANK", "ROLEX OYSTER"}, advise.FallbackTitles(outcomes))
}

func TestSuggest_FiltersAndNumbersPatterns(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{
		errs: []error{&core.TransientError{Err: assert.AnError}},
		replies: []string{"", `{"patterns":[
			{"name":"cartier_ref","regex":"\\bW\\d{4,5}[A-Z]\\d\\b","example":"CARTIER W51008Q3 TANK"},
			{"name":"broken","regex":"(unclosed","example":"x"},
			{"name":"grand_seiko","regex":"\\bSBG[A-Z]\\d{3}\\b","example":"x"},
			{"name":"nothing","regex":"\\bZZZ\\d+\\b","example":"x"},
			{"name":"","regex":"\\bA\\b","example":"x"}
		]}`},
	}
	existing := extract.DefaultPatterns()

	got, rejected, err := newAdvisor(t, gen).Suggest(context.Background(), []string{"cartier w51008q3 tank"}, existing)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cartier_ref", got[0].Name)
	assert.Equal(t, 90, got[0].Priority, "numbered after the highest existing priority")

	reasons := map[string]string{}
	for _, r := range rejected {
		reasons[r.Name] = r.Reason
	}
	assert.Contains(t, reasons["broken"], "does not compile")
	assert.Equal(t, "duplicate of an existing pattern", reasons["grand_seiko"])
	assert.Equal(t, "matches none of the titles", reasons["nothing"])
	assert.Equal(t, "empty name or regex", reasons[""])

	require.Len(t, gen.prompts, 2, "transient error retried once")
	assert.Contains(t, gen.prompts[1], "CARTIER W51008Q3 TANK")

	// The accepted pattern really extracts the identifier.
	ex, invalid := extract.New(append(existing, got...), extract.Options{StripChars: extract.DefaultStripChars})
	require.Empty(t, invalid)
	res := ex.Extract("cartier w51008q3 tank")
	assert.Equal(t, "W51008Q3", res.Identifier)
}

func TestSuggest_NoTitlesNoCall(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{}
	got, rejected, err := newAdvisor(t, gen).Suggest(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, rejected)
	assert.Empty(t, gen.prompts)
}

func TestSuggest_BadJSON(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{replies: []string{"not json"}}
	_, _, err := newAdvisor(t, gen).Suggest(context.Background(), []string{"X"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse suggestion json")
}
