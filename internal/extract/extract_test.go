package extract_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultOpts() extract.Options {
	return extract.Options{
		StripChars:    extract.DefaultStripChars,
		StripSuffixes: extract.DefaultStripSuffixes,
	}
}

func TestExtract_PriorityOrderWins(t *testing.T) {
	t.Parallel()

	// Declared out of order on purpose: priority, not position, decides.
	patterns := []extract.Pattern{
		{Name: "digits", Regex: `\d{3}`, Priority: 2},
		{Name: "prefixed", Regex: `A\d{3}`, Priority: 1},
	}
	e, invalid := extract.New(patterns, defaultOpts())
	require.Empty(t, invalid)

	got := e.Extract("a123 strap")
	assert.Equal(t, "prefixed", got.PatternUsed)
	assert.Equal(t, "A123", got.Identifier)
	assert.Equal(t, []string{"prefixed", "digits"}, names(e.Patterns()))
}

func TestExtract_EqualPrioritiesKeepDeclaredOrder(t *testing.T) {
	t.Parallel()

	e, _ := extract.New([]extract.Pattern{
		{Name: "first", Regex: `X\d`, Priority: 5},
		{Name: "second", Regex: `\d`, Priority: 5},
	}, defaultOpts())
	assert.Equal(t, "first", e.Extract("x1").PatternUsed)
}

func TestExtract_Fallback(t *testing.T) {
	t.Parallel()

	e, _ := extract.New(extract.DefaultPatterns(), defaultOpts())
	got := e.Extract("  vintage   watch【美品】!! ")
	assert.Equal(t, record.ConfidenceFallback, got.Confidence)
	assert.Equal(t, "VINTAGE WATCH 美品", got.Identifier)
	assert.Equal(t, extract.Normalize("  vintage   watch【美品】!! ", defaultOpts()), got.Identifier)
	assert.Empty(t, got.PatternUsed)
}

func TestExtract_Confidence(t *testing.T) {
	t.Parallel()

	e, _ := extract.New(extract.DefaultPatterns(), defaultOpts())

	tests := []struct {
		name  string
		title string
		want  record.Confidence
		id    string
	}{
		{name: "match dominates title", title: "SBGX063 美品", want: record.ConfidenceHigh, id: "SBGX063"},
		{name: "match is a small part", title: "グランドセイコー SBGX063 クォーツ", want: record.ConfidenceLow, id: "SBGX063"},
		{name: "just under forty percent", title: "AB123 XXXXXXX", want: record.ConfidenceLow, id: "AB123"},
		{name: "exactly forty percent", title: "AB1234 XXXXXXXX", want: record.ConfidenceHigh, id: "AB1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.title)
			assert.Equal(t, tt.id, got.Identifier)
			assert.Equal(t, tt.want, got.Confidence)
		})
	}
}

func TestExtract_Normalization(t *testing.T) {
	t.Parallel()

	e, _ := extract.New(extract.DefaultPatterns(), defaultOpts())

	got := e.Extract("ＳＢＧＸ０６３")
	assert.Equal(t, "SBGX063", got.Identifier)
	assert.Equal(t, "grand_seiko", got.PatternUsed)

	got = e.Extract("omega seamaster 2254.50.00のサムネイル")
	assert.Equal(t, "2254.50.00", got.Identifier)
	assert.Equal(t, "dotted_reference", got.PatternUsed)

	got = e.Extract("sbgx063")
	assert.Equal(t, "SBGX063", got.Identifier)
}

func TestExtract_EmptyTitle(t *testing.T) {
	t.Parallel()

	e, _ := extract.New(extract.DefaultPatterns(), defaultOpts())
	for _, title := range []string{"", "   ", "【】「」", "のサムネイル"} {
		got := e.Extract(title)
		assert.Empty(t, got.Identifier, "title %q", title)
		assert.Equal(t, record.ConfidenceFallback, got.Confidence)
	}
}

func TestExtract_InvalidPatternNeverMatches(t *testing.T) {
	t.Parallel()

	e, invalid := extract.New([]extract.Pattern{
		{Name: "broken", Regex: `[unclosed`, Priority: 1},
		{Name: "blank", Regex: "  ", Priority: 2},
		{Name: "ok", Regex: `\bZ\d+\b`, Priority: 3},
	}, defaultOpts())

	require.Len(t, invalid, 2)
	assert.Equal(t, "broken", invalid[0].Pattern.Name)
	assert.Error(t, invalid[0].Err)
	assert.Equal(t, "blank", invalid[1].Pattern.Name)

	got := e.Extract("[unclosed z42")
	assert.Equal(t, "ok", got.PatternUsed)
	assert.Equal(t, "Z42", got.Identifier)
}

func TestExtract_Deterministic(t *testing.T) {
	t.Parallel()

	titles := []string{"BVLGARI BB33SSAUTO 腕時計", "random text", "5500-7890 case", ""}
	first, _ := extract.New(extract.DefaultPatterns(), defaultOpts())
	second, _ := extract.New(extract.DefaultPatterns(), defaultOpts())
	for _, title := range titles {
		a := first.Extract(title)
		assert.Equal(t, a, first.Extract(title))
		assert.Equal(t, a, second.Extract(title))
	}
}

func TestPatternsYAML(t *testing.T) {
	t.Parallel()

	in := `
patterns:
  - name: grand_seiko
    regex: '\bSBG[A-Z]\d{3}\b'
    priority: 1
  - name: generic
    regex: '\b[A-Z]{2}\d{3}\b'
    priority: 9
`
	got, err := extract.ReadPatterns(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, extract.Pattern{Name: "grand_seiko", Regex: `\bSBG[A-Z]\d{3}\b`, Priority: 1}, got[0])

	var buf bytes.Buffer
	require.NoError(t, extract.WritePatterns(&buf, got))
	back, err := extract.ReadPatterns(&buf)
	require.NoError(t, err)
	assert.Equal(t, got, back)

	_, err = extract.ReadPatterns(strings.NewReader("patterns:\n  - name: x\n    pattern: y\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func names(ps []extract.Pattern) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}
