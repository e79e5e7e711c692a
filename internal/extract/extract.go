// Package extract derives a model identifier from free-text listing titles.
//
// Patterns are data, not code: an ordered list of named regular expressions
// tried against the normalized title. The first match wins; if nothing
// matches, the normalized title itself becomes the identifier.
package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shpitdev/soldcomp/internal/record"
	"golang.org/x/text/width"
)

// A match covering at least highCoverageNum/highCoverageDen of the normalized
// title is high confidence.
const (
	highCoverageNum = 2
	highCoverageDen = 5
)

// Pattern is one configured identifier shape. Lower Priority is tried first.
type Pattern struct {
	Name     string `yaml:"name" json:"name"`
	Regex    string `yaml:"regex" json:"regex"`
	Priority int    `yaml:"priority" json:"priority"`
}

// InvalidPattern reports a pattern that failed to compile. It never matches.
type InvalidPattern struct {
	Pattern Pattern
	Err     error
}

// Options controls title normalization.
type Options struct {
	// StripChars are replaced by spaces before matching.
	StripChars string
	// StripSuffixes are removed from the end of the raw title (repeatedly).
	StripSuffixes []string
}

// DefaultStripChars keeps '-' and '.' because reference numbers use them.
const DefaultStripChars = "【】「」『』()（）[]［］{}<>＜＞《》〈〉★☆◆◇■□●○◎※♪!！?？#＃*＊~〜'\"“”‘’、。,，:：;；|｜/／\\"

// DefaultStripSuffixes are marketplace caption suffixes that leak into scraped titles.
var DefaultStripSuffixes = []string{"のサムネイル", "サムネイル"}

type compiled struct {
	pattern Pattern
	re      *regexp.Regexp
}

// Extractor applies a fixed pattern set. It is safe for concurrent use.
type Extractor struct {
	patterns []compiled
	opts     Options
}

// New compiles patterns in priority order. Patterns that fail to compile are
// returned so the caller can log them; they are excluded from matching.
func New(patterns []Pattern, opts Options) (*Extractor, []InvalidPattern) {
	ordered := make([]Pattern, len(patterns))
	copy(ordered, patterns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	e := &Extractor{opts: opts}
	var invalid []InvalidPattern
	for _, p := range ordered {
		if strings.TrimSpace(p.Regex) == "" {
			invalid = append(invalid, InvalidPattern{Pattern: p, Err: errEmptyRegex})
			continue
		}
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			invalid = append(invalid, InvalidPattern{Pattern: p, Err: err})
			continue
		}
		e.patterns = append(e.patterns, compiled{pattern: p, re: re})
	}
	return e, invalid
}

// Patterns returns the usable patterns in the order they are tried.
func (e *Extractor) Patterns() []Pattern {
	out := make([]Pattern, len(e.patterns))
	for i, c := range e.patterns {
		out[i] = c.pattern
	}
	return out
}

// Extract returns the best-effort identifier for title.
func (e *Extractor) Extract(title string) record.ExtractionResult {
	norm := Normalize(title, e.opts)
	if norm == "" {
		return record.ExtractionResult{Confidence: record.ConfidenceFallback}
	}
	for _, c := range e.patterns {
		m := c.re.FindString(norm)
		if m == "" {
			continue
		}
		return record.ExtractionResult{
			Identifier:  m,
			Confidence:  grade(m, norm),
			PatternUsed: c.pattern.Name,
		}
	}
	return record.ExtractionResult{
		Identifier: norm,
		Confidence: record.ConfidenceFallback,
	}
}

func grade(match, norm string) record.Confidence {
	if utf8.RuneCountInString(match)*highCoverageDen >= utf8.RuneCountInString(norm)*highCoverageNum {
		return record.ConfidenceHigh
	}
	return record.ConfidenceLow
}

// Normalize strips caption suffixes, folds full-width forms, upper-cases and
// replaces configured symbols with single spaces.
func Normalize(title string, opts Options) string {
	s := strings.TrimSpace(title)
	for trimmed := true; trimmed; {
		trimmed = false
		for _, suf := range opts.StripSuffixes {
			if suf != "" && strings.HasSuffix(s, suf) {
				s = strings.TrimSpace(strings.TrimSuffix(s, suf))
				trimmed = true
			}
		}
	}
	s = width.Fold.String(s)
	s = strings.ToUpper(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune(opts.StripChars, r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
