package extract

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

var errEmptyRegex = errors.New("empty regex")

// PatternFile is the on-disk shape of a pattern set.
type PatternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// DefaultPatterns covers the reference-number shapes seen in watch and
// accessory listings. Specific brand shapes run before the generic ones.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "omega_reference", Regex: `\b\d{3}\.\d{2}\.\d{2}\.\d{2}\.\d{2}\.\d{3}\b`, Priority: 10},
		{Name: "grand_seiko", Regex: `\bSBG[A-Z]\d{3}\b`, Priority: 20},
		{Name: "bvlgari", Regex: `\bBB\d{2}[A-Z]{1,8}\b`, Priority: 30},
		{Name: "case_number", Regex: `\b\d{4}-\d{4}\b`, Priority: 50},
		{Name: "dotted_reference", Regex: `\b\d{4}\.\d{2}\.\d{2}\b`, Priority: 60},
		{Name: "letters_digits", Regex: `\b[A-Z]{2,4}\d{3,4}[A-Z]?\b`, Priority: 70},
		{Name: "hyphenated_code", Regex: `\b[A-Z0-9]{2,}-[A-Z0-9]{2,}\b`, Priority: 80},
	}
}

// ReadPatterns decodes a YAML pattern set.
func ReadPatterns(r io.Reader) ([]Pattern, error) {
	var pf PatternFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "decode patterns")
	}
	return pf.Patterns, nil
}

// LoadPatterns reads a YAML pattern file. An empty path yields DefaultPatterns.
func LoadPatterns(path string) ([]Pattern, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open pattern file %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	patterns, err := ReadPatterns(f)
	if err != nil {
		return nil, errors.Wrapf(err, "pattern file %s", path)
	}
	if len(patterns) == 0 {
		return nil, errors.WithHint(errors.Newf("pattern file %s has no patterns", path), "add at least one {name, regex, priority} entry under 'patterns:'")
	}
	return patterns, nil
}

// WritePatterns encodes patterns in the same YAML shape ReadPatterns accepts.
func WritePatterns(w io.Writer, patterns []Pattern) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(PatternFile{Patterns: patterns}); err != nil {
		return errors.Wrap(err, "encode patterns")
	}
	return enc.Close()
}
