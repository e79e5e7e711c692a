// Package advise asks a language model to propose extraction patterns for
// titles that fell back to the whole normalized title. Suggestions are for a
// person to review and add to the pattern file; a batch never calls this.
package advise

import (
	"context"
	"encoding/json"
	"net"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/pipeline/backoff"
	"github.com/shpitdev/soldcomp/pkg/pipeline/core"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Generator produces a JSON document for prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the Gemini API base URL (proxies, testing).
	BaseURL string
}

type gemini struct {
	client *genai.Client
	model  string
}

// NewGemini returns a Generator backed by the Gemini API.
func NewGemini(ctx context.Context, cfg Config) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.WithHint(errors.New("gemini api key is required"), "set GEMINI_API_KEY")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("gemini model is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}
	return &gemini{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"patterns": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":    {Type: genai.TypeString},
					"regex":   {Type: genai.TypeString},
					"example": {Type: genai.TypeString},
				},
				Required: []string{"name", "regex", "example"},
			},
		},
	},
	Required: []string{"patterns"},
}

func (g *gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	return resp.Text(), nil
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	return err
}

// Advisor proposes pattern descriptors for fallback titles.
type Advisor struct {
	gen        Generator
	opts       extract.Options
	maxTitles  int
	maxRetries int
	backoff    backoff.Policy
	timeout    time.Duration
	logger     *zap.Logger
}

type Options struct {
	// Normalize must match the batch's normalization so suggestions are
	// checked against the same text the extractor sees.
	Normalize  extract.Options
	MaxTitles  int
	MaxRetries int
	Backoff    backoff.Policy
	Timeout    time.Duration
	Logger     *zap.Logger
}

func New(gen Generator, opts Options) *Advisor {
	if opts.MaxTitles <= 0 {
		opts.MaxTitles = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Policy{Initial: time.Second, Max: 10 * time.Second}
	}
	return &Advisor{
		gen:        gen,
		opts:       opts.Normalize,
		maxTitles:  opts.MaxTitles,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
	}
}

// Rejected is a suggestion that was dropped, with the reason.
type Rejected struct {
	Name   string
	Regex  string
	Reason string
}

type suggestion struct {
	Name    string `json:"name"`
	Regex   string `json:"regex"`
	Example string `json:"example"`
}

type response struct {
	Patterns []suggestion `json:"patterns"`
}

// FallbackTitles returns the distinct normalized titles whose extraction fell
// back, in index order.
func FallbackTitles(outcomes []record.Outcome) []string {
	seen := make(map[string]bool)
	var out []string
	for _, o := range outcomes {
		if o.Extraction == nil || o.Extraction.Confidence != record.ConfidenceFallback {
			continue
		}
		id := strings.TrimSpace(o.Extraction.Identifier)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Suggest asks for patterns covering titles. Accepted patterns compile, are
// new relative to existing, and match at least one of the titles; they are
// numbered after the highest existing priority.
func (a *Advisor) Suggest(ctx context.Context, titles []string, existing []extract.Pattern) ([]extract.Pattern, []Rejected, error) {
	if len(titles) == 0 {
		return nil, nil, nil
	}
	if len(titles) > a.maxTitles {
		titles = titles[:a.maxTitles]
	}
	normalized := make([]string, len(titles))
	for i, t := range titles {
		normalized[i] = extract.Normalize(t, a.opts)
	}

	raw, err := backoff.Retry(ctx, a.maxRetries, a.backoff, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.gen.Generate(callCtx, buildPrompt(normalized, existing))
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "suggest patterns")
	}
	var parsed response
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, nil, errors.Wrap(err, "parse suggestion json")
	}

	nextPriority := 0
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Regex] = true
		nextPriority = max(nextPriority, p.Priority)
	}

	var (
		accepted []extract.Pattern
		rejected []Rejected
	)
	for _, s := range parsed.Patterns {
		name := strings.TrimSpace(s.Name)
		expr := strings.TrimSpace(s.Regex)
		reject := func(reason string) {
			rejected = append(rejected, Rejected{Name: name, Regex: expr, Reason: reason})
		}
		if name == "" || expr == "" {
			reject("empty name or regex")
			continue
		}
		if known[expr] {
			reject("duplicate of an existing pattern")
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			reject("does not compile: " + err.Error())
			continue
		}
		if !slices.ContainsFunc(normalized, re.MatchString) {
			reject("matches none of the titles")
			continue
		}
		known[expr] = true
		nextPriority += 10
		accepted = append(accepted, extract.Pattern{Name: name, Regex: expr, Priority: nextPriority})
	}
	for _, r := range rejected {
		a.logger.Debug("suggestion rejected", zap.String("pattern", r.Name), zap.String("reason", r.Reason))
	}
	return accepted, rejected, nil
}

func buildPrompt(titles []string, existing []extract.Pattern) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(`
You help maintain a list of regular expressions that pull a product model or reference number out of
second-hand watch and jewelry listing titles. Titles are upper-cased, full-width characters are folded
to ASCII, and decorative symbols are replaced by spaces. '-' and '.' are kept.

Return ONLY a JSON object {"patterns":[{"name","regex","example"}]} where:
- regex is Go RE2 syntax, matches only the model/reference code (not brand words), and uses \b anchors.
- name is short snake_case naming the brand or code shape.
- example is one of the titles below that the regex matches.
Do not repeat an existing pattern. Prefer few general patterns over many specific ones.
`))
	b.WriteString("\n\nExisting patterns:\n")
	for _, p := range existing {
		b.WriteString("- " + p.Name + ": " + p.Regex + "\n")
	}
	b.WriteString("\nTitles:\n")
	for _, t := range titles {
		b.WriteString("- " + t + "\n")
	}
	return b.String()
}
