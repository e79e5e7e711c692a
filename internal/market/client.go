// Package market drives the sold-listing research page of the marketplace.
//
// A Client owns one Session and performs at most one request at a time. Every
// search is paced, classified and retried here, so callers only ever see a
// SearchResult or the fatal ErrSessionExpired.
package market

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/record"
	"go.uber.org/zap"
)

// ErrSessionExpired is fatal for the batch: the session needs to be
// re-established outside this process.
var ErrSessionExpired = errors.New("marketplace session expired")

// ErrNoSession is returned when Search runs before a session was opened. Like
// ErrSessionExpired it halts the batch.
var ErrNoSession = errors.New("marketplace session not established")

// Fault is the tagged classification of one search attempt.
type Fault int

const (
	FaultNone Fault = iota
	FaultRateLimited
	FaultSessionExpired
	FaultTransientNetwork
	FaultMalformedResponse
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultRateLimited:
		return "rate_limited"
	case FaultSessionExpired:
		return "session_expired"
	case FaultTransientNetwork:
		return "transient_network"
	case FaultMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

func (f Fault) retryable() bool {
	return f == FaultRateLimited || f == FaultTransientNetwork
}

// Observer receives per-attempt telemetry. Implementations must be cheap.
type Observer interface {
	ObserveAttempt(fault string, elapsed time.Duration)
	ObserveWait(wait time.Duration)
}

// PriceFilter drops candidates outside [MinMinor, MaxMinor] (marketplace minor units).
type PriceFilter struct {
	Enabled  bool
	MinMinor int64
	MaxMinor int64
}

func (f PriceFilter) keep(c record.Candidate) bool {
	if !f.Enabled {
		return true
	}
	if f.MinMinor > 0 && c.PriceMinor < f.MinMinor {
		return false
	}
	if f.MaxMinor > 0 && c.PriceMinor > f.MaxMinor {
		return false
	}
	return true
}

// Config controls searches.
type Config struct {
	Pacer          PacerConfig
	MaxRetry       int
	RequestTimeout time.Duration
	Marketplace    string
	SearchDays     int
	Currency       string
	PriceFilter    PriceFilter
	// SearchPath is the research endpoint relative to the session base URL.
	SearchPath string
}

func (c Config) withDefaults() Config {
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Marketplace == "" {
		c.Marketplace = "EBAY-US"
	}
	if c.SearchDays <= 0 {
		c.SearchDays = 90
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.SearchPath == "" {
		c.SearchPath = "/sh/research"
	}
	return c
}

// Client searches sold listings through one Session.
type Client struct {
	cfg      Config
	session  *Session
	pacer    *Pacer
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithPacer replaces the pacer built from Config.Pacer.
func WithPacer(p *Pacer) Option {
	return func(c *Client) {
		c.pacer = p
	}
}

func NewClient(session *Session, cfg Config, opts ...Option) (*Client, error) {
	if session == nil {
		return nil, errors.New("market: nil session")
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		session: session,
		pacer:   NewPacer(cfg.Pacer),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Session() *Session {
	return c.session
}

// attempt is the tagged outcome of one HTTP exchange.
type attempt struct {
	fault      Fault
	retryAfter time.Duration
	parsed     parsed
	err        error
}

// Search looks up sold listings for identifier. The returned error is non-nil
// only for ErrSessionExpired or ErrNoSession (both fatal) or cancellation of ctx.
func (c *Client) Search(ctx context.Context, identifier string) (record.SearchResult, error) {
	switch c.session.State() {
	case StateExpired:
		return record.SearchResult{Status: record.SearchError, ErrorDetail: "session expired"}, ErrSessionExpired
	case StateNoSession:
		return record.SearchResult{Status: record.SearchError, ErrorDetail: "session not established"}, ErrNoSession
	}

	log := c.logger.With(zap.String("identifier", identifier))
	var floor time.Duration
	for n := 0; ; n++ {
		waited, err := c.pacer.Wait(ctx, n, floor)
		if c.observer != nil {
			c.observer.ObserveWait(waited)
		}
		if err != nil {
			_ = c.session.transition(StateAuthenticated)
			return record.SearchResult{}, err
		}
		if err := c.session.transition(StateSearching); err != nil {
			return record.SearchResult{}, err
		}

		start := time.Now()
		a := c.do(ctx, identifier)
		if c.observer != nil {
			c.observer.ObserveAttempt(a.fault.String(), time.Since(start))
		}

		switch {
		case a.fault == FaultNone:
			_ = c.session.transition(StateAuthenticated)
			return c.result(a.parsed, n+1), nil

		case a.fault == FaultSessionExpired:
			_ = c.session.transition(StateExpired)
			log.Warn("session expired", zap.Int("attempt", n+1), zap.Error(a.err))
			return record.SearchResult{
				Status:      record.SearchError,
				ErrorDetail: errDetail(a.err),
				Attempts:    n + 1,
				SearchedAt:  c.now().UTC(),
			}, errors.Mark(errors.Wrap(a.err, "search "+identifier), ErrSessionExpired)

		case a.fault.retryable() && n < c.cfg.MaxRetry:
			_ = c.session.transition(StateThrottled)
			floor = a.retryAfter
			log.Info("search throttled, backing off",
				zap.String("fault", a.fault.String()),
				zap.Int("attempt", n+1),
				zap.Int("max_retry", c.cfg.MaxRetry),
				zap.Duration("retry_after", a.retryAfter),
				zap.Error(a.err),
			)

		default:
			_ = c.session.transition(StateAuthenticated)
			detail := errDetail(a.err)
			if a.fault.retryable() {
				detail = a.fault.String() + ": retries exhausted after " + strconv.Itoa(n+1) + " attempts: " + detail
			}
			log.Warn("search failed", zap.String("fault", a.fault.String()), zap.Int("attempts", n+1), zap.Error(a.err))
			return record.SearchResult{
				Status:      record.SearchError,
				ErrorDetail: detail,
				Attempts:    n + 1,
				SearchedAt:  c.now().UTC(),
			}, nil
		}
	}
}

func (c *Client) result(p parsed, attempts int) record.SearchResult {
	res := record.SearchResult{
		Attempts:   attempts,
		SearchedAt: c.now().UTC(),
	}
	filtered := 0
	for _, cand := range p.candidates {
		if !c.cfg.PriceFilter.keep(cand) {
			filtered++
			continue
		}
		res.Candidates = append(res.Candidates, cand)
	}
	if len(res.Candidates) == 0 {
		res.Status = record.SearchEmpty
	} else {
		res.Status = record.SearchFound
	}
	if p.excluded > 0 || filtered > 0 {
		res.ErrorDetail = "excluded " + strconv.Itoa(p.excluded) + " unparseable and " + strconv.Itoa(filtered) + " out-of-range candidates"
	}
	return res
}

// SearchURL builds the research query for identifier.
func (c *Client) SearchURL(identifier string) string {
	u := c.session.BaseURL()
	u.Path = c.cfg.SearchPath
	q := url.Values{}
	q.Set("marketplace", c.cfg.Marketplace)
	q.Set("keywords", identifier)
	q.Set("dayRange", strconv.Itoa(c.cfg.SearchDays))
	q.Set("tabName", "SOLD")
	q.Set("sorting", "-datelastsold")
	q.Set("limit", "50")
	q.Set("offset", "0")
	u.RawQuery = q.Encode()
	return u.String()
}

const maxBodyBytes = 8 << 20

func (c *Client) do(ctx context.Context, identifier string) attempt {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.SearchURL(identifier), nil)
	if err != nil {
		return attempt{fault: FaultMalformedResponse, err: errors.Wrap(err, "build search request")}
	}
	req.Header.Set("User-Agent", c.session.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.session.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return attempt{fault: FaultTransientNetwork, err: errors.Wrap(err, "read search response")}
	}
	return c.classifyResponse(resp, body)
}

// classifyTransportError maps errors from http.Client.Do. A response never
// arrived, so the session state is unknown and the attempt is retried.
func classifyTransportError(err error) attempt {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return attempt{fault: FaultTransientNetwork, err: errors.Wrap(err, "search request timed out")}
	}
	return attempt{fault: FaultTransientNetwork, err: errors.Wrap(err, "search request")}
}

func (c *Client) classifyResponse(resp *http.Response, body []byte) attempt {
	const op = "search"
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return attempt{
			fault:      FaultRateLimited,
			retryAfter: parseRetryAfter(resp.Header, c.now()),
			err:        newHTTPError(op, resp, body),
		}
	case code == http.StatusForbidden:
		// Bot defenses answer 403 while the session itself is still valid.
		return attempt{fault: FaultRateLimited, retryAfter: parseRetryAfter(resp.Header, c.now()), err: newHTTPError(op, resp, body)}
	case code == http.StatusUnauthorized:
		return attempt{fault: FaultSessionExpired, err: newHTTPError(op, resp, body)}
	case code/100 == 3:
		loc, _ := resp.Location()
		if isSignInURL(loc) {
			return attempt{fault: FaultSessionExpired, err: newHTTPError(op, resp, body)}
		}
		return attempt{fault: FaultMalformedResponse, err: newHTTPError(op, resp, body)}
	case code == http.StatusRequestTimeout || code/100 == 5:
		return attempt{fault: FaultTransientNetwork, retryAfter: parseRetryAfter(resp.Header, c.now()), err: newHTTPError(op, resp, body)}
	case code/100 != 2:
		return attempt{fault: FaultMalformedResponse, err: newHTTPError(op, resp, body)}
	}

	if resp.Request != nil && isSignInURL(resp.Request.URL) {
		return attempt{fault: FaultSessionExpired, err: errors.New("search landed on sign-in page")}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "text/html" && mt != "application/xhtml+xml") {
			return attempt{fault: FaultMalformedResponse, err: newHTTPError(op, resp, body)}
		}
	}

	p, err := parseResults(bytes.NewReader(body), c.session.BaseURL(), c.cfg.Currency)
	if err != nil {
		return attempt{fault: FaultMalformedResponse, err: err}
	}
	if p.signIn {
		return attempt{fault: FaultSessionExpired, err: errors.New("search returned a sign-in form")}
	}
	return attempt{fault: FaultNone, parsed: p}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
