package market_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/market"
	"github.com/shpitdev/soldcomp/internal/record"
	"github.com/shpitdev/soldcomp/pkg/mockmarket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionCookie = &http.Cookie{Name: "s", Value: "ok"}

func newTestClient(t *testing.T, srv *mockmarket.Server, cfg market.Config) *market.Client {
	t.Helper()
	srv.RequireCookie(sessionCookie.Name, sessionCookie.Value)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return newClientFor(t, ts.URL, cfg)
}

func newClientFor(t *testing.T, baseURL string, cfg market.Config) *market.Client {
	t.Helper()
	sess, err := market.OpenSession(market.SessionConfig{
		BaseURL: baseURL,
		Cookies: []*http.Cookie{sessionCookie},
	})
	require.NoError(t, err)
	// Zero waits keep the tests fast; the pacer itself is tested separately.
	cfg.Pacer = market.PacerConfig{MaxWaitCap: time.Millisecond}
	c, err := market.NewClient(sess, cfg)
	require.NoError(t, err)
	return c
}

func TestSearch_FoundKeepsRecencyOrder(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(mockmarket.Fixtures{
		"SBGA211": {
			{ItemID: "300", Title: "Grand Seiko SBGA211 newest", Price: "$4,500.00"},
			{ItemID: "200", Title: "Grand Seiko SBGA211", Price: "$4,100.50"},
		},
	})
	c := newTestClient(t, srv, market.Config{MaxRetry: 1})

	res, err := c.Search(context.Background(), "SBGA211")
	require.NoError(t, err)
	assert.Equal(t, record.SearchFound, res.Status)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, int64(450000), res.Candidates[0].PriceMinor)
	assert.Equal(t, int64(410050), res.Candidates[1].PriceMinor)
	assert.True(t, strings.HasPrefix(res.Candidates[0].URL, "http://"), "relative link resolved: %s", res.Candidates[0].URL)
	assert.True(t, strings.HasSuffix(res.Candidates[0].URL, "/itm/300"))
	assert.Equal(t, "USD", res.Candidates[0].Currency)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, market.StateAuthenticated, c.Session().State())

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "SBGA211", calls[0].Keywords)
}

func TestSearch_NoResultsIsEmpty(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, mockmarket.New(nil), market.Config{})
	res, err := c.Search(context.Background(), "NOTHING")
	require.NoError(t, err)
	assert.Equal(t, record.SearchEmpty, res.Status)
	assert.Empty(t, res.Candidates)
}

func TestSearch_RetriesThrottledThenSucceeds(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(mockmarket.Fixtures{
		"X1": {{ItemID: "1", Title: "x", Price: "$1.00"}},
	})
	srv.ThrottleNext(2, "")
	c := newTestClient(t, srv, market.Config{MaxRetry: 3})

	res, err := c.Search(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, record.SearchFound, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, srv.SearchCount())
}

func TestSearch_RetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	srv.ThrottleNext(10, "")
	c := newTestClient(t, srv, market.Config{MaxRetry: 2})

	res, err := c.Search(context.Background(), "X1")
	require.NoError(t, err, "exhausted retries are a per-record failure, not a batch failure")
	assert.Equal(t, record.SearchError, res.Status)
	assert.Contains(t, res.ErrorDetail, "retries exhausted")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, srv.SearchCount())
	assert.Equal(t, market.StateAuthenticated, c.Session().State())
}

func TestSearch_ServerErrorIsRetried(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	srv.FailNext(1, http.StatusServiceUnavailable, "")
	c := newTestClient(t, srv, market.Config{MaxRetry: 1})

	res, err := c.Search(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, record.SearchEmpty, res.Status)
	assert.Equal(t, 2, srv.SearchCount())
}

func TestSearch_MalformedIsNotRetried(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	srv.FailNext(1, http.StatusNotFound, "")
	c := newTestClient(t, srv, market.Config{MaxRetry: 3})

	res, err := c.Search(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, record.SearchError, res.Status)
	assert.Equal(t, 1, srv.SearchCount())
	assert.Contains(t, res.ErrorDetail, "404")
}

func TestSearch_SessionExpiryIsFatal(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	srv.ExpireAfter(1)
	c := newTestClient(t, srv, market.Config{MaxRetry: 3})

	_, err := c.Search(context.Background(), "A")
	require.NoError(t, err)

	res, err := c.Search(context.Background(), "B")
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrSessionExpired))
	assert.Equal(t, record.SearchError, res.Status)
	assert.Equal(t, market.StateExpired, c.Session().State())
	assert.Equal(t, 2, srv.SearchCount(), "expiry is never retried")

	_, err = c.Search(context.Background(), "C")
	assert.True(t, errors.Is(err, market.ErrSessionExpired))
	assert.Equal(t, 2, srv.SearchCount(), "expired session makes no further requests")
}

func TestSearch_WithoutSessionIsFatal(t *testing.T) {
	t.Parallel()

	c, err := market.NewClient(market.NewSession(), market.Config{})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), "A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrNoSession))
	assert.Equal(t, record.SearchError, res.Status)
	assert.Equal(t, market.StateNoSession, c.Session().State())
}

func TestSearch_MissingCookieIsExpired(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	srv.RequireCookie("other", "value")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	c := newClientFor(t, ts.URL, market.Config{})

	_, err := c.Search(context.Background(), "A")
	assert.True(t, errors.Is(err, market.ErrSessionExpired))
}

func TestSearch_SignInPageIsExpired(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body><form id="signin-form"></form></body></html>`)
	}))
	t.Cleanup(ts.Close)
	c := newClientFor(t, ts.URL, market.Config{})

	_, err := c.Search(context.Background(), "A")
	assert.True(t, errors.Is(err, market.ErrSessionExpired))
}

func TestSearch_AlternateMarkupAndInvalidRows(t *testing.T) {
	t.Parallel()

	page := `<html><body><ul>
<li class="s-item"><a href="/itm/9">link</a><span class="s-item__title">Alt layout</span><span class="s-item__price">US $12.34</span></li>
<li class="s-item"><span class="s-item__title">No link</span><span class="s-item__price">$1.00</span></li>
<li class="s-item"><a href="/itm/8">link</a><span class="s-item__title">No price</span><span class="s-item__price">sold out</span></li>
<li class="s-item"><a href="javascript:void(0)">x</a><span class="s-item__title">Bad scheme</span><span class="s-item__price">$1.00</span></li>
</ul></body></html>`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, page)
	}))
	t.Cleanup(ts.Close)
	c := newClientFor(t, ts.URL, market.Config{})

	res, err := c.Search(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "Alt layout", res.Candidates[0].Title)
	assert.Equal(t, int64(1234), res.Candidates[0].PriceMinor)
	assert.Equal(t, ts.URL+"/itm/9", res.Candidates[0].URL)
	assert.Contains(t, res.ErrorDetail, "excluded 3")
}

func TestSearch_NonHTMLIsMalformed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}))
	t.Cleanup(ts.Close)
	c := newClientFor(t, ts.URL, market.Config{MaxRetry: 3})

	res, err := c.Search(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, record.SearchError, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearch_PriceFilter(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(mockmarket.Fixtures{
		"W": {
			{ItemID: "1", Title: "cheap strap", Price: "$5.00"},
			{ItemID: "2", Title: "watch", Price: "$500.00"},
			{ItemID: "3", Title: "too much", Price: "$90,000.00"},
		},
	})
	c := newTestClient(t, srv, market.Config{PriceFilter: market.PriceFilter{
		Enabled:  true,
		MinMinor: 10000,
		MaxMinor: 1000000,
	}})

	res, err := c.Search(context.Background(), "W")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "watch", res.Candidates[0].Title)
}

func TestSearch_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := mockmarket.New(nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	sess, err := market.OpenSession(market.SessionConfig{BaseURL: ts.URL})
	require.NoError(t, err)
	c, err := market.NewClient(sess, market.Config{Pacer: market.PacerConfig{MinWait: time.Hour, MaxWait: time.Hour}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Search(ctx, "A")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, srv.SearchCount())
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	sess, err := market.OpenSession(market.SessionConfig{BaseURL: "https://www.example.com"})
	require.NoError(t, err)
	c, err := market.NewClient(sess, market.Config{SearchDays: 30})
	require.NoError(t, err)

	got := c.SearchURL("SBGA 211")
	assert.True(t, strings.HasPrefix(got, "https://www.example.com/sh/research?"))
	assert.Contains(t, got, "keywords=SBGA+211")
	assert.Contains(t, got, "dayRange=30")
	assert.Contains(t, got, "marketplace=EBAY-US")
	assert.Contains(t, got, "tabName=SOLD")
}
