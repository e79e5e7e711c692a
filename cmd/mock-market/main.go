package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/soldcomp/pkg/mockmarket"
)

func main() {
	addr := defaultString("MOCK_MARKET_ADDR", ":8090")
	fixturesPath := defaultString("MOCK_MARKET_FIXTURES", "")
	cookie := defaultString("MOCK_MARKET_COOKIE", "")
	expireAfter := defaultInt("MOCK_MARKET_EXPIRE_AFTER", 0)
	throttle := defaultInt("MOCK_MARKET_THROTTLE", 0)
	retryAfter := defaultString("MOCK_MARKET_RETRY_AFTER", "1")

	fs := flag.NewFlagSet("mock-market", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&fixturesPath, "fixtures", fixturesPath, "YAML fixtures file: listings: {KEYWORD: [{item_id, title, price}]}")
	fs.StringVar(&cookie, "require-cookie", cookie, "Session cookie as name=value; searches without it redirect to sign-in")
	fs.IntVar(&expireAfter, "expire-after", expireAfter, "Expire the session after this many successful searches (0 never)")
	fs.IntVar(&throttle, "throttle", throttle, "Answer the first N searches with 429")
	fs.StringVar(&retryAfter, "retry-after", retryAfter, "Retry-After value sent with throttled responses")
	_ = fs.Parse(os.Args[1:])

	var fixtures mockmarket.Fixtures
	if fixturesPath != "" {
		f, err := mockmarket.LoadFixtures(fixturesPath)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "fixtures error: %v\n", err)
			os.Exit(2)
		}
		fixtures = f
	}

	srv := mockmarket.New(fixtures)
	if name, value, ok := strings.Cut(cookie, "="); ok {
		srv.RequireCookie(name, value)
	}
	if expireAfter > 0 {
		srv.ExpireAfter(expireAfter)
	}
	if throttle > 0 {
		srv.ThrottleNext(throttle, retryAfter)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	_, _ = fmt.Fprintf(os.Stdout, "mock-market listening on %s (%d keywords)\n", addr, len(fixtures))
	if err := httpSrv.ListenAndServe(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(envVar string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
