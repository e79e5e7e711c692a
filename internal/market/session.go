package market

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/publicsuffix"
)

// State is the lifecycle of a marketplace session.
//
//	NoSession -> Authenticated -> (Searching <-> Throttled) -> Expired
type State int

const (
	StateNoSession State = iota
	StateAuthenticated
	StateSearching
	StateThrottled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateAuthenticated:
		return "authenticated"
	case StateSearching:
		return "searching"
	case StateThrottled:
		return "throttled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

var allowedTransitions = map[State][]State{
	StateNoSession:     {StateAuthenticated},
	StateAuthenticated: {StateSearching, StateExpired},
	StateSearching:     {StateAuthenticated, StateThrottled, StateExpired},
	StateThrottled:     {StateSearching, StateAuthenticated, StateExpired},
}

// SessionConfig describes an externally established browsing context.
type SessionConfig struct {
	BaseURL string
	// CookieFile is a Netscape cookies.txt or a JSON cookie export from the
	// browser the operator signed in with.
	CookieFile string
	Cookies    []*http.Cookie
	UserAgent  string
	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper
}

// Session is the explicit handle for one authenticated context. The client
// never signs in; it only consumes cookies supplied at startup.
type Session struct {
	state     State
	base      *url.URL
	http      *http.Client
	userAgent string
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// NewSession returns a handle in StateNoSession.
func NewSession() *Session {
	return &Session{state: StateNoSession}
}

// OpenSession builds a session from cfg and moves it to StateAuthenticated.
func OpenSession(cfg SessionConfig) (*Session, error) {
	s := NewSession()
	if err := s.Authenticate(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Authenticate installs the supplied cookies. It is valid only once.
func (s *Session) Authenticate(cfg SessionConfig) error {
	if s.state != StateNoSession {
		return errors.Newf("session already %s", s.state)
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return errors.Newf("invalid marketplace base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return errors.Wrap(err, "create cookie jar")
	}
	cookies := append([]*http.Cookie(nil), cfg.Cookies...)
	if strings.TrimSpace(cfg.CookieFile) != "" {
		loaded, err := LoadCookieFile(cfg.CookieFile)
		if err != nil {
			return err
		}
		cookies = append(cookies, loaded...)
	}
	jar.SetCookies(base, cookies)

	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	s.base = base
	s.userAgent = ua
	s.http = &http.Client{
		Jar:       jar,
		Transport: cfg.Transport,
		// Sign-in redirects are surfaced to the classifier instead of followed.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if isSignInURL(req.URL) {
				return http.ErrUseLastResponse
			}
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
	return s.transition(StateAuthenticated)
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) BaseURL() *url.URL {
	if s.base == nil {
		return nil
	}
	u := *s.base
	return &u
}

func (s *Session) transition(to State) error {
	if s.state == to {
		return nil
	}
	for _, next := range allowedTransitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return errors.Newf("invalid session transition %s -> %s", s.state, to)
}

func isSignInURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)
	return strings.HasPrefix(host, "signin.") ||
		strings.Contains(path, "/signin") ||
		strings.Contains(path, "/login")
}

// LoadCookieFile reads cookies exported from a browser. Both the Netscape
// cookies.txt layout and a JSON array export are accepted.
func LoadCookieFile(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cookie file %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read cookie file %s", path)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return parseJSONCookies([]byte(trimmed))
	}
	return parseNetscapeCookies(strings.NewReader(trimmed))
}

type jsonCookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	ExpirationDate float64 `json:"expirationDate"`
}

func parseJSONCookies(raw []byte) ([]*http.Cookie, error) {
	var in []jsonCookie
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errors.Wrap(err, "parse json cookie export")
	}
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.ExpirationDate > 0 {
			hc.Expires = time.Unix(int64(c.ExpirationDate), 0)
		}
		out = append(out, hc)
	}
	return out, nil
}

func parseNetscapeCookies(r io.Reader) ([]*http.Cookie, error) {
	var out []*http.Cookie
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		httpOnly := false
		if strings.HasPrefix(text, "#HttpOnly_") {
			httpOnly = true
			text = strings.TrimPrefix(text, "#HttpOnly_")
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 7 {
			return nil, errors.Newf("cookie file line %d: want 7 tab-separated fields, got %d", line, len(fields))
		}
		c := &http.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan cookie file")
	}
	return out, nil
}
