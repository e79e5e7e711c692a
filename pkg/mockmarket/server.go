// Package mockmarket serves a small imitation of the marketplace sold-listing
// research page for tests and local runs.
package mockmarket

import (
	"html/template"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Call records a request made to the mock service.
type Call struct {
	Method   string
	Path     string
	Keywords string
	Status   int
}

// Listing is one sold item rendered as a results row.
type Listing struct {
	ItemID string `yaml:"item_id"`
	Title  string `yaml:"title"`
	// Price is rendered verbatim, e.g. "$1,234.50".
	Price string `yaml:"price"`
	// Href overrides the row link. Relative values are left relative.
	Href string `yaml:"href,omitempty"`
}

// Fixtures maps a keyword (matched case-insensitively) to its listings.
type Fixtures map[string][]Listing

type fixtureFile struct {
	Listings Fixtures `yaml:"listings"`
}

// LoadFixtures reads a YAML file of the form `listings: {KEYWORD: [...]}`.
func LoadFixtures(path string) (Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open fixtures %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return ReadFixtures(f)
}

func ReadFixtures(r io.Reader) (Fixtures, error) {
	var ff fixtureFile
	if err := yaml.NewDecoder(r).Decode(&ff); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode fixtures")
	}
	return ff.Listings, nil
}

// Server implements the research endpoint and a sign-in page.
type Server struct {
	mu       sync.Mutex
	listings map[string][]Listing
	calls    []Call

	cookieName  string
	cookieValue string

	throttle       int
	throttleStatus int
	retryAfter     string

	// expireAfter > 0 redirects every search after that many successes.
	expireAfter int
	served      int
}

func New(fixtures Fixtures) *Server {
	s := &Server{listings: make(map[string][]Listing)}
	for k, v := range fixtures {
		s.listings[normalizeKey(k)] = append([]Listing(nil), v...)
	}
	return s
}

// SetListings replaces the listings served for keyword.
func (s *Server) SetListings(keyword string, listings []Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[normalizeKey(keyword)] = append([]Listing(nil), listings...)
}

// RequireCookie redirects searches without the named cookie to the sign-in page.
// An empty name disables the check.
func (s *Server) RequireCookie(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookieName = strings.TrimSpace(name)
	s.cookieValue = value
}

// ThrottleNext answers the next n searches with 429 and the given Retry-After.
func (s *Server) ThrottleNext(n int, retryAfter string) {
	s.FailNext(n, http.StatusTooManyRequests, retryAfter)
}

// FailNext answers the next n searches with status.
func (s *Server) FailNext(n, status int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = n
	s.throttleStatus = status
	s.retryAfter = retryAfter
}

// ExpireAfter makes the session look expired once n searches have succeeded.
func (s *Server) ExpireAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireAfter = n
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// SearchCount returns how many research requests were received.
func (s *Server) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Path == "/sh/research" {
			n++
		}
	}
	return n
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sh/research", s.handleResearch)
	mux.HandleFunc("/signin", s.handleSignIn)
	mux.HandleFunc("/itm/", func(w http.ResponseWriter, r *http.Request) {
		s.recordCall(r, http.StatusOK)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>item</body></html>")
	})
	return mux
}

func (s *Server) recordCall(r *http.Request, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Method:   r.Method,
		Path:     r.URL.Path,
		Keywords: r.URL.Query().Get("keywords"),
		Status:   status,
	})
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.recordCall(r, http.StatusMethodNotAllowed)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	cookieName, cookieValue := s.cookieName, s.cookieValue
	expired := s.expireAfter > 0 && s.served >= s.expireAfter
	failStatus, retryAfter := 0, ""
	if !expired && s.throttle > 0 {
		s.throttle--
		failStatus, retryAfter = s.throttleStatus, s.retryAfter
	}
	s.mu.Unlock()

	if cookieName != "" {
		c, err := r.Cookie(cookieName)
		if err != nil || c.Value != cookieValue {
			expired = true
		}
	}
	if expired {
		s.recordCall(r, http.StatusFound)
		http.Redirect(w, r, "/signin?ru="+r.URL.Path, http.StatusFound)
		return
	}
	if failStatus != 0 {
		s.recordCall(r, failStatus)
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		http.Error(w, http.StatusText(failStatus), failStatus)
		return
	}

	keyword := r.URL.Query().Get("keywords")
	s.mu.Lock()
	listings := append([]Listing(nil), s.listings[normalizeKey(keyword)]...)
	s.served++
	s.mu.Unlock()

	s.recordCall(r, http.StatusOK)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	rows := make([]row, 0, len(listings))
	for _, l := range listings {
		href := l.Href
		if href == "" {
			href = "/itm/" + l.ItemID
		}
		rows = append(rows, row{Listing: l, Link: href})
	}
	_ = resultsPage.Execute(w, struct {
		Keyword string
		Rows    []row
	}{Keyword: keyword, Rows: rows})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r, http.StatusOK)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, signInPage)
}

type row struct {
	Listing
	Link string
}

func normalizeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

var resultsPage = template.Must(template.New("research").Parse(`<!doctype html>
<html><head><title>Research: {{.Keyword}}</title></head>
<body>
<table class="research-table">
<tbody>
{{- range .Rows}}
<tr class="research-table-row">
  <td class="research-table-row__product-info">
    <a class="research-table-row__link-row-anchor" href="{{.Link}}"><span data-item-id="{{.ItemID}}">{{.Title}}</span></a>
  </td>
  <td class="research-table-row__avgSoldPrice"><div class="research-table-row__item-with-subtitle">{{.Price}}</div></td>
</tr>
{{- end}}
</tbody>
</table>
</body></html>
`))

const signInPage = `<!doctype html>
<html><head><title>Sign in</title></head>
<body><form id="signin-form" name="signin"><input id="userid" name="userid"></form></body></html>
`
