package market

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/soldcomp/pkg/pipeline/redact"
)

// snippetMax bounds how much of a response body may reach logs or output.
const snippetMax = 256

// HTTPError is a sanitized summary of a non-2xx marketplace response.
//
// Raw bodies are never kept: they can carry session tokens and personal data.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Location   string

	// Snippet is a redacted, truncated hint of the body.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "marketplace http error"
	}
	parts := []string{
		fmt.Sprintf("marketplace error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Location) != "" {
		parts = append(parts, "location="+redact.Secrets(strings.TrimSpace(e.Location)))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

func newHTTPError(op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
		h.Location = resp.Header.Get("Location")
	}
	h.Snippet = redact.Truncate(string(body), snippetMax)
	return h
}
