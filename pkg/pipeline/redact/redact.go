package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"']+`)

	// Cookie and Set-Cookie header values carry the marketplace session.
	cookieHeaderRe = regexp.MustCompile(`(?i)\b(set-)?cookie\b\s*:\s*[^\r\n]+`)

	// Session-ish query parameters that show up in redirect URLs.
	sessionParamRe = regexp.MustCompile(`(?i)\b(session[_-]?id|sid|token|auth)=[^&\s"']+`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = cookieHeaderRe.ReplaceAllString(out, "${1}cookie: <redacted>")
	out = sessionParamRe.ReplaceAllString(out, "${1}=<redacted>")
	return strings.TrimSpace(out)
}

// Truncate redacts s and shortens it to at most max bytes on a rune boundary,
// flattening newlines.
func Truncate(s string, max int) string {
	if s == "" {
		return ""
	}
	cut := s
	if max > 0 && len(cut) > max {
		n := max
		for n > 0 && !utf8.RuneStart(cut[n]) {
			n--
		}
		cut = cut[:n]
	}
	out := Secrets(cut)
	out = strings.ReplaceAll(out, "\n", " ")
	out = strings.ReplaceAll(out, "\r", " ")
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	if max > 0 && len(s) > max {
		return out + "..."
	}
	return out
}
