package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/hookrelay/fault"
)

// CanonicalHeaderPrefix selects which headers are covered by a request signature.
const CanonicalHeaderPrefix = "X-Webhook-"

// excluded headers carry the signature itself.
var excluded = map[string]bool{
	HeaderSignature:        true,
	HeaderTimestamp:        true,
	HeaderRequestSignature: true,
}

// Canonical builds the newline-joined string covered by SignRequest:
// method, host, path, sorted query, sorted X-Webhook-* headers, timestamp, body.
func Canonical(method, rawURL string, headers http.Header, body []byte, timestamp int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fault.Validation("invalid url: %v", err)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	parts := []string{
		strings.ToUpper(method),
		strings.ToLower(u.Host),
		path,
		canonicalQuery(u.Query()),
		canonicalHeaders(headers),
		strconv.FormatInt(timestamp, 10),
		string(body),
	}
	return strings.Join(parts, "\n"), nil
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

func canonicalHeaders(h http.Header) string {
	lines := make([]string, 0, len(h))
	for name, values := range h {
		key := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(key, CanonicalHeaderPrefix) || excluded[key] {
			continue
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		lines = append(lines, strings.ToLower(key)+":"+strings.Join(trimmed, ","))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// SignRequest returns base64(HMAC-SHA256(secret, Canonical(...))).
func SignRequest(secret, method, rawURL string, headers http.Header, body []byte, timestamp int64) (string, error) {
	canonical, err := Canonical(method, rawURL, headers, body, timestamp)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyRequest recomputes the request signature and compares it in constant time.
func VerifyRequest(secret, method, rawURL string, headers http.Header, body []byte, sig string, timestamp int64, maxAge time.Duration, now time.Time) error {
	if err := checkAge(timestamp, maxAge, now); err != nil {
		return err
	}
	expected, err := SignRequest(secret, method, rawURL, headers, body, timestamp)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fault.Authentication("invalid signature")
	}
	return nil
}
