package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xraph/hookrelay/inbound"
)

func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := h.relay.Receive(r.Context(), inbound.Request{
		Source:  r.PathValue("source"),
		Method:  r.Method,
		URL:     h.requestURL(r),
		Headers: r.Header,
		Body:    body,
	})
	if errors.Is(err, inbound.ErrInternal) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, res.StatusCode, res)
}

// requestURL rebuilds the absolute URL the sender signed. Forwarded headers
// count only behind a trusted proxy.
func (h *Handler) requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if h.trustProxy {
		switch proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); proto {
		case "http", "https":
			scheme = proto
		}
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" && !strings.ContainsAny(fwd, "/?#@ ") {
			host = fwd
		}
	}
	u := url.URL{Scheme: scheme, Host: host, Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return u.String()
}
