package portalauth

import (
	"log/slog"
	"net/http"
	"sync"
)

// CSRFHeader carries the anti-forgery token on mutating requests
const CSRFHeader = "X-CSRF-Token"

// CSRFGuardian holds the anti-forgery token of the current session in memory.
// Only the SessionManager sets or clears it; any number of transports may
// read it concurrently.
type CSRFGuardian struct {
	mu    sync.RWMutex
	token string
}

// NewCSRFGuardian creates a guardian that holds no token
func NewCSRFGuardian() *CSRFGuardian {
	return &CSRFGuardian{}
}

// SetToken replaces the held token. An empty value clears it.
func (g *CSRFGuardian) SetToken(value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = value
}

// Token returns the held token, or "" if there is none
func (g *CSRFGuardian) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// HasToken reports whether a token is held
func (g *CSRFGuardian) HasToken() bool {
	return g.Token() != ""
}

// Clear drops the held token
func (g *CSRFGuardian) Clear() {
	g.SetToken("")
}

// String never reveals the token
func (g *CSRFGuardian) String() string {
	if g.HasToken() {
		return "CSRFGuardian{token:[redacted]}"
	}
	return "CSRFGuardian{token:none}"
}

// LogValue keeps the token out of structured logs
func (g *CSRFGuardian) LogValue() slog.Value {
	return slog.GroupValue(slog.Bool("has_token", g.HasToken()))
}

// IsMutating reports whether requests with this method must carry the token
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Stamp sets the token header on req if req is mutating and a token is held.
// req is modified in place.
func (g *CSRFGuardian) Stamp(req *http.Request) {
	if !IsMutating(req.Method) {
		return
	}
	if token := g.Token(); token != "" {
		req.Header.Set(CSRFHeader, token)
	}
}

// Transport returns a RoundTripper that stamps mutating requests with the
// current token. A nil base uses http.DefaultTransport.
func (g *CSRFGuardian) Transport(base http.RoundTripper) http.RoundTripper {
	return &csrfTransport{guardian: g, base: base}
}

type csrfTransport struct {
	guardian *CSRFGuardian
	base     http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *csrfTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if IsMutating(req.Method) {
		if token := t.guardian.Token(); token != "" {
			// Clone the request to avoid mutating the original
			req2 := req.Clone(req.Context())
			req2.Header.Set(CSRFHeader, token)
			req = req2
		}
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
