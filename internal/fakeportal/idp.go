package fakeportal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

const keyID = "fakeportal-1"

type grant struct {
	identity    Identity
	clientID    string
	redirectURI string
	nonce       string
	challenge   string
}

// IdP is a fake OpenID Connect provider. Access tokens it issues are
// registered with Backend, when set, so that the backend accepts them.
type IdP struct {
	ClientID string
	Backend  *Backend

	// OmitIDToken leaves the id_token out of token responses
	OmitIDToken bool

	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration

	// BrokenDiscovery makes the discovery document unparsable
	BrokenDiscovery bool

	Now func() time.Time

	mu       sync.Mutex
	key      *rsa.PrivateKey
	issuer   string
	router   *mux.Router
	server   *httptest.Server
	codes    map[string]grant
	accessed map[string]Identity
}

// NewIdP creates a provider for clientID. Call Start to serve it.
func NewIdP(clientID string) *IdP {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	p := &IdP{
		ClientID: clientID,
		TokenTTL: time.Hour,
		Now:      time.Now,
		key:      key,
		codes:    make(map[string]grant),
		accessed: make(map[string]Identity),
	}
	r := mux.NewRouter()
	r.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/jwks", p.handleJWKS).Methods(http.MethodGet)
	r.HandleFunc("/token", p.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/userinfo", p.handleUserInfo).Methods(http.MethodGet)
	p.router = r
	return p
}

// Start serves the provider on a local test server and returns its issuer URL
func (p *IdP) Start() string {
	p.server = httptest.NewServer(p.router)
	p.mu.Lock()
	p.issuer = p.server.URL
	p.mu.Unlock()
	return p.server.URL
}

// Close stops the server started by Start
func (p *IdP) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// Issuer returns the issuer URL
func (p *IdP) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// AuthorizationURL, TokenURL, UserInfoURL and JWKSURL return the endpoints
// for static configuration
func (p *IdP) AuthorizationURL() string { return p.Issuer() + "/authorize" }
func (p *IdP) TokenURL() string         { return p.Issuer() + "/token" }
func (p *IdP) UserInfoURL() string      { return p.Issuer() + "/userinfo" }
func (p *IdP) JWKSURL() string          { return p.Issuer() + "/jwks" }

// Approve plays the visitor logging in at the provider: it checks the
// authorization request and returns the callback URL the browser would be
// redirected to.
func (p *IdP) Approve(authURL string, id Identity) (*url.URL, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		return nil, fmt.Errorf("unsupported response_type %q", q.Get("response_type"))
	}
	if q.Get("client_id") != p.ClientID {
		return nil, fmt.Errorf("unknown client %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		return nil, fmt.Errorf("PKCE S256 challenge is required")
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("invalid redirect_uri %q", q.Get("redirect_uri"))
	}

	code := randomHex(16)
	p.mu.Lock()
	p.codes[code] = grant{
		identity:    id,
		clientID:    q.Get("client_id"),
		redirectURI: q.Get("redirect_uri"),
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
	}
	p.mu.Unlock()

	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()
	return redirect, nil
}

func (p *IdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if p.BrokenDiscovery {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer":`))
		return
	}
	iss := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                iss + "/authorize",
		"token_endpoint":                        iss + "/token",
		"userinfo_endpoint":                     iss + "/userinfo",
		"jwks_uri":                              iss + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *IdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub := p.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": keyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func tokenError(w http.ResponseWriter, code, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
}

func (p *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type", "")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok && clientID == "" {
		clientID, _ = url.QueryUnescape(user)
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		tokenError(w, "invalid_grant", "unknown code")
		return
	}
	if clientID != g.clientID || r.PostForm.Get("redirect_uri") != g.redirectURI {
		tokenError(w, "invalid_grant", "client or redirect mismatch")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		tokenError(w, "invalid_grant", "PKCE verification failed")
		return
	}

	accessToken := randomHex(24)
	p.mu.Lock()
	p.accessed[accessToken] = g.identity
	p.mu.Unlock()
	if p.Backend != nil {
		p.Backend.AddAccessToken(accessToken, g.identity)
	}

	now := p.Now()
	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(p.TokenTTL.Seconds()),
	}
	if !p.OmitIDToken {
		claims := jwt.MapClaims{
			"iss":   p.Issuer(),
			"sub":   g.identity.ExtID,
			"aud":   g.clientID,
			"iat":   now.Unix(),
			"exp":   now.Add(p.TokenTTL).Unix(),
			"name":  g.identity.Name,
			"email": g.identity.Email,
		}
		if g.nonce != "" {
			claims["nonce"] = g.nonce
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = keyID
		signed, err := tok.SignedString(p.key)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = signed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *IdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	id, ok := p.accessed[token]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sub":   id.ExtID,
		"name":  id.Name,
		"email": id.Email,
	})
}
