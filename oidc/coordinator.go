package oidc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Metadata holds the resolved provider endpoints
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

// User is the provider-side identity established by a completed handshake
type User struct {
	Subject     string
	Email       string
	Name        string
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
}

// IsExpired returns true if the login has expired. A zero expiry never expires.
func (u *User) IsExpired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// Result is returned by a completed callback
type Result struct {
	User *User

	// ReturnTo is the application route the login was started from
	ReturnTo string
}

// AccessToken is a shortcut for r.User.AccessToken
func (r *Result) AccessToken() string {
	return r.User.AccessToken
}

type loginOptions struct {
	returnTo string
}

// LoginOption customizes a single login attempt
type LoginOption func(*loginOptions)

// ReturnTo records the application route to come back to after the login
func ReturnTo(path string) LoginOption {
	return func(o *loginOptions) {
		o.returnTo = path
	}
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithNavigator sets how the visitor is sent to the provider
func WithNavigator(n Navigator) CoordinatorOption {
	return func(c *Coordinator) {
		c.navigator = n
	}
}

// WithTransactionStore sets where login transactions are kept
func WithTransactionStore(s TransactionStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithHTTPClient sets the client used for discovery, token and userinfo calls
func WithHTTPClient(client *http.Client) CoordinatorOption {
	return func(c *Coordinator) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithTransactionTTL sets how long a started login stays valid
func WithTransactionTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

type resolvedProvider struct {
	metadata Metadata
	oauth2   oauth2.Config
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
}

// Coordinator runs the authorization code flow with PKCE
type Coordinator struct {
	cfg        Config
	navigator  Navigator
	store      TransactionStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	ttl        time.Duration

	resolveMu sync.Mutex
	resolved  *resolvedProvider

	mu   sync.RWMutex
	user *User
}

// NewCoordinator creates a coordinator. The configuration is not validated
// until the first login attempt so that a misconfigured provider only blocks
// logging in, not the rest of the application.
func NewCoordinator(cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		now:        time.Now,
		ttl:        DefaultTransactionTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.navigator == nil {
		c.navigator = NewBrowserNavigator()
	}
	if c.store == nil {
		c.store = NewMemoryTransactionStore()
	}
	return c
}

// Config returns the coordinator's configuration
func (c *Coordinator) Config() Config {
	return c.cfg
}

// IsCallback reports whether path is the redirect callback path
func (c *Coordinator) IsCallback(path string) bool {
	cb := c.cfg.CallbackPath()
	return cb != "" && strings.TrimSuffix(path, "/") == strings.TrimSuffix(cb, "/")
}

// Resolve returns the provider endpoints. With discovery enabled the
// discovery document is fetched on first use and cached once it succeeds; a
// failure is returned to the caller and only retried on the next explicit
// login attempt.
func (c *Coordinator) Resolve(ctx context.Context) (*Metadata, error) {
	rp, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	md := rp.metadata
	return &md, nil
}

func (c *Coordinator) resolve(ctx context.Context) (*resolvedProvider, error) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	if c.resolved != nil {
		return c.resolved, nil
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	ctx = gooidc.ClientContext(ctx, c.httpClient)
	var rp *resolvedProvider
	var err error
	if c.cfg.UseDiscovery {
		rp, err = c.discover(ctx)
	} else {
		rp = c.static(ctx)
	}
	if err != nil {
		c.logger.Error("could not resolve identity provider", "authority", c.cfg.Authority, "err", err)
		return nil, err
	}

	rp.oauth2 = oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURL,
		Scopes:      c.cfg.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  rp.metadata.AuthorizationEndpoint,
			TokenURL: rp.metadata.TokenEndpoint,
		},
	}
	c.resolved = rp
	return rp, nil
}

func (c *Coordinator) discover(ctx context.Context) (*resolvedProvider, error) {
	provider, err := gooidc.NewProvider(ctx, c.cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	var md Metadata
	if err := provider.Claims(&md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	// configured values act as a seed that wins over discovered ones
	seed := Metadata{
		Issuer:                c.cfg.Authority,
		AuthorizationEndpoint: c.cfg.AuthorizationURL,
		TokenEndpoint:         c.cfg.TokenURL,
		UserInfoEndpoint:      c.cfg.UserInfoURL,
		JWKSURI:               c.cfg.JWKSURL,
	}
	overridden := seed.AuthorizationEndpoint != "" || seed.TokenEndpoint != "" ||
		seed.UserInfoEndpoint != "" || seed.JWKSURI != ""
	md = mergeMetadata(md, seed)

	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: discovery document lacks authorization or token endpoint", ErrDiscovery)
	}
	for _, ep := range []string{md.AuthorizationEndpoint, md.TokenEndpoint} {
		if err := checkURL("endpoint", ep); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
		}
	}

	if overridden {
		provider = (&gooidc.ProviderConfig{
			IssuerURL:   md.Issuer,
			AuthURL:     md.AuthorizationEndpoint,
			TokenURL:    md.TokenEndpoint,
			UserInfoURL: md.UserInfoEndpoint,
			JWKSURL:     md.JWKSURI,
		}).NewProvider(ctx)
	}
	rp := &resolvedProvider{metadata: md, provider: provider}
	if md.JWKSURI != "" {
		rp.verifier = provider.Verifier(&gooidc.Config{ClientID: c.cfg.ClientID, Now: c.now})
	}
	return rp, nil
}

func (c *Coordinator) static(ctx context.Context) *resolvedProvider {
	md := Metadata{
		Issuer:                c.cfg.Authority,
		AuthorizationEndpoint: c.cfg.AuthorizationURL,
		TokenEndpoint:         c.cfg.TokenURL,
		UserInfoEndpoint:      c.cfg.UserInfoURL,
		JWKSURI:               c.cfg.JWKSURL,
	}
	provider := (&gooidc.ProviderConfig{
		IssuerURL:   md.Issuer,
		AuthURL:     md.AuthorizationEndpoint,
		TokenURL:    md.TokenEndpoint,
		UserInfoURL: md.UserInfoEndpoint,
		JWKSURL:     md.JWKSURI,
	}).NewProvider(ctx)
	rp := &resolvedProvider{metadata: md, provider: provider}
	if md.JWKSURI != "" {
		rp.verifier = provider.Verifier(&gooidc.Config{ClientID: c.cfg.ClientID, Now: c.now})
	}
	return rp
}

func mergeMetadata(base, seed Metadata) Metadata {
	if seed.Issuer != "" && base.Issuer == "" {
		base.Issuer = seed.Issuer
	}
	if seed.AuthorizationEndpoint != "" {
		base.AuthorizationEndpoint = seed.AuthorizationEndpoint
	}
	if seed.TokenEndpoint != "" {
		base.TokenEndpoint = seed.TokenEndpoint
	}
	if seed.UserInfoEndpoint != "" {
		base.UserInfoEndpoint = seed.UserInfoEndpoint
	}
	if seed.JWKSURI != "" {
		base.JWKSURI = seed.JWKSURI
	}
	return base
}

// AuthURL starts a login transaction and returns the provider URL to send the
// visitor to
func (c *Coordinator) AuthURL(ctx context.Context, opts ...LoginOption) (string, error) {
	var lo loginOptions
	for _, opt := range opts {
		opt(&lo)
	}

	rp, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := randomHex(16)
	if err != nil {
		return "", err
	}
	now := c.now()
	tx := &Transaction{
		State:        uuid.NewString(),
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		ReturnTo:     lo.returnTo,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}
	if err := c.store.Put(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to store login transaction: %w", err)
	}

	return rp.oauth2.AuthCodeURL(tx.State,
		oauth2.S256ChallengeOption(tx.CodeVerifier),
		gooidc.Nonce(tx.Nonce),
	), nil
}

// BeginLogin sends the visitor to the provider. On success control has left
// this process; the caller must not expect any further result from it.
func (c *Coordinator) BeginLogin(ctx context.Context, opts ...LoginOption) error {
	target, err := c.AuthURL(ctx, opts...)
	if err != nil {
		return err
	}
	c.logger.Info("redirecting to identity provider", "authority", c.cfg.Authority)
	return c.navigator.Navigate(ctx, target)
}

// RedirectHandler starts a login from an HTTP request by redirecting the
// browser. The optional callbackURL query parameter is remembered as the
// route to return to.
func (c *Coordinator) RedirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := c.AuthURL(r.Context(), ReturnTo(r.URL.Query().Get("callbackURL")))
		if err != nil {
			c.logger.Error("cannot start login", "err", err)
			http.Error(w, "login is currently unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
}

// HandleCallback completes the handshake from the URL the provider redirected
// back to
func (c *Coordinator) HandleCallback(ctx context.Context, callbackURL *url.URL) (*Result, error) {
	if c.User() != nil {
		return nil, ErrAlreadyLoggedIn
	}

	q := callbackURL.Query()
	if e := q.Get("error"); e != "" {
		return nil, fmt.Errorf("%w: provider returned %s: %s", ErrCallback, e, q.Get("error_description"))
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		return nil, fmt.Errorf("%w: code and state are required", ErrCallback)
	}

	tx, err := c.store.Take(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to load login transaction: %w", err)
	}
	if tx == nil || tx.IsExpired(c.now()) {
		c.logger.Warn("oidc callback with unknown state")
		return nil, ErrUnknownState
	}

	rp, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	ctx = gooidc.ClientContext(ctx, c.httpClient)
	token, err := rp.oauth2.Exchange(ctx, code, oauth2.VerifierOption(tx.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	if token.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	user, err := c.identify(ctx, rp, token, tx.Nonce)
	if err != nil {
		return nil, err
	}
	if user.Subject == "" {
		return nil, ErrNoSubject
	}
	if user.IsExpired(c.now()) {
		return nil, ErrExpired
	}

	c.mu.Lock()
	c.user = user
	c.mu.Unlock()

	return &Result{User: user, ReturnTo: tx.ReturnTo}, nil
}

// identify extracts the provider identity from the token response. The ID
// token is verified when a key set is known; otherwise its claims are only
// read, and the userinfo endpoint is the fallback when there is no ID token.
func (c *Coordinator) identify(ctx context.Context, rp *resolvedProvider, token *oauth2.Token, nonce string) (*User, error) {
	user := &User{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}

	rawIDToken, _ := token.Extra("id_token").(string)
	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Nonce string `json:"nonce"`
	}

	switch {
	case rawIDToken != "" && rp.verifier != nil:
		idt, err := rp.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: id token verification: %v", ErrCallback, err)
		}
		if err := idt.Claims(&claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		if idt.Nonce != nonce {
			return nil, fmt.Errorf("%w: nonce mismatch", ErrCallback)
		}
		user.Subject = idt.Subject
		user.IDToken = rawIDToken
		if user.ExpiresAt.IsZero() || idt.Expiry.Before(user.ExpiresAt) {
			user.ExpiresAt = idt.Expiry
		}

	case rawIDToken != "":
		mc := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, mc); err != nil {
			return nil, fmt.Errorf("%w: unreadable id token: %v", ErrCallback, err)
		}
		if n, _ := mc["nonce"].(string); n != nonce {
			return nil, fmt.Errorf("%w: nonce mismatch", ErrCallback)
		}
		user.Subject, _ = mc.GetSubject()
		user.Email, _ = mc["email"].(string)
		user.Name, _ = mc["name"].(string)
		user.IDToken = rawIDToken
		if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
			if user.ExpiresAt.IsZero() || exp.Time.Before(user.ExpiresAt) {
				user.ExpiresAt = exp.Time
			}
		}
		return user, nil

	case rp.metadata.UserInfoEndpoint != "":
		info, err := rp.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, fmt.Errorf("%w: userinfo: %v", ErrExchange, err)
		}
		user.Subject = info.Subject
		user.Email = info.Email
		if err := info.Claims(&claims); err == nil {
			user.Name = claims.Name
		}
		return user, nil
	}

	user.Email = claims.Email
	user.Name = claims.Name
	return user, nil
}

// User returns the provider identity held since the last completed callback
func (c *Coordinator) User() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Forget drops the held provider identity, e.g. on logout
func (c *Coordinator) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsConfigurationError reports whether err blocks logging in until the
// configuration is fixed
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
