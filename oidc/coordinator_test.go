package oidc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/portalauth/internal/fakeportal"
	"github.com/panyam/portalauth/oidc"
)

const (
	testClientID    = "portal-frontend"
	testRedirectURL = "http://localhost:4200/oauth/callback"
)

var alice = fakeportal.Identity{ExtID: "alice@idp", Name: "Alice", Email: "alice@example.com"}

// recordingNavigator remembers where it was asked to go
type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return nil
}

func (n *recordingNavigator) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.targets, "navigator was not called")
	return n.targets[len(n.targets)-1]
}

func startIdP(t *testing.T) *fakeportal.IdP {
	t.Helper()
	idp := fakeportal.NewIdP(testClientID)
	idp.Start()
	t.Cleanup(idp.Close)
	return idp
}

func discoveryConfig(idp *fakeportal.IdP) oidc.Config {
	return oidc.Config{
		Authority:    idp.Issuer(),
		ClientID:     testClientID,
		RedirectURL:  testRedirectURL,
		UseDiscovery: true,
	}
}

func staticConfig(idp *fakeportal.IdP, withJWKS bool) oidc.Config {
	cfg := oidc.Config{
		Authority:        idp.Issuer(),
		ClientID:         testClientID,
		RedirectURL:      testRedirectURL,
		AuthorizationURL: idp.AuthorizationURL(),
		TokenURL:         idp.TokenURL(),
		UserInfoURL:      idp.UserInfoURL(),
	}
	if withJWKS {
		cfg.JWKSURL = idp.JWKSURL()
	}
	return cfg
}

// login runs BeginLogin and the provider approval, returning the callback URL
func login(t *testing.T, c *oidc.Coordinator, nav *recordingNavigator, idp *fakeportal.IdP, opts ...oidc.LoginOption) *url.URL {
	t.Helper()
	require.NoError(t, c.BeginLogin(context.Background(), opts...))
	cb, err := idp.Approve(nav.last(t), alice)
	require.NoError(t, err)
	return cb
}

func TestCoordinator_DiscoveryLogin(t *testing.T) {
	idp := startIdP(t)
	nav := &recordingNavigator{}
	c := oidc.NewCoordinator(discoveryConfig(idp), oidc.WithNavigator(nav))
	ctx := context.Background()

	md, err := c.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, idp.Issuer(), md.Issuer)
	assert.Equal(t, idp.AuthorizationURL(), md.AuthorizationEndpoint)
	assert.Equal(t, idp.TokenURL(), md.TokenEndpoint)
	assert.Equal(t, idp.JWKSURL(), md.JWKSURI)

	cb := login(t, c, nav, idp, oidc.ReturnTo("/browse"))
	assert.True(t, c.IsCallback(cb.Path))

	authURL, _ := url.Parse(nav.last(t))
	q := authURL.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Equal(t, "openid profile email", q.Get("scope"))

	res, err := c.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, "/browse", res.ReturnTo)
	assert.Equal(t, alice.ExtID, res.User.Subject)
	assert.Equal(t, alice.Email, res.User.Email)
	assert.Equal(t, alice.Name, res.User.Name)
	assert.NotEmpty(t, res.AccessToken())
	assert.NotEmpty(t, res.User.IDToken)
	assert.Same(t, res.User, c.User())

	// reloading the callback page must not replay the code
	_, err = c.HandleCallback(ctx, cb)
	assert.ErrorIs(t, err, oidc.ErrAlreadyLoggedIn)

	// and once forgotten the state is gone
	c.Forget()
	assert.Nil(t, c.User())
	_, err = c.HandleCallback(ctx, cb)
	assert.ErrorIs(t, err, oidc.ErrUnknownState)
}

func TestCoordinator_StaticMetadata(t *testing.T) {
	tests := []struct {
		name        string
		withJWKS    bool
		omitIDToken bool
	}{
		{name: "verified id token", withJWKS: true},
		{name: "unverified id token"},
		{name: "userinfo fallback", omitIDToken: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := startIdP(t)
			idp.OmitIDToken = tt.omitIDToken
			nav := &recordingNavigator{}
			c := oidc.NewCoordinator(staticConfig(idp, tt.withJWKS), oidc.WithNavigator(nav))

			cb := login(t, c, nav, idp)
			assert.True(t, strings.HasPrefix(nav.last(t), idp.AuthorizationURL()))

			res, err := c.HandleCallback(context.Background(), cb)
			require.NoError(t, err)
			assert.Equal(t, alice.ExtID, res.User.Subject)
			assert.Equal(t, alice.Email, res.User.Email)
			assert.Equal(t, alice.Name, res.User.Name)
			assert.Equal(t, tt.omitIDToken, res.User.IDToken == "")
			assert.Empty(t, res.ReturnTo)
		})
	}
}

func TestCoordinator_DiscoverySeedOverrides(t *testing.T) {
	idp := startIdP(t)
	cfg := discoveryConfig(idp)
	cfg.AuthorizationURL = "https://login.example/custom-authorize"

	md, err := oidc.NewCoordinator(cfg).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://login.example/custom-authorize", md.AuthorizationEndpoint)
	assert.Equal(t, idp.TokenURL(), md.TokenEndpoint)
}

func TestCoordinator_NonceMismatch(t *testing.T) {
	for _, withJWKS := range []bool{true, false} {
		idp := startIdP(t)
		nav := &recordingNavigator{}
		c := oidc.NewCoordinator(staticConfig(idp, withJWKS), oidc.WithNavigator(nav))
		require.NoError(t, c.BeginLogin(context.Background()))

		authURL, _ := url.Parse(nav.last(t))
		q := authURL.Query()
		q.Set("nonce", "forged")
		authURL.RawQuery = q.Encode()

		cb, err := idp.Approve(authURL.String(), alice)
		require.NoError(t, err)
		_, err = c.HandleCallback(context.Background(), cb)
		assert.ErrorIs(t, err, oidc.ErrCallback, "jwks=%v", withJWKS)
		assert.Nil(t, c.User())
	}
}

func TestCoordinator_CallbackFailures(t *testing.T) {
	idp := startIdP(t)
	nav := &recordingNavigator{}
	now := time.Now()
	clock := func() time.Time { return now }
	c := oidc.NewCoordinator(staticConfig(idp, true),
		oidc.WithNavigator(nav), oidc.WithClock(clock), oidc.WithTransactionTTL(time.Minute))
	ctx := context.Background()

	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	_, err := c.HandleCallback(ctx, parse(testRedirectURL+"?code=x&state=bogus"))
	assert.ErrorIs(t, err, oidc.ErrUnknownState)
	assert.ErrorIs(t, err, oidc.ErrCallback)

	_, err = c.HandleCallback(ctx, parse(testRedirectURL+"?error=access_denied&error_description=nope"))
	assert.ErrorIs(t, err, oidc.ErrCallback)

	_, err = c.HandleCallback(ctx, parse(testRedirectURL+"?state=only"))
	assert.ErrorIs(t, err, oidc.ErrCallback)

	// valid state, code the provider never issued
	cb := login(t, c, nav, idp)
	q := cb.Query()
	q.Set("code", "not-issued")
	cb.RawQuery = q.Encode()
	_, err = c.HandleCallback(ctx, cb)
	assert.ErrorIs(t, err, oidc.ErrExchange)

	// a transaction older than its TTL is unknown
	cb = login(t, c, nav, idp)
	now = now.Add(2 * time.Minute)
	_, err = c.HandleCallback(ctx, cb)
	assert.ErrorIs(t, err, oidc.ErrUnknownState)
}

func TestCoordinator_ExpiredLogin(t *testing.T) {
	idp := startIdP(t)
	idp.TokenTTL = -time.Minute
	nav := &recordingNavigator{}
	c := oidc.NewCoordinator(staticConfig(idp, false), oidc.WithNavigator(nav))

	_, err := c.HandleCallback(context.Background(), login(t, c, nav, idp))
	assert.ErrorIs(t, err, oidc.ErrExpired)
	assert.Nil(t, c.User())
}

func TestCoordinator_ConfigurationErrors(t *testing.T) {
	idp := startIdP(t)
	tests := []struct {
		name   string
		mutate func(*oidc.Config)
	}{
		{"no authority", func(c *oidc.Config) { c.Authority = "" }},
		{"no client id", func(c *oidc.Config) { c.ClientID = "" }},
		{"no redirect", func(c *oidc.Config) { c.RedirectURL = "" }},
		{"relative authority", func(c *oidc.Config) { c.Authority = "/realms/portal" }},
		{"static without token url", func(c *oidc.Config) { c.TokenURL = "" }},
		{"static with bad userinfo url", func(c *oidc.Config) { c.UserInfoURL = "userinfo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := staticConfig(idp, false)
			tt.mutate(&cfg)
			nav := &recordingNavigator{}
			c := oidc.NewCoordinator(cfg, oidc.WithNavigator(nav))

			err := c.BeginLogin(context.Background())
			assert.ErrorIs(t, err, oidc.ErrConfiguration)
			assert.True(t, oidc.IsConfigurationError(err))
			assert.Empty(t, nav.targets)
		})
	}
}

func TestCoordinator_DiscoveryFailureIsRetried(t *testing.T) {
	idp := startIdP(t)
	idp.BrokenDiscovery = true
	nav := &recordingNavigator{}
	c := oidc.NewCoordinator(discoveryConfig(idp), oidc.WithNavigator(nav))

	err := c.BeginLogin(context.Background())
	assert.ErrorIs(t, err, oidc.ErrDiscovery)
	assert.ErrorIs(t, err, oidc.ErrConfiguration)
	assert.Empty(t, nav.targets)

	idp.BrokenDiscovery = false
	assert.NoError(t, c.BeginLogin(context.Background()))
	assert.Len(t, nav.targets, 1)
}

func TestCoordinator_RedirectHandler(t *testing.T) {
	idp := startIdP(t)
	store := oidc.NewMemoryTransactionStore()
	c := oidc.NewCoordinator(discoveryConfig(idp), oidc.WithTransactionStore(store))

	rr := httptest.NewRecorder()
	c.RedirectHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/login?callbackURL=/account", nil))
	require.Equal(t, http.StatusFound, rr.Code)

	loc := rr.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, idp.AuthorizationURL()), loc)
	assert.Equal(t, 1, store.Len())

	cb, err := idp.Approve(loc, alice)
	require.NoError(t, err)
	res, err := c.HandleCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, "/account", res.ReturnTo)
	assert.Equal(t, 0, store.Len())

	bad := oidc.NewCoordinator(oidc.Config{})
	rr = httptest.NewRecorder()
	bad.RedirectHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMemoryTransactionStore(t *testing.T) {
	store := oidc.NewMemoryTransactionStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, &oidc.Transaction{State: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.Put(ctx, &oidc.Transaction{State: "live", ExpiresAt: now.Add(time.Minute)}))
	assert.Equal(t, 1, store.Len(), "expired transactions are pruned on Put")

	tx, err := store.Take(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, tx)
	tx, err = store.Take(ctx, "live")
	assert.NoError(t, err)
	assert.Nil(t, tx)
}

func TestConfig(t *testing.T) {
	cfg := oidc.Config{RedirectURL: "http://localhost:8765/cb?x=1"}
	assert.Equal(t, "/cb", cfg.CallbackPath())
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.Scopes())
	cfg.Scope = "openid  offline_access"
	assert.Equal(t, []string{"openid", "offline_access"}, cfg.Scopes())
	assert.Empty(t, (&oidc.Config{RedirectURL: "http://localhost"}).CallbackPath())
}
