package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/portalauth"
	"github.com/panyam/portalauth/authapi"
	"github.com/panyam/portalauth/internal/fakeportal"
	"github.com/panyam/portalauth/oidc"
	fsstore "github.com/panyam/portalauth/stores/fs"
)

const (
	testClientID = "portal-cli"
	codeLabel    = "Enter the 6 digit code"
)

var ada = fakeportal.Identity{ExtID: "ada@idp", Name: "Ada", Email: "ada@example.com"}

// scriptedPrompter answers prompts by label prefix, in order. Unscripted
// prompts get their default.
type scriptedPrompter struct {
	mu      sync.Mutex
	answers map[string][]func() string
	out     strings.Builder
}

func (p *scriptedPrompter) Ask(label, def string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix, queue := range p.answers {
		if !strings.HasPrefix(label, prefix) || len(queue) == 0 {
			continue
		}
		p.answers[prefix] = queue[1:]
		if answer := queue[0](); answer != "" {
			return answer, nil
		}
	}
	return def, nil
}

func (p *scriptedPrompter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(&p.out, format, args...)
}

func (p *scriptedPrompter) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func answer(s string) func() string { return func() string { return s } }

func validCode(t *testing.T, portal *fakeportal.Portal) func() string {
	return func() string {
		code, err := portal.Backend.Code(ada.ExtID)
		if err != nil {
			t.Errorf("Code() error = %v", err)
		}
		return code
	}
}

func startPortal(t *testing.T) *fakeportal.Portal {
	t.Helper()
	portal := fakeportal.Start(testClientID)
	t.Cleanup(portal.Close)
	return portal
}

func testConfig(portal *fakeportal.Portal, redirectURL string) *portalauth.Config {
	cfg := &portalauth.Config{
		AuthURL: portal.AuthURL(),
		OIDC: oidc.Config{
			Authority:    portal.IdP.Issuer(),
			ClientID:     testClientID,
			RedirectURL:  redirectURL,
			UseDiscovery: true,
		},
	}
	cfg.EnsureDefaults()
	return cfg
}

// approvingNavigator plays the browser: it logs in at the provider as id and
// follows the redirect to the local listener
func approvingNavigator(t *testing.T, portal *fakeportal.Portal, id fakeportal.Identity) oidc.Navigator {
	return oidc.NavigatorFunc(func(ctx context.Context, target string) error {
		callback, err := portal.IdP.Approve(target, id)
		if err != nil {
			return err
		}
		go func() {
			resp, err := http.Get(callback.String())
			if err != nil {
				t.Errorf("redirect to callback failed: %v", err)
				return
			}
			resp.Body.Close()
		}()
		return nil
	})
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis, "http://" + lis.Addr().String() + "/oauth/callback"
}

func TestRunLogin_NewUser(t *testing.T) {
	portal := startPortal(t)
	lis, redirect := listen(t)
	p := &scriptedPrompter{answers: map[string][]func() string{
		"Title":   {answer("Dr.")},
		codeLabel: {validCode(t, portal)},
	}}

	err := runLogin(context.Background(), loginOptions{
		cfg:       testConfig(portal, redirect),
		store:     oidc.NewMemoryTransactionStore(),
		navigator: approvingNavigator(t, portal, ada),
		prompter:  p,
		timeout:   10 * time.Second,
		listener:  lis,
	})
	require.NoError(t, err)

	assert.Contains(t, p.output(), "Add this account to your authenticator app")
	assert.Contains(t, p.output(), "Logged in as Dr. Ada <ada@example.com>")

	user := portal.Backend.User(ada.ExtID)
	require.NotNil(t, user)
	assert.True(t, user.TOTPVerified)
	require.NotNil(t, user.Title)
	assert.Equal(t, "Dr.", *user.Title)
}

func TestRunLogin_WrongCodeIsRetried(t *testing.T) {
	portal := startPortal(t)
	lis, redirect := listen(t)
	p := &scriptedPrompter{answers: map[string][]func() string{
		codeLabel: {
			answer("12ab"),
			func() string { return portal.Backend.WrongCode(ada.ExtID) },
			validCode(t, portal),
		},
	}}

	err := runLogin(context.Background(), loginOptions{
		cfg:       testConfig(portal, redirect),
		store:     oidc.NewMemoryTransactionStore(),
		navigator: approvingNavigator(t, portal, ada),
		prompter:  p,
		timeout:   10 * time.Second,
		listener:  lis,
	})
	require.NoError(t, err)

	out := p.output()
	assert.Contains(t, out, portalauth.UserMessage(portalauth.ErrInvalidCodeFormat))
	assert.Contains(t, out, portalauth.UserMessage(portalauth.ErrRejectedCredential))
	assert.Contains(t, out, "Logged in as")
	assert.Len(t, portal.Backend.RequestsTo(authapi.VerifyTOTPPath), 2)
}

func TestRunLogin_LostSetupIssuesNewSecret(t *testing.T) {
	portal := startPortal(t)
	lis, redirect := listen(t)
	p := &scriptedPrompter{answers: map[string][]func() string{
		codeLabel: {answer("lost"), validCode(t, portal)},
	}}

	err := runLogin(context.Background(), loginOptions{
		cfg:       testConfig(portal, redirect),
		store:     oidc.NewMemoryTransactionStore(),
		navigator: approvingNavigator(t, portal, ada),
		prompter:  p,
		timeout:   10 * time.Second,
		listener:  lis,
	})
	require.NoError(t, err)
	assert.Len(t, portal.Backend.RequestsTo(authapi.TOTPTokenPath), 2)
	assert.Equal(t, 2, strings.Count(p.output(), "Secret: "))
}

func TestRunLogin_Timeout(t *testing.T) {
	portal := startPortal(t)
	lis, redirect := listen(t)

	err := runLogin(context.Background(), loginOptions{
		cfg:   testConfig(portal, redirect),
		store: oidc.NewMemoryTransactionStore(),
		navigator: oidc.NavigatorFunc(func(context.Context, string) error {
			return nil
		}),
		prompter: &scriptedPrompter{},
		timeout:  50 * time.Millisecond,
		listener: lis,
	})
	assert.ErrorIs(t, err, portalauth.ErrLoginFailed)
}

// TestLoginThenCallback splits the login across two managers sharing only
// the file store, like two runs of the command
func TestLoginThenCallback(t *testing.T) {
	t.Setenv(fsstore.KeyEnvVar, strings.Repeat("5a", 32))
	portal := startPortal(t)
	cfg := testConfig(portal, "http://localhost:8765/oauth/callback")
	target := "fs:" + filepath.Join(t.TempDir(), "pending.json")
	ctx := context.Background()

	var authURL string
	first := &scriptedPrompter{}
	store, closeStore, err := openStore(ctx, target, cfg.AppName)
	require.NoError(t, err)
	err = runLogin(ctx, loginOptions{
		cfg:   cfg,
		store: store,
		navigator: oidc.NavigatorFunc(func(_ context.Context, target string) error {
			authURL = target
			return nil
		}),
		prompter: first,
	})
	closeStore()
	require.NoError(t, err)
	assert.Contains(t, first.output(), "portalauth callback")

	callback, err := portal.IdP.Approve(authURL, ada)
	require.NoError(t, err)

	second := &scriptedPrompter{answers: map[string][]func() string{
		codeLabel: {validCode(t, portal)},
	}}
	store, closeStore, err = openStore(ctx, target, cfg.AppName)
	require.NoError(t, err)
	defer closeStore()
	err = runCallback(ctx, loginOptions{cfg: cfg, store: store, prompter: second}, callback.String())
	require.NoError(t, err)
	assert.Contains(t, second.output(), "Logged in as Ada")

	// the pending login was consumed
	err = runCallback(ctx, loginOptions{cfg: cfg, store: store, prompter: &scriptedPrompter{}}, callback.String())
	assert.ErrorIs(t, err, portalauth.ErrLoginFailed)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, "memory", "test")
	require.NoError(t, err)
	assert.IsType(t, &oidc.MemoryTransactionStore{}, store)
	closeStore()

	mr := miniredis.RunT(t)
	store, closeStore, err = openStore(ctx, "redis://"+mr.Addr()+"/0", "test")
	require.NoError(t, err)
	defer closeStore()
	tx := &oidc.Transaction{State: "s1", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Put(ctx, tx))
	got, err := store.Take(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.State)

	_, _, err = openStore(ctx, "etcd://localhost", "test")
	assert.Error(t, err)
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := newTerminalPrompter(strings.NewReader("\n  Grace \nlast"), &out)

	got, err := p.Ask("Name", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got)

	got, err = p.Ask("Name", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Grace", got)

	got, err = p.Ask("Code", "")
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = p.Ask("Code", "")
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Name [Ada]: ")
}

func TestDiscoverCommand(t *testing.T) {
	portal := startPortal(t)
	t.Setenv("PORTAL_AUTH_URL", portal.AuthURL())
	t.Setenv("PORTAL_OIDC_AUTHORITY_URL", portal.IdP.Issuer())
	t.Setenv("PORTAL_OIDC_CLIENT_ID", testClientID)
	t.Setenv("PORTAL_OIDC_REDIRECT_URL", "http://localhost:8765/oauth/callback")
	t.Setenv("PORTAL_OIDC_USE_DISCOVERY", "true")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"discover"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"token_endpoint": "`+portal.IdP.TokenURL()+`"`)
}
