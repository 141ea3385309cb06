package portalauth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portal.yaml")
	yamlData := `
app_name: Test Portal
auth_url: https://portal.example/api/auth
state_wait_base: 20ms
oidc:
  authority_url: https://login.example
  client_id: portal
  redirect_url: https://portal.example/oauth/callback
  use_discovery: true
routes:
  setup_totp: /2fa/setup
`
	if err := os.WriteFile(path, []byte(yamlData), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORTAL_OIDC_CLIENT_ID", "from-env")
	t.Setenv("PORTAL_OIDC_USE_DISCOVERY", "false")
	t.Setenv("PORTAL_HTTP_TIMEOUT", "5s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.AppName != "Test Portal" || cfg.AuthURL != "https://portal.example/api/auth" {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.OIDC.ClientID != "from-env" {
		t.Errorf("ClientID = %q, want env override", cfg.OIDC.ClientID)
	}
	if cfg.OIDC.UseDiscovery {
		t.Error("UseDiscovery should be overridden by env")
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.StateWaitBase != 20*time.Millisecond || cfg.StateWaitAttempts != 5 {
		t.Errorf("state wait = %v x %d", cfg.StateWaitBase, cfg.StateWaitAttempts)
	}
	if cfg.Routes.Callback != "/oauth/callback" || cfg.Routes.SetupTOTP != "/2fa/setup" || cfg.Routes.ConfirmTOTP != "/confirm-totp" {
		t.Errorf("routes = %+v", cfg.Routes)
	}
}

func TestConfig_CallbackFromRedirectURL(t *testing.T) {
	cfg := Config{}
	cfg.OIDC.RedirectURL = "http://localhost:8765/cb"
	cfg.EnsureDefaults()
	if cfg.Routes.Callback != "/cb" {
		t.Errorf("Callback = %q, want /cb", cfg.Routes.Callback)
	}
	if !cfg.Routes.IsAuthFlow("/cb/") || cfg.Routes.IsAuthFlow("/browse") || cfg.Routes.IsAuthFlow("") {
		t.Error("IsAuthFlow misclassified")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Validate() = %v, want configuration error", err)
	}
	cfg.AuthURL = "http://auth.test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
