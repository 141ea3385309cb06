package portalauth

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/panyam/portalauth/oidc"
	"gopkg.in/yaml.v3"
)

// Routes names the application routes the login flow navigates between
type Routes struct {
	Home        string `yaml:"home"`
	Callback    string `yaml:"callback"`
	Register    string `yaml:"register"`
	SetupTOTP   string `yaml:"setup_totp"`
	ConfirmTOTP string `yaml:"confirm_totp"`
}

// IsAuthFlow reports whether path belongs to the login flow itself. Such
// routes are never remembered as the post-login target.
func (r Routes) IsAuthFlow(path string) bool {
	switch strings.TrimSuffix(path, "/") {
	case "":
		return false
	case strings.TrimSuffix(r.Callback, "/"),
		strings.TrimSuffix(r.Register, "/"),
		strings.TrimSuffix(r.SetupTOTP, "/"),
		strings.TrimSuffix(r.ConfirmTOTP, "/"):
		return true
	}
	return false
}

// Config holds the settings of the auth subsystem
type Config struct {
	AppName string `yaml:"app_name"`

	// AuthURL is the base URL of the backend auth service
	AuthURL string `yaml:"auth_url"`

	OIDC   oidc.Config `yaml:"oidc"`
	Routes Routes      `yaml:"routes"`

	// StateWaitAttempts and StateWaitBase control how long registration waits
	// for the backend session to reflect the new stage
	StateWaitAttempts int           `yaml:"state_wait_attempts"`
	StateWaitBase     time.Duration `yaml:"state_wait_base"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// EnsureDefaults fills in unset values
func (c *Config) EnsureDefaults() {
	if c.AppName == "" {
		c.AppName = "Data Portal"
	}
	if c.Routes.Home == "" {
		c.Routes.Home = "/"
	}
	if c.Routes.Callback == "" {
		c.Routes.Callback = c.OIDC.CallbackPath()
		if c.Routes.Callback == "" {
			c.Routes.Callback = "/oauth/callback"
		}
	}
	if c.Routes.Register == "" {
		c.Routes.Register = "/register"
	}
	if c.Routes.SetupTOTP == "" {
		c.Routes.SetupTOTP = "/setup-totp"
	}
	if c.Routes.ConfirmTOTP == "" {
		c.Routes.ConfirmTOTP = "/confirm-totp"
	}
	if c.StateWaitAttempts <= 0 {
		c.StateWaitAttempts = 5
	}
	if c.StateWaitBase <= 0 {
		c.StateWaitBase = 50 * time.Millisecond
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
}

// Validate checks the settings needed before any backend call. The OIDC
// settings are checked separately when a login starts.
func (c *Config) Validate() error {
	if c.AuthURL == "" {
		return fmt.Errorf("%w: auth url is required", ErrConfiguration)
	}
	return nil
}

// LoadConfig reads a YAML file (if path is not empty), applies environment
// overrides and fills in defaults
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	cfg.EnsureDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.AuthURL = envOrDefault("PORTAL_AUTH_URL", cfg.AuthURL)
	cfg.OIDC.Authority = envOrDefault("PORTAL_OIDC_AUTHORITY_URL", cfg.OIDC.Authority)
	cfg.OIDC.ClientID = envOrDefault("PORTAL_OIDC_CLIENT_ID", cfg.OIDC.ClientID)
	cfg.OIDC.RedirectURL = envOrDefault("PORTAL_OIDC_REDIRECT_URL", cfg.OIDC.RedirectURL)
	cfg.OIDC.Scope = envOrDefault("PORTAL_OIDC_SCOPE", cfg.OIDC.Scope)
	cfg.OIDC.UseDiscovery = envBool("PORTAL_OIDC_USE_DISCOVERY", cfg.OIDC.UseDiscovery)
	cfg.OIDC.AuthorizationURL = envOrDefault("PORTAL_OIDC_AUTHORIZATION_URL", cfg.OIDC.AuthorizationURL)
	cfg.OIDC.TokenURL = envOrDefault("PORTAL_OIDC_TOKEN_URL", cfg.OIDC.TokenURL)
	cfg.OIDC.UserInfoURL = envOrDefault("PORTAL_OIDC_USERINFO_URL", cfg.OIDC.UserInfoURL)
	cfg.OIDC.JWKSURL = envOrDefault("PORTAL_OIDC_JWKS_URL", cfg.OIDC.JWKSURL)
	cfg.HTTPTimeout = envDuration("PORTAL_HTTP_TIMEOUT", cfg.HTTPTimeout)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
