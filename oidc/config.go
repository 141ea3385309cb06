// Package oidc drives the authorization code redirect handshake against an
// external OpenID Connect provider.
//
// A Coordinator resolves the provider endpoints, either from explicit
// configuration or from the provider's discovery document, builds the
// authorization URL and hands control to a Navigator. Handing control away is
// a non-resumable boundary: the login resumes only when the provider redirects
// back to the callback path and HandleCallback is called, possibly in a fresh
// process. Everything needed to finish the handshake (state, nonce, PKCE
// verifier) is kept in a TransactionStore before navigating away.
package oidc

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultScope is requested when Config.Scope is empty
const DefaultScope = "openid profile email"

// Config describes the identity provider and this client's registration with it
type Config struct {
	// Authority is the issuer URL of the provider
	Authority string `yaml:"authority_url"`

	ClientID    string `yaml:"client_id"`
	RedirectURL string `yaml:"redirect_url"`

	// Scope is a space separated list of requested scopes
	Scope string `yaml:"scope"`

	// UseDiscovery selects discovery over static metadata. With discovery the
	// endpoint fields below are only a seed that overrides discovered values.
	UseDiscovery bool `yaml:"use_discovery"`

	AuthorizationURL string `yaml:"authorization_url"`
	TokenURL         string `yaml:"token_url"`
	UserInfoURL      string `yaml:"userinfo_url"`

	// JWKSURL is optional. Without it (and without discovery) ID tokens are
	// read but not verified, leaving verification to the backend.
	JWKSURL string `yaml:"jwks_url"`
}

// Scopes splits Scope, falling back to DefaultScope
func (c *Config) Scopes() []string {
	scopes := strings.Fields(c.Scope)
	if len(scopes) == 0 {
		return strings.Fields(DefaultScope)
	}
	return scopes
}

// CallbackPath returns the path component of RedirectURL
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.RedirectURL)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path
}

// Validate reports missing or unusable settings. All failures wrap
// ErrConfiguration.
func (c *Config) Validate() error {
	if c.Authority == "" {
		return fmt.Errorf("%w: authority url is required", ErrConfiguration)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrConfiguration)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("%w: redirect url is required", ErrConfiguration)
	}
	if err := checkURL("authority url", c.Authority); err != nil {
		return err
	}
	if err := checkURL("redirect url", c.RedirectURL); err != nil {
		return err
	}
	if c.UseDiscovery {
		return nil
	}
	for _, ep := range []struct{ name, value string }{
		{"authorization url", c.AuthorizationURL},
		{"token url", c.TokenURL},
		{"userinfo url", c.UserInfoURL},
	} {
		if ep.value == "" {
			return fmt.Errorf("%w: %s is required when discovery is disabled", ErrConfiguration, ep.name)
		}
		if err := checkURL(ep.name, ep.value); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid %s %q", ErrConfiguration, name, raw)
	}
	return nil
}
