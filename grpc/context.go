// Package grpc carries the portal session to downstream gRPC services. Client
// interceptors copy the facts of the current session (user id, roles, stage)
// and the CSRF token into outgoing metadata; server interceptors read them
// back and enforce the stage and role requirements per method.
//
// The metadata is only as trustworthy as the caller. Services using the server
// interceptors are expected to sit behind the front end that owns the session.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/panyam/portalauth"
)

// Default metadata keys for the session context.
// These can be customized via Config if needed.
const (
	// DefaultMetadataKeyUserID is the default gRPC metadata key for the backend user ID
	DefaultMetadataKeyUserID = "x-user-id"

	// DefaultMetadataKeyRoles carries the comma separated role tags
	DefaultMetadataKeyRoles = "x-user-roles"

	// DefaultMetadataKeyStage carries the session stage
	DefaultMetadataKeyStage = "x-session-stage"

	// DefaultMetadataKeyCSRF carries the anti-forgery token on mutating calls
	DefaultMetadataKeyCSRF = "x-csrf-token"
)

// Config holds the metadata key configuration for the session context.
type Config struct {
	MetadataKeyUserID string
	MetadataKeyRoles  string
	MetadataKeyStage  string
	MetadataKeyCSRF   string

	// MutatingMethods holds the full method names whose calls carry the
	// CSRF token. Other calls never see it.
	MutatingMethods map[string]bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyUserID: DefaultMetadataKeyUserID,
		MetadataKeyRoles:  DefaultMetadataKeyRoles,
		MetadataKeyStage:  DefaultMetadataKeyStage,
		MetadataKeyCSRF:   DefaultMetadataKeyCSRF,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
	if c.MetadataKeyRoles == "" {
		c.MetadataKeyRoles = DefaultMetadataKeyRoles
	}
	if c.MetadataKeyStage == "" {
		c.MetadataKeyStage = DefaultMetadataKeyStage
	}
	if c.MetadataKeyCSRF == "" {
		c.MetadataKeyCSRF = DefaultMetadataKeyCSRF
	}
}

// WithMutatingMethods marks methods as mutating and returns c
func (c *Config) WithMutatingMethods(methods ...string) *Config {
	if c.MutatingMethods == nil {
		c.MutatingMethods = make(map[string]bool, len(methods))
	}
	for _, m := range methods {
		c.MutatingMethods[m] = true
	}
	return c
}

// IsMutating reports whether calls to method carry the CSRF token
func (c *Config) IsMutating(method string) bool {
	return c != nil && c.MutatingMethods[method]
}

// SessionInfo is what a service learns about the caller's session
type SessionInfo struct {
	UserID string
	Roles  []string
	Stage  portalauth.Stage
	CSRF   string
}

// IsAuthenticated is true for a fully authenticated registered user
func (s SessionInfo) IsAuthenticated() bool {
	return s.UserID != "" && s.Stage == portalauth.StageAuthenticated
}

// HasRole checks the caller's role tags
func (s SessionInfo) HasRole(role string) bool {
	return portalauth.ContainsRole(s.Roles, role)
}

// SessionFromContext reads the caller's session from incoming metadata.
// A call without metadata yields a LoggedOut session.
func SessionFromContext(ctx context.Context) SessionInfo {
	return SessionFromContextWithConfig(ctx, nil)
}

// SessionFromContextWithConfig reads the caller's session using the specified config.
func SessionFromContextWithConfig(ctx context.Context, config *Config) SessionInfo {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	info := SessionInfo{Stage: portalauth.StageLoggedOut}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return info
	}
	info.UserID = first(md, config.MetadataKeyUserID)
	info.CSRF = first(md, config.MetadataKeyCSRF)
	if stage, err := portalauth.ParseStage(first(md, config.MetadataKeyStage)); err == nil {
		info.Stage = stage
	}
	var roles []string
	for _, v := range md.Get(config.MetadataKeyRoles) {
		roles = append(roles, strings.Split(v, ",")...)
	}
	info.Roles = portalauth.ParseRoles(roles)
	return info
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// UserIDFromContext extracts the caller's user ID from the gRPC context metadata.
// Returns empty string if there is none.
func UserIDFromContext(ctx context.Context) string {
	return SessionFromContext(ctx).UserID
}

// IsAuthenticated returns true if the caller is fully authenticated.
func IsAuthenticated(ctx context.Context) bool {
	return SessionFromContext(ctx).IsAuthenticated()
}

// SessionToOutgoingContext adds the facts of s to outgoing gRPC context
// metadata. Nothing is added while there is no session. The CSRF token is
// added when csrf holds one, so callers pass csrf only for mutating calls.
func SessionToOutgoingContext(ctx context.Context, s portalauth.SessionReader, csrf *portalauth.CSRFGuardian, config *Config) context.Context {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	session := s.Session()
	if session == nil {
		return ctx
	}
	kv := []string{config.MetadataKeyStage, string(session.State)}
	if session.ID != "" {
		kv = append(kv, config.MetadataKeyUserID, session.ID)
	}
	if len(session.Roles) > 0 {
		kv = append(kv, config.MetadataKeyRoles, strings.Join(session.Roles, ","))
	}
	if csrf != nil {
		if token := csrf.Token(); token != "" {
			kv = append(kv, config.MetadataKeyCSRF, token)
		}
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
