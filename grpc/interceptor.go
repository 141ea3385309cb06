package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/portalauth"
)

// UnarySessionInterceptor returns a client interceptor that attaches the
// current session of s to every unary call. The CSRF token goes only on
// methods the config marks as mutating.
func UnarySessionInterceptor(s portalauth.SessionReader, csrf *portalauth.CSRFGuardian, config *Config) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(SessionToOutgoingContext(ctx, s, csrfFor(method, csrf, config), config), method, req, reply, cc, opts...)
	}
}

// StreamSessionInterceptor is the streaming counterpart of UnarySessionInterceptor
func StreamSessionInterceptor(s portalauth.SessionReader, csrf *portalauth.CSRFGuardian, config *Config) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(SessionToOutgoingContext(ctx, s, csrfFor(method, csrf, config), config), desc, cc, method, opts...)
	}
}

// csrfFor returns csrf if method is mutating and nil otherwise
func csrfFor(method string, csrf *portalauth.CSRFGuardian, config *Config) *portalauth.CSRFGuardian {
	if !config.IsMutating(method) {
		return nil
	}
	return csrf
}

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// RequireAuth when true rejects calls from sessions that are not
	// Authenticated. When false, calls proceed and SessionFromContext tells
	// the handler who is calling.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	// MethodRoles lists the roles of which the caller needs at least one,
	// per full method name. Implies authentication.
	MethodRoles map[string][]string
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
		MethodRoles:   make(map[string][]string),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig() *InterceptorConfig {
	config := DefaultInterceptorConfig()
	config.RequireAuth = false
	return config
}

// RequireRoles restricts method to callers with one of roles
func (c *InterceptorConfig) RequireRoles(method string, roles ...string) *InterceptorConfig {
	if c.MethodRoles == nil {
		c.MethodRoles = make(map[string][]string)
	}
	c.MethodRoles[method] = append(c.MethodRoles[method], roles...)
	return c
}

func (c *InterceptorConfig) ensureDefaults() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig()
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	return c
}

// authorize decides whether the caller may invoke method
func (c *InterceptorConfig) authorize(ctx context.Context, method string) error {
	roles := c.MethodRoles[method]
	if c.PublicMethods[method] {
		return nil
	}
	if !c.RequireAuth && len(roles) == 0 {
		return nil
	}

	info := SessionFromContextWithConfig(ctx, c.Config)
	if !info.IsAuthenticated() {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if info.HasRole(r) {
			return nil
		}
	}
	return status.Errorf(codes.PermissionDenied, "requires role %s", portalauth.RoleName(roles[0]))
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that enforces the
// session requirements of config.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.ensureDefaults()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := config.authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns a gRPC stream interceptor that enforces the
// session requirements of config.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.ensureDefaults()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := config.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
