package portalauth

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// Guard decides whether a route may be entered. Guards only read the
// session; they never change it.
type Guard interface {
	CanEnter(ctx context.Context, s SessionReader) bool
}

// GuardFunc adapts a function to a Guard
type GuardFunc func(ctx context.Context, s SessionReader) bool

func (f GuardFunc) CanEnter(ctx context.Context, s SessionReader) bool {
	return f(ctx, s)
}

// awaitStage returns the stage of s, first waiting for the initial session
// load if s supports that. If ctx ends first the stage is Undetermined,
// which every guard except the public ones denies.
func awaitStage(ctx context.Context, s SessionReader) Stage {
	stage := s.Stage()
	if stage != StageUndetermined {
		return stage
	}
	if w, ok := s.(interface{ WaitDetermined(context.Context) error }); ok {
		if err := w.WaitDetermined(ctx); err == nil {
			return s.Stage()
		}
	}
	return stage
}

func stepUpPending(s SessionReader) bool {
	sp, ok := s.(interface{ StepUpPending() bool })
	return ok && sp.StepUpPending()
}

var (
	// Public always allows entry
	Public Guard = GuardFunc(func(context.Context, SessionReader) bool { return true })

	// RequiresAuthenticated allows fully authenticated visitors only
	RequiresAuthenticated Guard = GuardFunc(func(ctx context.Context, s SessionReader) bool {
		return awaitStage(ctx, s) == StageAuthenticated
	})

	// RequiresDataSteward allows authenticated data stewards only
	RequiresDataSteward Guard = GuardFunc(func(ctx context.Context, s SessionReader) bool {
		if awaitStage(ctx, s) != StageAuthenticated {
			return false
		}
		return s.Session().HasRole(RoleDataSteward)
	})

	// RequiresNeedsRegistration guards the registration page, which cannot be
	// revisited once registered
	RequiresNeedsRegistration Guard = GuardFunc(func(ctx context.Context, s SessionReader) bool {
		return awaitStage(ctx, s).NeedsRegistration()
	})

	// RequiresRegisteredOrNewTotpToken guards the TOTP setup page
	RequiresRegisteredOrNewTotpToken Guard = GuardFunc(func(ctx context.Context, s SessionReader) bool {
		stage := awaitStage(ctx, s)
		return stage == StageRegistered || stage == StageNewTotpToken
	})

	// RequiresNewTotpToken guards the TOTP confirmation page. It also admits
	// authenticated visitors asked to confirm a code again.
	RequiresNewTotpToken Guard = GuardFunc(func(ctx context.Context, s SessionReader) bool {
		stage := awaitStage(ctx, s)
		if stage.AwaitsTotpCode() {
			return true
		}
		return stage == StageAuthenticated && stepUpPending(s)
	})

	// IsOIDCCallback always admits the callback route, where the session is
	// not known yet
	IsOIDCCallback Guard = GuardFunc(func(context.Context, SessionReader) bool { return true })
)

// Route binds a path prefix to a guard
type Route struct {
	Path  string
	Guard Guard
}

// RouteTable finds the guard for a path. Paths without a registered guard
// are public.
type RouteTable struct {
	fallback string
	routes   []Route
}

// NewRouteTable creates a table that sends denied visitors to fallback
func NewRouteTable(fallback string) *RouteTable {
	if fallback == "" {
		fallback = "/"
	}
	return &RouteTable{fallback: fallback}
}

// DefaultRouteTable guards the portal's routes
func DefaultRouteTable(routes Routes) *RouteTable {
	return NewRouteTable(routes.Home).
		Handle("/work-package", RequiresAuthenticated).
		Handle("/account", RequiresAuthenticated).
		Handle("/iva-manager", RequiresDataSteward).
		Handle("/access-request-manager", RequiresDataSteward).
		Handle("/user-manager", RequiresDataSteward).
		Handle("/access-grant-manager", RequiresDataSteward).
		Handle(routes.Callback, IsOIDCCallback).
		Handle(routes.Register, RequiresNeedsRegistration).
		Handle(routes.SetupTOTP, RequiresRegisteredOrNewTotpToken).
		Handle(routes.ConfirmTOTP, RequiresNewTotpToken)
}

// Fallback returns the route denied visitors are sent to
func (t *RouteTable) Fallback() string {
	return t.fallback
}

// Handle registers g for path and everything below it
func (t *RouteTable) Handle(path string, g Guard) *RouteTable {
	path = "/" + strings.Trim(path, "/")
	t.routes = append(t.routes, Route{Path: path, Guard: g})
	// longest prefix first
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Path) > len(t.routes[j].Path)
	})
	return t
}

// Match returns the guard for path, or Public
func (t *RouteTable) Match(path string) Guard {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = "/" + strings.Trim(path, "/")
	for _, r := range t.routes {
		if path == r.Path || r.Path == "/" || strings.HasPrefix(path, r.Path+"/") {
			return r.Guard
		}
	}
	return Public
}

// Enter checks whether path may be entered and returns the route to show:
// path itself, or the fallback when denied
func (t *RouteTable) Enter(ctx context.Context, s SessionReader, path string) (string, bool) {
	if t.Match(path).CanEnter(ctx, s) {
		return path, true
	}
	return t.fallback, false
}

// GuardMiddleware wraps a handler so that requests for a denied route are
// redirected to the table's fallback
func GuardMiddleware(t *RouteTable, s SessionReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := t.Enter(r.Context(), s, r.URL.Path); !ok {
				slog.Debug("route denied", "path", r.URL.Path, "stage", s.Stage())
				http.Redirect(w, r, t.fallback, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
