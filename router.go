package portalauth

import (
	"context"
	"log/slog"
	"sync"
)

// HistoryRouter is an in-memory Router that checks every navigation against
// a RouteTable. It stands in for the host application's navigation layer in
// the CLI and in tests.
type HistoryRouter struct {
	mu      sync.Mutex
	current string
	history []string
	table   *RouteTable
	reader  SessionReader
}

// NewHistoryRouter creates a router positioned at start
func NewHistoryRouter(start string) *HistoryRouter {
	if start == "" {
		start = "/"
	}
	return &HistoryRouter{current: start}
}

// WithRouteTable sets the guards checked on navigation
func (r *HistoryRouter) WithRouteTable(t *RouteTable) *HistoryRouter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = t
	return r
}

// Bind sets the session guards are evaluated against. SessionManager calls
// it on construction.
func (r *HistoryRouter) Bind(s SessionReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reader = s
}

// CurrentPath returns the route currently shown
func (r *HistoryRouter) CurrentPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Navigate moves to path, or to the table's fallback if its guard denies it
func (r *HistoryRouter) Navigate(ctx context.Context, path string) error {
	r.mu.Lock()
	table, reader := r.table, r.reader
	r.mu.Unlock()

	target := path
	if table != nil && reader != nil {
		var ok bool
		if target, ok = table.Enter(ctx, reader, path); !ok {
			slog.Debug("navigation denied", "path", path, "redirect", target)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = target
	r.history = append(r.history, target)
	return nil
}

// History returns every route navigated to, oldest first
func (r *HistoryRouter) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.history...)
}
