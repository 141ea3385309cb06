package portalauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/panyam/portalauth/authapi"
	"github.com/panyam/portalauth/oidc"
)

// Backend is the subset of the auth service the session manager calls.
// *authapi.Client implements it.
type Backend interface {
	Login(ctx context.Context, accessToken string) (string, error)
	Logout(ctx context.Context) error
	CreateTOTPToken(ctx context.Context, force bool) (string, error)
	VerifyTOTP(ctx context.Context, code string) error
	CreateUser(ctx context.Context, user authapi.NewUser) error
	UpdateUser(ctx context.Context, id string, data authapi.UserData) error
}

// Coordinator runs the identity provider handshake. *oidc.Coordinator
// implements it.
type Coordinator interface {
	BeginLogin(ctx context.Context, opts ...oidc.LoginOption) error
	HandleCallback(ctx context.Context, callbackURL *url.URL) (*oidc.Result, error)
	IsCallback(path string) bool
	Forget()
}

// Router is the navigation layer of the host application
type Router interface {
	CurrentPath() string
	Navigate(ctx context.Context, path string) error
}

// SessionReader is the read-only view of the session handed to guards and
// other consumers
type SessionReader interface {
	Stage() Stage
	Session() *UserSession
}

// ManagerOption configures a SessionManager
type ManagerOption func(*SessionManager)

// WithBackend sets the auth service client
func WithBackend(b Backend) ManagerOption {
	return func(m *SessionManager) {
		m.backend = b
	}
}

// WithCoordinator sets the identity provider coordinator
func WithCoordinator(c Coordinator) ManagerOption {
	return func(m *SessionManager) {
		m.coord = c
	}
}

// WithCSRFGuardian sets the guardian that receives the session's CSRF token
func WithCSRFGuardian(g *CSRFGuardian) ManagerOption {
	return func(m *SessionManager) {
		if g != nil {
			m.csrf = g
		}
	}
}

// WithRouter sets the navigation layer
func WithRouter(r Router) ManagerOption {
	return func(m *SessionManager) {
		m.router = r
	}
}

// WithNotifier sets where failed operations are reported
func WithNotifier(n Notifier) ManagerOption {
	return func(m *SessionManager) {
		m.notifier = n
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *SessionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *SessionManager) {
		m.sleep = sleep
	}
}

// SessionManager owns the session state machine. All transitions go through
// it; readers get consistent snapshots and never see a half-applied response.
type SessionManager struct {
	cfg      Config
	backend  Backend
	coord    Coordinator
	csrf     *CSRFGuardian
	router   Router
	notifier Notifier
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.RWMutex
	session    *UserSession
	determined bool
	epoch      uint64
	returnTo   string
	stepUp     bool

	// TOTP enrollment state, see TOTPWorkflow
	provisioning *TOTPProvisioning
	totpStep     TOTPStep
	forceNext    bool

	determinedCh   chan struct{}
	determinedOnce sync.Once

	totp *TOTPWorkflow
}

// NewSessionManager creates a manager in the Undetermined stage. Missing
// collaborators are built from cfg: an authapi.Client whose requests are
// stamped by the CSRF guardian, an oidc.Coordinator and a HistoryRouter.
func NewSessionManager(cfg Config, opts ...ManagerOption) *SessionManager {
	cfg.EnsureDefaults()
	m := &SessionManager{
		cfg:          cfg,
		csrf:         NewCSRFGuardian(),
		logger:       slog.Default(),
		sleep:        sleepContext,
		returnTo:     cfg.Routes.Home,
		totpStep:     StepSetup,
		determinedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backend == nil {
		m.backend = authapi.NewClient(cfg.AuthURL,
			authapi.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
			authapi.WithTransport(m.csrf.Transport(nil)))
	}
	if m.coord == nil {
		m.coord = oidc.NewCoordinator(cfg.OIDC, oidc.WithLogger(m.logger))
	}
	if m.router == nil {
		m.router = NewHistoryRouter(cfg.Routes.Home).WithRouteTable(DefaultRouteTable(cfg.Routes))
	}
	if b, ok := m.router.(interface{ Bind(SessionReader) }); ok {
		b.Bind(m)
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{Logger: m.logger}
	}
	m.totp = &TOTPWorkflow{m: m}
	return m
}

// Config returns the effective configuration
func (m *SessionManager) Config() Config {
	return m.cfg
}

// CSRF returns the guardian holding the session's CSRF token
func (m *SessionManager) CSRF() *CSRFGuardian {
	return m.csrf
}

// Router returns the navigation layer
func (m *SessionManager) Router() Router {
	return m.router
}

// TOTP returns the second factor workflow bound to this session
func (m *SessionManager) TOTP() *TOTPWorkflow {
	return m.totp
}

// Stage returns the current stage
func (m *SessionManager) Stage() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stageLocked()
}

func (m *SessionManager) stageLocked() Stage {
	if m.session != nil {
		return m.session.State
	}
	if !m.determined {
		return StageUndetermined
	}
	return StageLoggedOut
}

// Session returns a copy of the current session, or nil when logged out
func (m *SessionManager) Session() *UserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// IsDetermined is true once a session response (or its absence) is known
func (m *SessionManager) IsDetermined() bool {
	return m.Stage() != StageUndetermined
}

// IsAuthenticated is true only in the Authenticated stage
func (m *SessionManager) IsAuthenticated() bool {
	return m.Stage() == StageAuthenticated
}

// UserID returns the backend user id, or "" before registration
func (m *SessionManager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

// Roles returns the raw role tags of the current session
func (m *SessionManager) Roles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	return append([]string{}, m.session.Roles...)
}

// RoleNames returns the display names of the current roles
func (m *SessionManager) RoleNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	return m.session.RoleNames()
}

// FullName returns the full name of the visitor, or ""
func (m *SessionManager) FullName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.FullName
}

// StepUpPending is true while an authenticated visitor must confirm a code again
func (m *SessionManager) StepUpPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepUp
}

// WaitDetermined blocks until the first session response is applied or ctx
// is done
func (m *SessionManager) WaitDetermined(ctx context.Context) error {
	select {
	case <-m.determinedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) currentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *SessionManager) markDeterminedLocked() {
	m.determined = true
	m.determinedOnce.Do(func() { close(m.determinedCh) })
}

// settleUndetermined treats a failed first load as having no session, so
// guards waiting on it deny instead of blocking
func (m *SessionManager) settleUndetermined(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch && !m.determined {
		m.markDeterminedLocked()
	}
}

// apply replaces the session and the CSRF token in one step. It fails with
// ErrStaleResult if a logout happened since epoch was read.
func (m *SessionManager) apply(epoch uint64, s *UserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return ErrStaleResult
	}
	prev := m.stageLocked()
	m.session = s
	m.markDeterminedLocked()
	if s != nil {
		m.csrf.SetToken(s.CSRF)
	} else {
		m.csrf.Clear()
	}

	next := m.stageLocked()
	if next != StageAuthenticated {
		m.stepUp = false
	}
	if next != prev && !next.AwaitsTotpCode() {
		m.provisioning = nil
		m.totpStep = StepSetup
	}
	return nil
}

// setStage moves the held session to stage, keeping everything else. It is
// used for transitions the backend confirms without a new descriptor.
func (m *SessionManager) setStage(epoch uint64, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil {
		return ErrStaleResult
	}
	if m.session.State != stage {
		m.session = m.session.withStage(stage)
	}
	return nil
}

func (m *SessionManager) notify(ctx context.Context, op string, err error) {
	if err == nil || errors.Is(err, ErrInFlight) {
		return
	}
	m.notifier.Notify(ctx, op, err)
}

// Login remembers the current route and hands control to the identity
// provider. On success the visitor has left; the flow resumes in
// HandleCallback.
func (m *SessionManager) Login(ctx context.Context) error {
	path := m.router.CurrentPath()
	if path == "" || m.cfg.Routes.IsAuthFlow(path) {
		path = m.cfg.Routes.Home
	}
	m.mu.Lock()
	m.returnTo = path
	m.mu.Unlock()

	if err := m.coord.BeginLogin(ctx, oidc.ReturnTo(path)); err != nil {
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		m.notify(ctx, "login", err)
		return err
	}
	return nil
}

// HandleCallback completes the identity provider redirect, exchanges the
// access token for a backend session and navigates on. On failure the
// visitor is sent home.
func (m *SessionManager) HandleCallback(ctx context.Context, callbackURL *url.URL) error {
	res, err := m.coord.HandleCallback(ctx, callbackURL)
	if errors.Is(err, oidc.ErrAlreadyLoggedIn) {
		return m.RedirectAfterLogin(ctx)
	}
	if err != nil {
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		m.notify(ctx, "oidc callback", err)
		m.navigate(ctx, m.cfg.Routes.Home)
		return err
	}

	if res.ReturnTo != "" && !m.cfg.Routes.IsAuthFlow(res.ReturnTo) {
		m.mu.Lock()
		m.returnTo = res.ReturnTo
		m.mu.Unlock()
	}

	if err := m.LoadSession(ctx, res.AccessToken()); err != nil {
		m.navigate(ctx, m.cfg.Routes.Home)
		return err
	}
	return m.RedirectAfterLogin(ctx)
}

// LoadSession asks the backend for the current session, presenting
// accessToken when given. A 401, 403 or 404 means there is no session; any
// other failure leaves the session as it was.
func (m *SessionManager) LoadSession(ctx context.Context, accessToken string) error {
	err := m.loadSession(ctx, m.currentEpoch(), accessToken)
	m.notify(ctx, "load session", err)
	return err
}

func (m *SessionManager) loadSession(ctx context.Context, epoch uint64, accessToken string) error {
	raw, err := m.backend.Login(ctx, accessToken)
	if err != nil {
		if errors.Is(err, authapi.ErrUnauthorized) {
			if aerr := m.apply(epoch, nil); aerr != nil {
				return aerr
			}
			m.coord.Forget()
			if accessToken != "" {
				return classify(err)
			}
			return nil
		}
		m.settleUndetermined(epoch)
		return classify(err)
	}

	s, err := ParseSessionHeader(raw)
	if err != nil {
		m.logger.Warn("cannot parse user session", "err", err)
		m.settleUndetermined(epoch)
		return err
	}
	if err := m.apply(epoch, s); err != nil {
		return err
	}
	if s == nil {
		m.coord.Forget()
	} else {
		m.logger.Debug("user session loaded", "stage", s.State, "ext_id", s.ExtID)
	}
	return nil
}

// RestoreSession loads the session at startup. On the callback route the
// session is loaded by HandleCallback instead.
func (m *SessionManager) RestoreSession(ctx context.Context) error {
	path := m.router.CurrentPath()
	if m.coord.IsCallback(path) || path == m.cfg.Routes.Callback {
		return nil
	}
	return m.LoadSession(ctx, "")
}

// Logout ends the session. It is safe to call at any time and any number of
// times; without a session it does nothing. The result of any operation
// still waiting for the backend is discarded.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.markDeterminedLocked()
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.session = nil
	m.stepUp = false
	m.provisioning = nil
	m.totpStep = StepSetup
	m.returnTo = m.cfg.Routes.Home
	m.mu.Unlock()

	// the CSRF token is still held so the logout request carries it
	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Warn("backend logout failed", "err", err)
	}
	m.coord.Forget()

	m.mu.Lock()
	if m.epoch == epoch && m.session == nil {
		m.csrf.Clear()
	}
	m.mu.Unlock()

	m.navigate(ctx, m.cfg.Routes.Home)
	return nil
}

// Register submits the profile of a visitor in NeedsRegistration (with
// extID) or NeedsReRegistration (with the existing user id) and waits until
// the backend session shows the visitor as registered.
func (m *SessionManager) Register(ctx context.Context, pendingID, extID string, basic authapi.UserData) error {
	err := m.register(ctx, pendingID, extID, basic)
	m.notify(ctx, "register", err)
	return err
}

func (m *SessionManager) register(ctx context.Context, pendingID, extID string, basic authapi.UserData) error {
	if pendingID == "" && extID == "" {
		return fmt.Errorf("%w: user id or external id is required", ErrRegistrationRejected)
	}
	m.mu.RLock()
	stage, epoch := m.stageLocked(), m.epoch
	m.mu.RUnlock()

	var err error
	if pendingID != "" {
		if stage != StageNeedsReRegistration {
			return fmt.Errorf("%w: cannot re-register in %s", ErrWrongStage, stage)
		}
		err = m.backend.UpdateUser(ctx, pendingID, basic)
	} else {
		if stage != StageNeedsRegistration {
			return fmt.Errorf("%w: cannot register in %s", ErrWrongStage, stage)
		}
		err = m.backend.CreateUser(ctx, authapi.NewUser{UserData: basic, ExtID: extID})
	}
	if err != nil {
		if authapi.StatusCode(err) != 0 {
			return fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
		}
		return classify(err)
	}

	next, err := m.waitForStageChange(ctx, epoch, stage)
	if err != nil {
		return err
	}
	if next == stage || !next.IsRegistered() {
		return fmt.Errorf("%w: backend session is still %s", ErrRegistrationRejected, next)
	}
	m.logger.Info("user registered", "stage", next)
	return nil
}

// waitForStageChange reloads the session with exponential backoff until its
// stage differs from stage or the attempts run out, and returns the last
// stage seen
func (m *SessionManager) waitForStageChange(ctx context.Context, epoch uint64, stage Stage) (Stage, error) {
	if next := m.Stage(); next != stage {
		return next, nil
	}
	var lastErr error
	for attempt := 0; attempt < m.cfg.StateWaitAttempts; attempt++ {
		if err := m.sleep(ctx, m.cfg.StateWaitBase<<attempt); err != nil {
			return stage, classify(err)
		}
		lastErr = m.loadSession(ctx, epoch, "")
		if errors.Is(lastErr, ErrStaleResult) {
			return stage, lastErr
		}
		if next := m.Stage(); next != stage {
			return next, nil
		}
	}
	if lastErr != nil {
		return stage, lastErr
	}
	return stage, nil
}

// RedirectAfterLogin navigates to the route the current stage calls for
func (m *SessionManager) RedirectAfterLogin(ctx context.Context) error {
	m.mu.RLock()
	stage, returnTo := m.stageLocked(), m.returnTo
	m.mu.RUnlock()

	target := m.cfg.Routes.Home
	switch stage {
	case StageNeedsRegistration, StageNeedsReRegistration:
		target = m.cfg.Routes.Register
	case StageRegistered:
		target = m.cfg.Routes.SetupTOTP
	case StageNewTotpToken, StageHasTotpToken:
		target = m.cfg.Routes.ConfirmTOTP
	case StageAuthenticated:
		if returnTo != "" {
			target = returnTo
		}
	}
	return m.router.Navigate(ctx, target)
}

// RequestStepUp asks an authenticated visitor to confirm a TOTP code again.
// The stage stays Authenticated.
func (m *SessionManager) RequestStepUp(ctx context.Context) error {
	m.mu.Lock()
	if m.stageLocked() != StageAuthenticated {
		stage := m.stageLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: step-up requires Authenticated, not %s", ErrWrongStage, stage)
	}
	m.stepUp = true
	m.mu.Unlock()
	return m.router.Navigate(ctx, m.cfg.Routes.ConfirmTOTP)
}

func (m *SessionManager) navigate(ctx context.Context, path string) {
	if err := m.router.Navigate(ctx, path); err != nil {
		m.logger.Warn("navigation failed", "path", path, "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
