package portalauth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/pquerna/otp"
)

var totpCodePattern = regexp.MustCompile(`^\d{6}$`)

// TOTPStep is the page of the enrollment flow the visitor is on
type TOTPStep int

const (
	// StepSetup shows the provisioning secret
	StepSetup TOTPStep = iota
	// StepConfirm asks for the first code
	StepConfirm
)

func (s TOTPStep) String() string {
	if s == StepConfirm {
		return "confirm"
	}
	return "setup"
}

// TOTPProvisioning is a freshly issued second factor secret. It is only
// held while the visitor is in NewTotpToken.
type TOTPProvisioning struct {
	URI     string
	Secret  string
	Issuer  string
	Account string
}

// ParseProvisioningURI parses an otpauth:// URI as returned by the backend
func ParseProvisioningURI(uri string) (*TOTPProvisioning, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid provisioning uri: %v", ErrMalformedResponse, err)
	}
	if key.Type() != "totp" {
		return nil, fmt.Errorf("%w: provisioning uri is %q, not totp", ErrMalformedResponse, key.Type())
	}
	if key.Secret() == "" {
		return nil, fmt.Errorf("%w: provisioning uri has no secret", ErrMalformedResponse)
	}
	return &TOTPProvisioning{
		URI:     key.URL(),
		Secret:  key.Secret(),
		Issuer:  key.Issuer(),
		Account: key.AccountName(),
	}, nil
}

// TOTPWorkflow drives second factor enrollment and verification for the
// session of its SessionManager. CreateProvisioningToken and VerifyCode are
// not reentrant: a call made while another one is outstanding returns
// ErrInFlight and has no effect.
type TOTPWorkflow struct {
	m *SessionManager

	provisioning atomic.Bool
	verifying    atomic.Bool

	codeMu sync.Mutex
	code   string

	retiredMu sync.Mutex
	retired   map[string]bool
}

// Provisioning returns the held provisioning secret, or nil
func (w *TOTPWorkflow) Provisioning() *TOTPProvisioning {
	w.m.mu.RLock()
	defer w.m.mu.RUnlock()
	if w.m.provisioning == nil {
		return nil
	}
	cp := *w.m.provisioning
	return &cp
}

// Step returns the current enrollment page
func (w *TOTPWorkflow) Step() TOTPStep {
	w.m.mu.RLock()
	defer w.m.mu.RUnlock()
	return w.m.totpStep
}

// Code returns the code currently entered. It is cleared after every
// verification attempt.
func (w *TOTPWorkflow) Code() string {
	w.codeMu.Lock()
	defer w.codeMu.Unlock()
	return w.code
}

func (w *TOTPWorkflow) setCode(code string) {
	w.codeMu.Lock()
	defer w.codeMu.Unlock()
	w.code = code
}

func (w *TOTPWorkflow) retire(secret string) {
	if secret == "" {
		return
	}
	w.retiredMu.Lock()
	defer w.retiredMu.Unlock()
	if w.retired == nil {
		w.retired = make(map[string]bool)
	}
	w.retired[secret] = true
}

func (w *TOTPWorkflow) isRetired(secret string) bool {
	w.retiredMu.Lock()
	defer w.retiredMu.Unlock()
	return w.retired[secret]
}

// CreateProvisioningToken requests a new secret from the backend and moves
// the session from Registered to NewTotpToken
func (w *TOTPWorkflow) CreateProvisioningToken(ctx context.Context) (*TOTPProvisioning, error) {
	if !w.provisioning.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer w.provisioning.Store(false)

	p, err := w.createProvisioningToken(ctx)
	w.m.notify(ctx, "create totp token", err)
	return p, err
}

func (w *TOTPWorkflow) createProvisioningToken(ctx context.Context) (*TOTPProvisioning, error) {
	m := w.m
	m.mu.RLock()
	stage, epoch, force := m.stageLocked(), m.epoch, m.forceNext
	m.mu.RUnlock()
	if stage != StageRegistered {
		return nil, fmt.Errorf("%w: cannot create a TOTP token in %s", ErrWrongStage, stage)
	}

	uri, err := m.backend.CreateTOTPToken(ctx, force)
	if err != nil {
		return nil, classify(err)
	}
	p, err := ParseProvisioningURI(uri)
	if err != nil {
		return nil, err
	}
	if w.isRetired(p.Secret) {
		return nil, fmt.Errorf("%w: backend reissued a retired secret", ErrMalformedResponse)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil || m.session.State != StageRegistered {
		return nil, ErrStaleResult
	}
	m.session = m.session.withStage(StageNewTotpToken)
	m.provisioning = p
	m.totpStep = StepSetup
	m.forceNext = false
	m.logger.Info("TOTP token created", "issuer", p.Issuer)

	cp := *p
	return &cp, nil
}

// CompleteSetup moves on to the confirmation page once the visitor has added
// the secret to an authenticator app. Nothing is verified and the stage
// does not change.
func (w *TOTPWorkflow) CompleteSetup(ctx context.Context) error {
	m := w.m
	m.mu.Lock()
	stage := m.stageLocked()
	if !stage.AwaitsTotpCode() {
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing to confirm in %s", ErrWrongStage, stage)
	}
	m.totpStep = StepConfirm
	m.mu.Unlock()
	return m.router.Navigate(ctx, m.cfg.Routes.ConfirmTOTP)
}

// VerifyCode submits a 6 digit code. It returns true once the backend
// accepted it and the session is Authenticated. On rejection the entered
// code is cleared, the stage is unchanged and the provisioning secret is
// kept so the visitor can retry.
func (w *TOTPWorkflow) VerifyCode(ctx context.Context, code string) (bool, error) {
	if !totpCodePattern.MatchString(code) {
		w.m.notify(ctx, "verify totp", ErrInvalidCodeFormat)
		return false, ErrInvalidCodeFormat
	}
	if !w.verifying.CompareAndSwap(false, true) {
		return false, ErrInFlight
	}
	defer w.verifying.Store(false)

	ok, err := w.verifyCode(ctx, code)
	w.m.notify(ctx, "verify totp", err)
	return ok, err
}

func (w *TOTPWorkflow) verifyCode(ctx context.Context, code string) (bool, error) {
	m := w.m
	m.mu.RLock()
	stage, epoch, stepUp := m.stageLocked(), m.epoch, m.stepUp
	m.mu.RUnlock()
	if !stage.AwaitsTotpCode() && !(stage == StageAuthenticated && stepUp) {
		return false, fmt.Errorf("%w: cannot verify a code in %s", ErrWrongStage, stage)
	}

	w.setCode(code)
	if err := m.backend.VerifyTOTP(ctx, code); err != nil {
		w.setCode("")
		err = classify(err)
		if errors.Is(err, ErrRateLimited) {
			m.logger.Warn("TOTP verification rate limited, address demoted to unverified")
		}
		return false, err
	}
	w.setCode("")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil {
		return false, ErrStaleResult
	}
	if m.provisioning != nil {
		w.retire(m.provisioning.Secret)
	}
	m.session = m.session.withStage(StageAuthenticated)
	m.stepUp = false
	m.provisioning = nil
	m.totpStep = StepSetup
	m.logger.Info("TOTP code verified")
	return true, nil
}

// LostTotpSetup returns to Registered so that setup runs again with a new
// secret. The held secret is dropped and never accepted again. It is only
// allowed while TOTP setup is still in progress.
func (w *TOTPWorkflow) LostTotpSetup(ctx context.Context) error {
	m := w.m
	m.mu.Lock()
	switch stage := m.stageLocked(); stage {
	case StageRegistered, StageNewTotpToken, StageHasTotpToken:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot reset TOTP setup in %s", ErrWrongStage, stage)
	}
	if m.provisioning != nil {
		w.retire(m.provisioning.Secret)
	}
	m.provisioning = nil
	m.totpStep = StepSetup
	m.forceNext = true
	m.stepUp = false
	m.session = m.session.withStage(StageRegistered)
	m.mu.Unlock()

	w.setCode("")
	return m.router.Navigate(ctx, m.cfg.Routes.SetupTOTP)
}
