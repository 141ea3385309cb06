package portalauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/panyam/portalauth/authapi"
	"github.com/panyam/portalauth/oidc"
)

var (
	// ErrConfiguration blocks the login attempt until the identity provider
	// configuration is fixed. It is never retried automatically.
	ErrConfiguration = oidc.ErrConfiguration

	// ErrRejectedCredential is returned when the backend refuses a code or token
	ErrRejectedCredential = errors.New("portalauth: credential rejected")

	// ErrRateLimited is returned after too many failed attempts. The backend
	// has demoted the contact address to unverified by then.
	ErrRateLimited = errors.New("portalauth: too many attempts")

	// ErrTransport covers network failures and unexpected responses
	ErrTransport = errors.New("portalauth: transport failure")

	// ErrMalformedResponse is a transport failure where the backend answered
	// with something that is not a valid session
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrTransport)

	// ErrLoginFailed is returned when the identity provider callback cannot
	// be completed
	ErrLoginFailed = errors.New("portalauth: login failed")

	// ErrRegistrationRejected is returned when the backend does not accept
	// the submitted profile
	ErrRegistrationRejected = errors.New("portalauth: registration rejected")

	// ErrInvalidCodeFormat is returned for codes that are not exactly six digits
	ErrInvalidCodeFormat = errors.New("portalauth: code must be 6 digits")

	// ErrWrongStage is returned when an operation is called in a stage that
	// does not allow it. Route guards should prevent this.
	ErrWrongStage = errors.New("portalauth: operation not allowed in current stage")

	// ErrInFlight is returned when a non-reentrant operation is already running.
	// The call was dropped without any effect.
	ErrInFlight = errors.New("portalauth: operation already in progress")

	// ErrStaleResult is returned when a logout happened while the operation
	// was waiting for the backend. Its result was discarded.
	ErrStaleResult = errors.New("portalauth: session changed during operation")
)

// ErrorKind classifies failures for the UI layer
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConfiguration
	KindRejectedCredential
	KindRateLimited
	KindTransport
	KindRegistrationRejected
	KindInvalidInput
	KindWrongStage
	KindInFlight
	KindStale
	KindLoginFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindRejectedCredential:
		return "rejected_credential"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	case KindRegistrationRejected:
		return "registration_rejected"
	case KindInvalidInput:
		return "invalid_input"
	case KindWrongStage:
		return "wrong_stage"
	case KindInFlight:
		return "in_flight"
	case KindStale:
		return "stale"
	case KindLoginFailed:
		return "login_failed"
	}
	return "unknown"
}

// Kind classifies err. Unknown errors are treated as transport failures.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrRejectedCredential):
		return KindRejectedCredential
	case errors.Is(err, ErrRegistrationRejected):
		return KindRegistrationRejected
	case errors.Is(err, ErrInvalidCodeFormat):
		return KindInvalidInput
	case errors.Is(err, ErrWrongStage):
		return KindWrongStage
	case errors.Is(err, ErrInFlight):
		return KindInFlight
	case errors.Is(err, ErrStaleResult):
		return KindStale
	case errors.Is(err, ErrLoginFailed):
		return KindLoginFailed
	}
	return KindTransport
}

// UserMessage returns the notification text shown for err
func UserMessage(err error) string {
	switch Kind(err) {
	case KindNone:
		return ""
	case KindConfiguration:
		return "Login is currently not possible. Please contact the helpdesk."
	case KindRejectedCredential:
		return "The entered code was invalid. Please try again."
	case KindRateLimited:
		return "Too many failed attempts. Your contact address must be re-verified."
	case KindRegistrationRejected:
		return "Your registration was not accepted. Please check your data."
	case KindInvalidInput:
		return "Please enter the 6-digit code from your authenticator app."
	case KindLoginFailed:
		return "Login failed. Please try again."
	case KindWrongStage, KindInFlight, KindStale:
		return ""
	}
	return "The service is not reachable. Please try again later."
}

// classify maps a backend client error onto the taxonomy above while keeping
// the original error in the chain
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authapi.ErrRateLimited):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case errors.Is(err, authapi.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrRejectedCredential, err)
	case errors.Is(err, authapi.ErrMalformedResponse):
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	case errors.Is(err, ErrTransport), errors.Is(err, ErrRejectedCredential), errors.Is(err, ErrRateLimited):
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Notifier receives one notification per failed operation
type Notifier interface {
	Notify(ctx context.Context, op string, err error)
}

// NotifierFunc adapts a function to a Notifier
type NotifierFunc func(ctx context.Context, op string, err error)

func (f NotifierFunc) Notify(ctx context.Context, op string, err error) {
	f(ctx, op, err)
}

// LogNotifier logs notifications
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, op string, err error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kind := Kind(err)
	level := slog.LevelWarn
	switch kind {
	case KindConfiguration:
		level = slog.LevelError
	case KindInFlight, KindStale:
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "auth operation failed",
		"op", op, "kind", kind.String(), "message", UserMessage(err), "err", err)
}
