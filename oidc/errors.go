package oidc

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or invalid provider metadata. A login
	// attempt that fails with it must not be retried automatically.
	ErrConfiguration = errors.New("oidc: configuration error")

	// ErrDiscovery is returned when the discovery document cannot be fetched
	// or is malformed
	ErrDiscovery = fmt.Errorf("%w: provider discovery failed", ErrConfiguration)

	// ErrCallback marks a callback that cannot complete the login
	ErrCallback = errors.New("oidc: invalid callback")

	ErrUnknownState  = fmt.Errorf("%w: unknown or expired state", ErrCallback)
	ErrNoSubject     = fmt.Errorf("%w: no OpenID Connect user", ErrCallback)
	ErrExpired       = fmt.Errorf("%w: OpenID Connect login expired", ErrCallback)
	ErrNoAccessToken = fmt.Errorf("%w: no OpenID Connect access token", ErrCallback)

	// ErrExchange wraps failures talking to the token or userinfo endpoint
	ErrExchange = errors.New("oidc: code exchange failed")

	// ErrAlreadyLoggedIn is returned by HandleCallback when a provider user is
	// already held, so that a reloaded callback page does not replay the code
	ErrAlreadyLoggedIn = errors.New("oidc: already logged in")
)
