// Package portalauth orchestrates the login and session lifecycle of a data
// portal client.
//
// A visitor moves through a sequence of stages:
//
//	LoggedOut -> NeedsRegistration -> Registered -> NewTotpToken -> Authenticated
//
// with NeedsReRegistration and HasTotpToken as variants the backend may report
// for returning users, and Undetermined before the first session response.
//
// # Components
//
// SessionManager owns the current UserSession and performs every transition.
// It starts a login through an OIDC Coordinator (see package oidc), exchanges
// the resulting access token for a backend session descriptor (the X-Session
// header of POST {auth}/rpc/login) and applies it together with its CSRF token
// in one step.
//
// CSRFGuardian holds the CSRF token of the session in memory and stamps it on
// every POST, PUT, PATCH and DELETE request sent through its Transport.
//
// TOTPWorkflow enrolls and verifies the second factor.
//
// Guards such as RequiresAuthenticated and RequiresDataSteward decide whether
// a route may be entered. A RouteTable maps routes to guards and sends denied
// visitors home; GuardMiddleware does the same for an http.Handler.
//
// # Basic Usage
//
//	cfg, err := portalauth.LoadConfig("portal.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sm := portalauth.NewSessionManager(*cfg)
//	if err := sm.RestoreSession(ctx); err != nil {
//	    log.Println(portalauth.UserMessage(err))
//	}
//	if sm.Stage() == portalauth.StageLoggedOut {
//	    _ = sm.Login(ctx) // hands control to the identity provider
//	}
//
// When the provider redirects back, pass the callback URL to HandleCallback;
// it loads the session and navigates to the page the stage calls for.
//
// # Errors
//
// Operations return errors wrapping one of the package sentinels.
// Kind classifies them and UserMessage returns the text to show. Every
// failed operation is also reported once to the configured Notifier.
package portalauth
