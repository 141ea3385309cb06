// Package authapi is a thin HTTP client for the portal's backend authentication
// service. It knows the endpoint paths, headers and status codes of the service
// and nothing about session stages; interpreting the results is left to the
// session manager in the parent package.
package authapi

// Endpoint paths relative to the configured auth base URL
const (
	LoginPath      = "/rpc/login"
	LogoutPath     = "/rpc/logout"
	TOTPTokenPath  = "/totp-token"
	VerifyTOTPPath = "/rpc/verify-totp"
	UsersPath      = "/users"
)

// Header names exchanged with the auth service
const (
	// SessionHeader carries the JSON session descriptor on a successful login
	SessionHeader = "X-Session"

	// AuthorizationHeader carries either the IdP access token on login or the
	// TOTP code on verification. It is separate from Authorization so that a
	// reverse proxy in front of the service can use the standard header.
	AuthorizationHeader = "X-Authorization"
)

// UserData is the profile data a visitor submits during (re-)registration
type UserData struct {
	Name  string  `json:"name"`
	Title *string `json:"title"`
	Email string  `json:"email"`
}

// NewUser is the body of a registration request for a user without a backend id
type NewUser struct {
	UserData
	ExtID string `json:"ext_id"`
}

// TOTPTokenResponse is the body returned when a provisioning secret is created
type TOTPTokenResponse struct {
	URI string `json:"uri"`
}

// errorResponse is the error body some endpoints return
type errorResponse struct {
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}
