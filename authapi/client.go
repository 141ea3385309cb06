package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Client talks to the backend auth service. The backend session is carried by
// a cookie, so a Client keeps a cookie jar for its whole lifetime.
type Client struct {
	authURL       string
	httpClient    *http.Client
	baseTransport http.RoundTripper
	jar           http.CookieJar
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// Its transport and timeout are reused, its jar replaces the default one.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		if client.Jar != nil {
			c.jar = client.Jar
		}
	}
}

// WithTransport sets the transport requests go through. The session manager
// passes the CSRF guardian's transport here.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.baseTransport = transport
		}
	}
}

// WithCookieJar replaces the cookie jar holding the backend session cookie
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *Client) {
		c.jar = jar
	}
}

// NewClient creates a client for the auth service rooted at authURL
func NewClient(authURL string, opts ...ClientOption) *Client {
	c := &Client{
		authURL:       strings.TrimSuffix(authURL, "/"),
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			slog.Warn("could not create cookie jar, backend session cookie will not be kept", "err", err)
		} else {
			c.jar = jar
		}
	}
	c.httpClient.Transport = c.baseTransport
	c.httpClient.Jar = c.jar
	return c
}

// AuthURL returns the base URL of the auth service
func (c *Client) AuthURL() string {
	return c.authURL
}

// HTTPClient returns the underlying HTTP client, sharing the session cookie
// jar, for components that call other portal services.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Login exchanges an identity provider access token (or, with an empty token,
// the existing backend session cookie) for the backend session and returns the
// raw session descriptor from the X-Session header.
func (c *Client) Login(ctx context.Context, accessToken string) (string, error) {
	header := http.Header{}
	if accessToken != "" {
		header.Set(AuthorizationHeader, "Bearer "+accessToken)
	}
	resp, body, err := c.do(ctx, "login", http.MethodPost, LoginPath, nil, header)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusNoContent {
		return "", statusError("login", resp, body)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		return "", fmt.Errorf("%w: login returned a body", ErrMalformedResponse)
	}
	session := resp.Header.Get(SessionHeader)
	if session == "" {
		return "", fmt.Errorf("%w: login response has no %s header", ErrMalformedResponse, SessionHeader)
	}
	return session, nil
}

// Logout invalidates the backend session
func (c *Client) Logout(ctx context.Context) error {
	resp, body, err := c.do(ctx, "logout", http.MethodPost, LogoutPath, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("logout", resp, body)
	}
	return nil
}

// CreateTOTPToken asks the backend for a new provisioning secret and returns
// the provisioning URI. Force must be set when replacing an existing token.
func (c *Client) CreateTOTPToken(ctx context.Context, force bool) (string, error) {
	path := TOTPTokenPath
	if force {
		path += "?" + url.Values{"force": {"true"}}.Encode()
	}
	resp, body, err := c.do(ctx, "create totp token", http.MethodPost, path, nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError("create totp token", resp, body)
	}
	var out TOTPTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.URI == "" {
		return "", fmt.Errorf("%w: empty provisioning uri", ErrMalformedResponse)
	}
	return out.URI, nil
}

// VerifyTOTP submits a one time code for the current session
func (c *Client) VerifyTOTP(ctx context.Context, code string) error {
	header := http.Header{}
	header.Set(AuthorizationHeader, "Bearer TOTP:"+code)
	resp, body, err := c.do(ctx, "verify totp", http.MethodPost, VerifyTOTPPath, nil, header)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("verify totp", resp, body)
	}
	return nil
}

// CreateUser registers a visitor that has no backend account yet
func (c *Client) CreateUser(ctx context.Context, user NewUser) error {
	resp, body, err := c.do(ctx, "create user", http.MethodPost, UsersPath, user, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError("create user", resp, body)
	}
	return nil
}

// UpdateUser re-registers an existing backend user
func (c *Client) UpdateUser(ctx context.Context, id string, data UserData) error {
	path := UsersPath + "/" + url.PathEscape(id)
	resp, body, err := c.do(ctx, "update user", http.MethodPut, path, data, nil)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	}
	return statusError("update user", resp, body)
}

// do sends a request and reads the whole response body
func (c *Client) do(ctx context.Context, op, method, path string, payload any, header http.Header) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.authURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: failed to read response: %v", ErrTransport, op, err)
	}
	return resp, body, nil
}

func statusError(op string, resp *http.Response, body []byte) error {
	se := &StatusError{Op: op, StatusCode: resp.StatusCode}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		se.Detail = er.Detail
		if se.Detail == "" {
			se.Detail = er.Error
		}
	}
	return se
}
