// Package fakeportal provides an in-process auth backend and OpenID Connect
// provider that behave like the real portal services, for tests and local
// runs of the CLI.
package fakeportal

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/panyam/portalauth/authapi"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// SessionCookie is the name of the backend session cookie
const SessionCookie = "session"

// Identity is what the backend learns about a visitor from an access token
type Identity struct {
	ExtID string
	Name  string
	Email string
}

// User is a registered account
type User struct {
	ID    string
	ExtID string
	Name  string
	Title *string
	Email string
	Roles []string

	// NeedsReRegistration asks the user to confirm the profile again
	NeedsReRegistration bool

	// TOTPKey is the second factor, TOTPVerified is set once a code was
	// accepted for it
	TOTPKey      *otp.Key
	TOTPVerified bool
}

// Request records a call received by the backend
type Request struct {
	Method        string
	Path          string
	Query         string
	CSRF          string
	Authorization string
}

type session struct {
	id         string
	identity   Identity
	csrf       string
	totpPassed bool
}

// Backend is a fake auth service implementing the endpoints under {auth}
type Backend struct {
	// Issuer is put into provisioning URIs
	Issuer string

	// RequireCSRF rejects mutating requests without the session's token
	RequireCSRF bool

	// MaxTOTPFailures is the number of rejected codes after which the
	// address is demoted and 429 is returned
	MaxTOTPFailures int

	// RegistrationLag is the number of session loads after a registration
	// that still report the old stage
	RegistrationLag int

	Now func() time.Time

	mu        sync.Mutex
	router    *mux.Router
	users     map[string]*User // by ext id
	tokens    map[string]Identity
	sessions  map[string]*session
	failures  map[string]int
	lag       map[string]int
	lagStage  map[string]string
	failNext  map[string]int
	blocks    map[string]chan struct{}
	entered   map[string]chan struct{}
	requests  []Request
	issued    map[string]bool
	nextID    int
}

// NewBackend creates an empty backend
func NewBackend() *Backend {
	b := &Backend{
		Issuer:          "Data Portal",
		RequireCSRF:     true,
		MaxTOTPFailures: 3,
		Now:             time.Now,
		users:           make(map[string]*User),
		tokens:          make(map[string]Identity),
		sessions:        make(map[string]*session),
		failures:        make(map[string]int),
		lag:             make(map[string]int),
		lagStage:        make(map[string]string),
		failNext:        make(map[string]int),
		blocks:          make(map[string]chan struct{}),
		entered:         make(map[string]chan struct{}),
		issued:          make(map[string]bool),
	}
	r := mux.NewRouter()
	r.HandleFunc(authapi.LoginPath, b.handleLogin).Methods(http.MethodPost)
	r.HandleFunc(authapi.LogoutPath, b.handleLogout).Methods(http.MethodPost)
	r.HandleFunc(authapi.TOTPTokenPath, b.handleCreateTOTPToken).Methods(http.MethodPost)
	r.HandleFunc(authapi.VerifyTOTPPath, b.handleVerifyTOTP).Methods(http.MethodPost)
	r.HandleFunc(authapi.UsersPath, b.handleCreateUser).Methods(http.MethodPost)
	r.HandleFunc(authapi.UsersPath+"/{id}", b.handleUpdateUser).Methods(http.MethodPut)
	r.Use(b.intercept)
	b.router = r
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// AddAccessToken makes the backend accept token as proof of identity
func (b *Backend) AddAccessToken(token string, id Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[token] = id
}

// AddUser registers an account directly
func (b *Backend) AddUser(u *User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.ID == "" {
		b.nextID++
		u.ID = fmt.Sprintf("u%d", b.nextID)
	}
	b.users[u.ExtID] = u
}

// User returns a copy of the account for extID, or nil
func (b *Backend) User(extID string) *User {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[extID]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Code returns the currently valid TOTP code for extID
func (b *Backend) Code(extID string) (string, error) {
	b.mu.Lock()
	u, ok := b.users[extID]
	b.mu.Unlock()
	if !ok || u.TOTPKey == nil {
		return "", fmt.Errorf("user %s has no TOTP token", extID)
	}
	return totp.GenerateCode(u.TOTPKey.Secret(), b.Now())
}

// WrongCode returns a well formed code that is not currently valid for extID
func (b *Backend) WrongCode(extID string) string {
	code, _ := b.Code(extID)
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// FailNext makes the next request to path fail with status
func (b *Backend) FailNext(path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[path] = status
}

// Block holds every request to path until the returned release function is
// called. The entered channel receives a value when a request is held.
func (b *Backend) Block(path string) (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	in := make(chan struct{}, 16)
	b.blocks[path] = ch
	b.entered[path] = in
	var once sync.Once
	return in, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.blocks, path)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Requests returns the requests received so far
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request{}, b.requests...)
}

// RequestsTo returns the requests received for path
func (b *Backend) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (b *Backend) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			CSRF:          r.Header.Get("X-CSRF-Token"),
			Authorization: r.Header.Get(authapi.AuthorizationHeader),
		})
		block, in := b.blocks[r.URL.Path], b.entered[r.URL.Path]
		status, fail := b.failNext[r.URL.Path]
		if fail {
			delete(b.failNext, r.URL.Path)
		}
		b.mu.Unlock()

		if block != nil {
			select {
			case in <- struct{}{}:
			default:
			}
			<-block
		}
		if fail {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stageLocked computes the login stage of a session
func (b *Backend) stageLocked(s *session) string {
	u, ok := b.users[s.identity.ExtID]
	if !ok {
		return "NeedsRegistration"
	}
	if n := b.lag[u.ExtID]; n > 0 {
		b.lag[u.ExtID] = n - 1
		return b.lagStage[u.ExtID]
	}
	switch {
	case u.NeedsReRegistration:
		return "NeedsReRegistration"
	case u.TOTPKey == nil:
		return "Registered"
	case !s.totpPassed && u.TOTPVerified:
		return "HasTotpToken"
	case !s.totpPassed:
		return "NewTotpToken"
	}
	return "Authenticated"
}

func (b *Backend) descriptorLocked(s *session) map[string]any {
	stage := b.stageLocked(s)
	d := map[string]any{
		"state":     stage,
		"ext_id":    s.identity.ExtID,
		"name":      s.identity.Name,
		"full_name": s.identity.Name,
		"email":     s.identity.Email,
		"roles":     []string{},
		"csrf":      s.csrf,
		"timeout":   3600,
		"extends":   300,
	}
	if u, ok := b.users[s.identity.ExtID]; ok && stage != "NeedsRegistration" {
		// registered users are described by their account
		d["id"] = u.ID
		d["name"] = u.Name
		d["email"] = u.Email
		d["title"] = u.Title
		d["full_name"] = u.Name
		if u.Title != nil && *u.Title != "" {
			d["full_name"] = *u.Title + " " + u.Name
		}
		if len(u.Roles) > 0 {
			d["roles"] = u.Roles
		}
	}
	return d
}

// currentSession returns the session of the request's cookie. Mutating
// requests must also carry its CSRF token.
func (b *Backend) currentSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return nil, false
	}
	b.mu.Lock()
	s, ok := b.sessions[c.Value]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown session")
		return nil, false
	}
	if b.RequireCSRF && r.Method != http.MethodGet && r.URL.Path != authapi.LoginPath {
		if r.Header.Get("X-CSRF-Token") != s.csrf {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return nil, false
		}
	}
	return s, true
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var s *session
	if auth := r.Header.Get(authapi.AuthorizationHeader); auth != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		b.mu.Lock()
		id, ok := b.tokens[token]
		b.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}
		s = &session{id: randomHex(16), identity: id, csrf: randomHex(16)}
		b.mu.Lock()
		b.sessions[s.id] = s
		b.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: s.id, Path: "/", HttpOnly: true})
	} else {
		var ok bool
		if s, ok = b.currentSession(w, r); !ok {
			return
		}
	}

	b.mu.Lock()
	desc, err := json.Marshal(b.descriptorLocked(s))
	b.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set(authapi.SessionHeader, string(desc))
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := b.currentSession(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleCreateTOTPToken(w http.ResponseWriter, r *http.Request) {
	s, ok := b.currentSession(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[s.identity.ExtID]
	if !ok {
		writeError(w, http.StatusForbidden, "not registered")
		return
	}
	if u.TOTPKey != nil && u.TOTPVerified && r.URL.Query().Get("force") != "true" {
		writeError(w, http.StatusConflict, "TOTP token already exists")
		return
	}

	var key *otp.Key
	for {
		var err error
		key, err = totp.Generate(totp.GenerateOpts{
			Issuer:      b.Issuer,
			AccountName: u.Email,
			Algorithm:   otp.AlgorithmSHA1,
			Digits:      otp.DigitsSix,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !b.issued[key.Secret()] {
			break
		}
	}
	b.issued[key.Secret()] = true
	u.TOTPKey = key
	u.TOTPVerified = false
	s.totpPassed = false
	b.failures[u.ExtID] = 0

	writeJSON(w, http.StatusCreated, authapi.TOTPTokenResponse{URI: key.URL()})
}

func (b *Backend) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	s, ok := b.currentSession(w, r)
	if !ok {
		return
	}
	code := strings.TrimPrefix(r.Header.Get(authapi.AuthorizationHeader), "Bearer TOTP:")

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[s.identity.ExtID]
	if !ok || u.TOTPKey == nil {
		writeError(w, http.StatusUnauthorized, "no TOTP token")
		return
	}
	if b.failures[u.ExtID] >= b.MaxTOTPFailures {
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	valid, _ := totp.ValidateCustom(code, u.TOTPKey.Secret(), b.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if !valid {
		b.failures[u.ExtID]++
		if b.failures[u.ExtID] >= b.MaxTOTPFailures {
			// the address has to be verified again from scratch
			u.TOTPKey = nil
			u.TOTPVerified = false
			writeError(w, http.StatusTooManyRequests, "too many attempts")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}
	b.failures[u.ExtID] = 0
	u.TOTPVerified = true
	s.totpPassed = true
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	s, ok := b.currentSession(w, r)
	if !ok {
		return
	}
	var nu authapi.NewUser
	if err := json.NewDecoder(r.Body).Decode(&nu); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if nu.ExtID != s.identity.ExtID {
		writeError(w, http.StatusForbidden, "external id does not match session")
		return
	}
	if nu.Name == "" || nu.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "name and email are required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.users[nu.ExtID]; exists {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	b.nextID++
	u := &User{
		ID:    fmt.Sprintf("u%d", b.nextID),
		ExtID: nu.ExtID,
		Name:  nu.Name,
		Title: nu.Title,
		Email: nu.Email,
	}
	b.users[u.ExtID] = u
	b.lag[u.ExtID] = b.RegistrationLag
	b.lagStage[u.ExtID] = "NeedsRegistration"
	writeJSON(w, http.StatusCreated, map[string]any{"id": u.ID, "ext_id": u.ExtID})
}

func (b *Backend) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	s, ok := b.currentSession(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var data authapi.UserData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[s.identity.ExtID]
	if !ok || u.ID != id {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if !u.NeedsReRegistration {
		writeError(w, http.StatusConflict, "user does not need re-registration")
		return
	}
	u.Name, u.Title, u.Email = data.Name, data.Title, data.Email
	u.NeedsReRegistration = false
	b.lag[u.ExtID] = b.RegistrationLag
	b.lagStage[u.ExtID] = "NeedsReRegistration"
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
