package portalauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserSession describes the current visitor as reported by the backend in
// the X-Session header. It is replaced as a whole on every authentication
// response and dropped on logout.
type UserSession struct {
	State    Stage    `json:"state"`
	ID       string   `json:"id,omitempty"`
	ExtID    string   `json:"ext_id"`
	Name     string   `json:"name"`
	Title    *string  `json:"title,omitempty"`
	FullName string   `json:"full_name"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`

	// CSRF is the anti-forgery token issued with this session. The live copy
	// is held by the CSRFGuardian.
	CSRF string `json:"csrf"`

	// Timeout and Extends are the idle timeout and extension window in
	// seconds. They are for display only; nothing renews the session.
	Timeout *int `json:"timeout,omitempty"`
	Extends *int `json:"extends,omitempty"`
}

// wireSession is the descriptor as sent, including the single legacy role
type wireSession struct {
	State    string   `json:"state"`
	ID       *string  `json:"id"`
	ExtID    string   `json:"ext_id"`
	Name     string   `json:"name"`
	Title    *string  `json:"title"`
	FullName string   `json:"full_name"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	Role     string   `json:"role"`
	CSRF     string   `json:"csrf"`
	Timeout  *int     `json:"timeout"`
	Extends  *int     `json:"extends"`
}

// ParseSessionHeader parses the X-Session header. An empty header or a JSON
// null yields a nil session without error. A descriptor that is missing
// ext_id, name or email, names an unknown stage, or carries an id that does
// not fit its stage is reported as ErrMalformedResponse.
func ParseSessionHeader(header string) (*UserSession, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	var w *wireSession
	if err := json.Unmarshal([]byte(header), &w); err != nil {
		return nil, fmt.Errorf("%w: cannot parse user session: %v", ErrMalformedResponse, err)
	}
	if w == nil {
		return nil, nil
	}
	if w.ExtID == "" || w.Name == "" || w.Email == "" {
		return nil, fmt.Errorf("%w: missing properties in user session", ErrMalformedResponse)
	}
	stage, err := ParseStage(w.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	s := &UserSession{
		State:    stage,
		ExtID:    w.ExtID,
		Name:     w.Name,
		FullName: w.FullName,
		Email:    w.Email,
		CSRF:     w.CSRF,
		Timeout:  w.Timeout,
		Extends:  w.Extends,
	}
	if w.ID != nil {
		s.ID = *w.ID
	}
	if w.Title != nil && *w.Title != "" {
		title := *w.Title
		s.Title = &title
	}

	roles := w.Roles
	if w.Role != "" {
		roles = append(roles, w.Role)
	}
	s.Roles = ParseRoles(roles)

	if (s.ID == "") != (stage == StageNeedsRegistration) {
		if stage == StageNeedsRegistration {
			return nil, fmt.Errorf("%w: unregistered session carries user id", ErrMalformedResponse)
		}
		return nil, fmt.Errorf("%w: %s session has no user id", ErrMalformedResponse, stage)
	}

	if s.FullName == "" {
		s.FullName = s.DisplayName()
	}
	return s, nil
}

// DisplayName returns the name prefixed with the academic title, if any
func (s *UserSession) DisplayName() string {
	if s.Title != nil && *s.Title != "" {
		return *s.Title + " " + s.Name
	}
	return s.Name
}

// RoleNames returns the display names of the session's roles
func (s *UserSession) RoleNames() []string {
	names := make([]string, 0, len(s.Roles))
	for _, r := range s.Roles {
		names = append(names, RoleName(r))
	}
	return names
}

// IsAuthenticated is true only once the second factor has been confirmed
func (s *UserSession) IsAuthenticated() bool {
	return s != nil && s.State == StageAuthenticated
}

// HasRole checks whether the session carries the given role tag
func (s *UserSession) HasRole(role string) bool {
	return s != nil && ContainsRole(s.Roles, role)
}

// TimeoutDuration returns the advisory idle timeout, or 0 if none was sent
func (s *UserSession) TimeoutDuration() time.Duration {
	if s.Timeout == nil {
		return 0
	}
	return time.Duration(*s.Timeout) * time.Second
}

// ExtendsDuration returns the advisory extension window, or 0 if none was sent
func (s *UserSession) ExtendsDuration() time.Duration {
	if s.Extends == nil {
		return 0
	}
	return time.Duration(*s.Extends) * time.Second
}

// Clone returns a deep copy
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Roles = append([]string{}, s.Roles...)
	if s.Title != nil {
		t := *s.Title
		cp.Title = &t
	}
	if s.Timeout != nil {
		v := *s.Timeout
		cp.Timeout = &v
	}
	if s.Extends != nil {
		v := *s.Extends
		cp.Extends = &v
	}
	return &cp
}

// withStage returns a copy moved to stage
func (s *UserSession) withStage(stage Stage) *UserSession {
	cp := s.Clone()
	cp.State = stage
	return cp
}
