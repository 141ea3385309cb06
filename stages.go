package portalauth

import "fmt"

// Stage is the login stage of the current visitor
type Stage string

const (
	// StageUndetermined is reported until the first session response arrives
	StageUndetermined Stage = "Undetermined"

	StageLoggedOut           Stage = "LoggedOut"
	StageNeedsRegistration   Stage = "NeedsRegistration"
	StageNeedsReRegistration Stage = "NeedsReRegistration"
	StageRegistered          Stage = "Registered"
	StageNewTotpToken        Stage = "NewTotpToken"
	StageHasTotpToken        Stage = "HasTotpToken"
	StageAuthenticated       Stage = "Authenticated"
)

// sessionStages are the stages a backend session descriptor may carry
var sessionStages = map[Stage]bool{
	StageNeedsRegistration:   true,
	StageNeedsReRegistration: true,
	StageRegistered:          true,
	StageNewTotpToken:        true,
	StageHasTotpToken:        true,
	StageAuthenticated:       true,
}

// ParseStage parses a stage carried in a session descriptor
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !sessionStages[st] {
		return "", fmt.Errorf("unknown session stage %q", s)
	}
	return st, nil
}

// NeedsRegistration is true while the profile must be submitted (or re-submitted)
func (s Stage) NeedsRegistration() bool {
	return s == StageNeedsRegistration || s == StageNeedsReRegistration
}

// AwaitsTotpCode is true while a TOTP code must be confirmed to finish logging in
func (s Stage) AwaitsTotpCode() bool {
	return s == StageNewTotpToken || s == StageHasTotpToken
}

// IsRegistered is true once the backend holds an account for the visitor
func (s Stage) IsRegistered() bool {
	switch s {
	case StageRegistered, StageNewTotpToken, StageHasTotpToken, StageAuthenticated:
		return true
	}
	return false
}

func (s Stage) String() string {
	return string(s)
}
