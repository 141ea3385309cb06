package grpc

import (
	"context"
	"reflect"
	"testing"

	"google.golang.org/grpc/metadata"

	"github.com/panyam/portalauth"
)

// staticSession is a SessionReader holding a fixed session
type staticSession struct {
	session *portalauth.UserSession
}

func (s staticSession) Stage() portalauth.Stage {
	if s.session == nil {
		return portalauth.StageLoggedOut
	}
	return s.session.State
}

func (s staticSession) Session() *portalauth.UserSession { return s.session }

func stewardSession() staticSession {
	return staticSession{&portalauth.UserSession{
		State: portalauth.StageAuthenticated,
		ID:    "u1",
		ExtID: "steward@idp",
		Name:  "Steward",
		Email: "s@example.com",
		Roles: []string{portalauth.RoleDataSteward, "auditor"},
	}}
}

// incoming turns outgoing metadata into what the server would receive
func incoming(ctx context.Context) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestSessionRoundTrip(t *testing.T) {
	csrf := portalauth.NewCSRFGuardian()
	csrf.SetToken("tok")

	out := SessionToOutgoingContext(context.Background(), stewardSession(), csrf, nil)
	info := SessionFromContext(incoming(out))

	if info.UserID != "u1" || info.Stage != portalauth.StageAuthenticated || info.CSRF != "tok" {
		t.Errorf("info = %+v", info)
	}
	if !reflect.DeepEqual(info.Roles, []string{portalauth.RoleDataSteward, "auditor"}) {
		t.Errorf("Roles = %v", info.Roles)
	}
	if !info.IsAuthenticated() || !info.HasRole(portalauth.RoleDataSteward) {
		t.Error("expected authenticated data steward")
	}
}

func TestSessionToOutgoingContext_NoSession(t *testing.T) {
	ctx := context.Background()
	out := SessionToOutgoingContext(ctx, staticSession{}, portalauth.NewCSRFGuardian(), nil)
	if _, ok := metadata.FromOutgoingContext(out); ok {
		t.Error("no metadata expected without a session")
	}
	info := SessionFromContext(incoming(out))
	if info.Stage != portalauth.StageLoggedOut || info.IsAuthenticated() || IsAuthenticated(incoming(out)) {
		t.Errorf("info = %+v", info)
	}
}

func TestSessionFromContext_CustomKeys(t *testing.T) {
	config := &Config{MetadataKeyUserID: "x-portal-user"}
	md := metadata.Pairs(
		"x-portal-user", "u9",
		DefaultMetadataKeyStage, "Registered",
		DefaultMetadataKeyRoles, "a,b",
		DefaultMetadataKeyRoles, "b, c",
	)
	info := SessionFromContextWithConfig(metadata.NewIncomingContext(context.Background(), md), config)
	if info.UserID != "u9" || info.Stage != portalauth.StageRegistered {
		t.Errorf("info = %+v", info)
	}
	if !reflect.DeepEqual(info.Roles, []string{"a", "b", "c"}) {
		t.Errorf("Roles = %v", info.Roles)
	}
	if info.IsAuthenticated() {
		t.Error("Registered is not authenticated")
	}
}

func TestSessionFromContext_UnknownStage(t *testing.T) {
	md := metadata.Pairs(DefaultMetadataKeyUserID, "u1", DefaultMetadataKeyStage, "Root")
	info := SessionFromContext(metadata.NewIncomingContext(context.Background(), md))
	if info.Stage != portalauth.StageLoggedOut {
		t.Errorf("Stage = %s, want LoggedOut", info.Stage)
	}
	if UserIDFromContext(metadata.NewIncomingContext(context.Background(), md)) != "u1" {
		t.Error("user id should still be read")
	}
}
