package fakeportal

import (
	"net/http/httptest"
)

// Portal runs a Backend and an IdP wired to each other
type Portal struct {
	Backend *Backend
	IdP     *IdP

	backendServer *httptest.Server
}

// Start serves a fresh backend and provider for clientID
func Start(clientID string) *Portal {
	b := NewBackend()
	idp := NewIdP(clientID)
	idp.Backend = b
	idp.Start()
	return &Portal{
		Backend:       b,
		IdP:           idp,
		backendServer: httptest.NewServer(b),
	}
}

// AuthURL returns the base URL of the backend auth service
func (p *Portal) AuthURL() string {
	return p.backendServer.URL
}

// Close stops both servers
func (p *Portal) Close() {
	p.backendServer.Close()
	p.IdP.Close()
}
