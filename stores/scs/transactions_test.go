package scs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"

	"github.com/panyam/portalauth/oidc"
)

func TestTransactionStore_WithinSession(t *testing.T) {
	sessions := scs.New()
	store := NewTransactionStore(sessions)

	ctx, err := sessions.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	now := time.Now()
	tx := &oidc.Transaction{State: "s1", Nonce: "n1", CodeVerifier: "v1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.Put(ctx, tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Take(ctx, "s1")
	if err != nil || got == nil || got.CodeVerifier != "v1" {
		t.Fatalf("Take() = %+v, %v", got, err)
	}
	if got, _ := store.Take(ctx, "s1"); got != nil {
		t.Error("transaction was returned twice")
	}
	if got, _ := store.Take(ctx, "other"); got != nil {
		t.Error("unexpected transaction for unknown state")
	}
}

func TestTransactionStore_AcrossRequests(t *testing.T) {
	sessions := scs.New()
	store := NewTransactionStore(sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		store.Put(r.Context(), &oidc.Transaction{State: "abc", CodeVerifier: "v", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		tx, err := store.Take(r.Context(), r.URL.Query().Get("state"))
		if err != nil || tx == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := sessions.LoadAndSave(mux)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/login", nil))
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	// another browser cannot complete the login
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?state=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("callback without session = %d, want 400", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/callback?state=abc", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("callback with session = %d, want 200", rr.Code)
	}
}
