// Package scs keeps OIDC login transactions in the visitor's own scs session,
// for Go web front ends that already run scs.SessionManager.LoadAndSave. A
// transaction can then only be completed by the browser that started it.
package scs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexedwards/scs/v2"

	"github.com/panyam/portalauth/oidc"
)

// KeyPrefix is prepended to the state value to form the session key
const KeyPrefix = "portalauth.oidc.tx."

// TransactionStore adapts an scs.SessionManager. The context passed to Put and
// Take must carry loaded session data, as request contexts inside
// LoadAndSave do.
type TransactionStore struct {
	sessions *scs.SessionManager
}

// NewTransactionStore wraps sessions
func NewTransactionStore(sessions *scs.SessionManager) *TransactionStore {
	return &TransactionStore{sessions: sessions}
}

func (s *TransactionStore) Put(ctx context.Context, tx *oidc.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	s.sessions.Put(ctx, KeyPrefix+tx.State, string(raw))
	return nil
}

func (s *TransactionStore) Take(ctx context.Context, state string) (*oidc.Transaction, error) {
	raw := s.sessions.PopString(ctx, KeyPrefix+state)
	if raw == "" {
		return nil, nil
	}
	var out oidc.Transaction
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("corrupt transaction for state %q: %w", state, err)
	}
	return &out, nil
}
