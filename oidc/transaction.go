package oidc

import (
	"context"
	"sync"
	"time"
)

// DefaultTransactionTTL bounds how long a started login may take to come back
const DefaultTransactionTTL = 10 * time.Minute

// Transaction is what must survive the navigation to the provider and back
type Transaction struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	ReturnTo     string    `json:"return_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired returns true if the transaction can no longer be completed
func (t *Transaction) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TTL returns the remaining lifetime at now, never less than a second
func (t *Transaction) TTL(now time.Time) time.Duration {
	ttl := t.ExpiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// TransactionStore keeps login transactions across the navigation boundary
type TransactionStore interface {
	// Put stores a transaction under its state value
	Put(ctx context.Context, tx *Transaction) error

	// Take returns and removes the transaction for state.
	// Returns nil, nil if there is none.
	Take(ctx context.Context, state string) (*Transaction, error)
}

// MemoryTransactionStore keeps transactions in process memory. It is enough
// when the callback is received by the same process that started the login.
type MemoryTransactionStore struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMemoryTransactionStore creates an empty in-memory store
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*Transaction)}
}

func (s *MemoryTransactionStore) Put(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.txs {
		if v.IsExpired(now) {
			delete(s.txs, k)
		}
	}
	cp := *tx
	s.txs[tx.State] = &cp
	return nil
}

func (s *MemoryTransactionStore) Take(_ context.Context, state string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[state]
	if !ok {
		return nil, nil
	}
	delete(s.txs, state)
	return tx, nil
}

// Len returns the number of pending transactions
func (s *MemoryTransactionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}
