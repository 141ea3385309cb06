// Package redis stores OIDC login transactions in Redis, for deployments where
// the callback may reach a different instance than the one that started the
// login.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panyam/portalauth/oidc"
)

// DefaultPrefix is prepended to the state value to form the key
const DefaultPrefix = "portalauth:oidc:tx:"

// TransactionStore keeps each transaction under its own key with a TTL
// matching the transaction's expiry
type TransactionStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// Option configures a TransactionStore
type Option func(*TransactionStore)

// WithPrefix replaces DefaultPrefix
func WithPrefix(prefix string) Option {
	return func(s *TransactionStore) {
		s.prefix = prefix
	}
}

// Connect opens a client for addr and checks that the server answers
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

// NewTransactionStore creates a store on client
func NewTransactionStore(client redis.Cmdable, opts ...Option) *TransactionStore {
	s := &TransactionStore{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TransactionStore) key(state string) string {
	return s.prefix + state
}

// Put stores tx until it expires
func (s *TransactionStore) Put(ctx context.Context, tx *oidc.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(tx.State), raw, tx.TTL(s.now())).Err()
}

// Take atomically reads and deletes the transaction for state
func (s *TransactionStore) Take(ctx context.Context, state string) (*oidc.Transaction, error) {
	raw, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out oidc.Transaction
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("corrupt transaction for state %q: %w", state, err)
	}
	return &out, nil
}
