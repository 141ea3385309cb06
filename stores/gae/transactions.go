//go:build !wasm
// +build !wasm

// Package gae stores OIDC login transactions in Google Cloud Datastore, for
// front ends deployed on Google Cloud. It supports multi-tenancy through
// Datastore namespaces.
//
// # Datastore Kinds
//
//   - OIDCTransaction: pending logins keyed by state
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewTransactionStore(client, "")  // default namespace
package gae

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/portalauth/oidc"
)

// KindTransaction is the Datastore kind of pending logins
const KindTransaction = "OIDCTransaction"

// TransactionEntity is the Datastore entity for a pending login
type TransactionEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	Nonce        string         `datastore:"nonce,noindex"`
	CodeVerifier string         `datastore:"code_verifier,noindex"`
	ReturnTo     string         `datastore:"return_to,noindex"`
	CreatedAt    time.Time      `datastore:"created_at"`
	ExpiresAt    time.Time      `datastore:"expires_at"`
}

func (e *TransactionEntity) ToTransaction() *oidc.Transaction {
	return &oidc.Transaction{
		State:        e.Key.Name,
		Nonce:        e.Nonce,
		CodeVerifier: e.CodeVerifier,
		ReturnTo:     e.ReturnTo,
		CreatedAt:    e.CreatedAt,
		ExpiresAt:    e.ExpiresAt,
	}
}

func TransactionToEntity(tx *oidc.Transaction, key *datastore.Key) *TransactionEntity {
	return &TransactionEntity{
		Key:          key,
		Nonce:        tx.Nonce,
		CodeVerifier: tx.CodeVerifier,
		ReturnTo:     tx.ReturnTo,
		CreatedAt:    tx.CreatedAt,
		ExpiresAt:    tx.ExpiresAt,
	}
}

// TransactionStore implements oidc.TransactionStore using Google Cloud Datastore
type TransactionStore struct {
	client    *datastore.Client
	namespace string
	now       func() time.Time
}

// NewTransactionStore creates a new Datastore-backed TransactionStore
func NewTransactionStore(client *datastore.Client, namespace string) *TransactionStore {
	return &TransactionStore{client: client, namespace: namespace, now: time.Now}
}

func (s *TransactionStore) namespacedKey(name string) *datastore.Key {
	key := datastore.NameKey(KindTransaction, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *TransactionStore) Put(ctx context.Context, tx *oidc.Transaction) error {
	key := s.namespacedKey(tx.State)
	_, err := s.client.Put(ctx, key, TransactionToEntity(tx, key))
	return err
}

// Take reads and deletes the entity for state in one Datastore transaction
func (s *TransactionStore) Take(ctx context.Context, state string) (*oidc.Transaction, error) {
	key := s.namespacedKey(state)
	var entity TransactionEntity
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(key, &entity); err != nil {
			return err
		}
		return tx.Delete(key)
	})
	if err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, err
	}
	return entity.ToTransaction(), nil
}

// PurgeExpired deletes logins that can no longer be completed and returns
// how many were removed
func (s *TransactionStore) PurgeExpired(ctx context.Context) (int, error) {
	q := datastore.NewQuery(KindTransaction).
		Namespace(s.namespace).
		FilterField("expires_at", "<", s.now()).
		KeysOnly()

	var keys []*datastore.Key
	it := s.client.Run(ctx, q)
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
