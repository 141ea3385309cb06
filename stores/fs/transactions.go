// Package fs provides a file system-based OIDC transaction store. It lets a
// login started by one process be completed by another, as happens when the
// CLI is re-run with the callback URL.
package fs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/panyam/portalauth/oidc"
)

// KeyEnvVar names the environment variable holding the hex encoded sealing key
const KeyEnvVar = "PORTAL_AUTH_STORE_KEY"

const nonceSize = 24

// ErrSealed is returned when the transaction file cannot be opened with the
// configured key
var ErrSealed = errors.New("fs: cannot open sealed transaction file")

// FSTransactionStore keeps pending login transactions in a single file. With a
// key the file is sealed with NaCl secretbox, otherwise it is plain JSON
// readable only by its owner.
type FSTransactionStore struct {
	mu   sync.Mutex
	path string
	key  *[32]byte
	now  func() time.Time
}

// transactionFile is the structure stored on disk
type transactionFile struct {
	Transactions map[string]*oidc.Transaction `json:"transactions"`
}

// DefaultPath returns ~/.config/<appName>/oidc-transactions.json
func DefaultPath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "portalauth"
	}
	return filepath.Join(configDir, appName, "oidc-transactions.json"), nil
}

// NewFSTransactionStore creates a store at path. If path is empty the
// DefaultPath for appName is used. key may be nil.
func NewFSTransactionStore(path, appName string, key *[32]byte) (*FSTransactionStore, error) {
	if path == "" {
		p, err := DefaultPath(appName)
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &FSTransactionStore{path: path, key: key, now: time.Now}, nil
}

// ParseKey decodes a 64 character hex key
func ParseKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid store key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid store key: want 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// KeyFromEnv reads the sealing key from KeyEnvVar. Returns nil, nil if unset.
func KeyFromEnv() (*[32]byte, error) {
	v := os.Getenv(KeyEnvVar)
	if v == "" {
		return nil, nil
	}
	return ParseKey(v)
}

// Path returns the path of the transaction file
func (s *FSTransactionStore) Path() string {
	return s.path
}

// Put stores tx and drops expired transactions
func (s *FSTransactionStore) Put(_ context.Context, tx *oidc.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs, err := s.load()
	if err != nil {
		return err
	}
	s.prune(txs)
	cp := *tx
	txs[tx.State] = &cp
	return s.save(txs)
}

// Take removes and returns the transaction for state. Expiry is left to
// the caller.
func (s *FSTransactionStore) Take(_ context.Context, state string) (*oidc.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs, err := s.load()
	if err != nil {
		return nil, err
	}
	tx, ok := txs[state]
	if !ok {
		return nil, nil
	}
	delete(txs, state)
	s.prune(txs)
	if err := s.save(txs); err != nil {
		return nil, err
	}
	return tx, nil
}

// PurgeExpired drops expired transactions and returns how many were removed
func (s *FSTransactionStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs, err := s.load()
	if err != nil {
		return 0, err
	}
	n := s.prune(txs)
	if n == 0 {
		return 0, nil
	}
	return n, s.save(txs)
}

func (s *FSTransactionStore) prune(txs map[string]*oidc.Transaction) int {
	now, n := s.now(), 0
	for k, v := range txs {
		if v.IsExpired(now) {
			delete(txs, k)
			n++
		}
	}
	return n
}

// load reads the file. A missing file is an empty store.
func (s *FSTransactionStore) load() (map[string]*oidc.Transaction, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]*oidc.Transaction), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	if s.key != nil {
		if data, err = s.open(data); err != nil {
			return nil, err
		}
	}

	var file transactionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse transactions file: %w", err)
	}
	if file.Transactions == nil {
		file.Transactions = make(map[string]*oidc.Transaction)
	}
	return file.Transactions, nil
}

func (s *FSTransactionStore) save(txs map[string]*oidc.Transaction) error {
	// Ensure directory exists with restricted permissions
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(transactionFile{Transactions: txs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize transactions: %w", err)
	}
	if s.key != nil {
		if data, err = s.seal(data); err != nil {
			return err
		}
	}
	return writeAtomicFile(s.path, data)
}

func (s *FSTransactionStore) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, s.key), nil
}

func (s *FSTransactionStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, ErrSealed
	}
	return plain, nil
}

// writeAtomicFile writes data to a file atomically by writing to a temp file first
func writeAtomicFile(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
