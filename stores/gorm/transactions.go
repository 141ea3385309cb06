//go:build !wasm
// +build !wasm

// Package gorm stores OIDC login transactions in a relational database through
// GORM. Any database GORM supports will do; the CLI opens PostgreSQL.
//
// # Database Schema
//
// The package auto-migrates one table:
//   - oidc_transactions: pending logins keyed by state
//
// # Usage
//
//	db, _ := gormstore.Connect(ctx, dsn)
//	gormstore.AutoMigrate(db)
//	store := gormstore.NewTransactionStore(db)
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/portalauth/oidc"
)

// TransactionModel is the GORM model for pending logins
type TransactionModel struct {
	State        string    `gorm:"primaryKey;size:128"`
	Nonce        string    `gorm:"size:128"`
	CodeVerifier string    `gorm:"size:128"`
	ReturnTo     string    `gorm:"size:2048"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt    time.Time `gorm:"index"`
}

func (TransactionModel) TableName() string {
	return "oidc_transactions"
}

func (m *TransactionModel) ToTransaction() *oidc.Transaction {
	return &oidc.Transaction{
		State:        m.State,
		Nonce:        m.Nonce,
		CodeVerifier: m.CodeVerifier,
		ReturnTo:     m.ReturnTo,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
	}
}

func TransactionToModel(tx *oidc.Transaction) *TransactionModel {
	return &TransactionModel{
		State:        tx.State,
		Nonce:        tx.Nonce,
		CodeVerifier: tx.CodeVerifier,
		ReturnTo:     tx.ReturnTo,
		CreatedAt:    tx.CreatedAt,
		ExpiresAt:    tx.ExpiresAt,
	}
}

// AutoMigrate creates or updates the transaction table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TransactionModel{})
}

// Connect opens a PostgreSQL database and checks that it answers
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// TransactionStore implements oidc.TransactionStore using GORM
type TransactionStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{db: db, now: time.Now}
}

// Put saves tx and deletes expired rows
func (s *TransactionStore) Put(ctx context.Context, tx *oidc.Transaction) error {
	if _, err := s.PurgeExpired(ctx); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(TransactionToModel(tx)).Error
}

// PurgeExpired deletes logins that can no longer be completed and returns
// how many were removed
func (s *TransactionStore) PurgeExpired(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).Delete(&TransactionModel{}, "expires_at < ?", s.now())
	return int(result.RowsAffected), result.Error
}

// Take selects the row for state and deletes it in one database transaction
func (s *TransactionStore) Take(ctx context.Context, state string) (*oidc.Transaction, error) {
	var model TransactionModel
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "state = ?", state).Error; err != nil {
			return err
		}
		return db.Delete(&TransactionModel{}, "state = ?", state).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToTransaction(), nil
}
