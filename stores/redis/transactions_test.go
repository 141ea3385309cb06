package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/panyam/portalauth/oidc"
)

func newStore(t *testing.T, opts ...Option) (*TransactionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewTransactionStore(rdb, opts...), mr
}

func TestTransactionStore_PutTake(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	now := time.Now()

	tx := &oidc.Transaction{
		State:        "s1",
		Nonce:        "n1",
		CodeVerifier: "v1",
		ReturnTo:     "/work-package",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
	if err := store.Put(ctx, tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !mr.Exists(DefaultPrefix + "s1") {
		t.Fatal("expected key with default prefix")
	}
	if ttl := mr.TTL(DefaultPrefix + "s1"); ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Errorf("TTL = %v, want about 10m", ttl)
	}

	got, err := store.Take(ctx, "s1")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got == nil || got.CodeVerifier != "v1" || got.ReturnTo != "/work-package" {
		t.Fatalf("Take() = %+v", got)
	}
	if mr.Exists(DefaultPrefix + "s1") {
		t.Error("key should be deleted after Take")
	}

	got, err = store.Take(ctx, "s1")
	if err != nil || got != nil {
		t.Errorf("second Take() = %v, %v", got, err)
	}
}

func TestTransactionStore_Expiry(t *testing.T) {
	store, mr := newStore(t, WithPrefix("test:"))
	ctx := context.Background()
	now := time.Now()

	store.Put(ctx, &oidc.Transaction{State: "s2", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	mr.FastForward(2 * time.Minute)

	got, err := store.Take(ctx, "s2")
	if err != nil || got != nil {
		t.Errorf("Take() after expiry = %v, %v", got, err)
	}
}

func TestTransactionStore_Corrupt(t *testing.T) {
	store, mr := newStore(t)
	mr.Set(DefaultPrefix+"bad", "{not json")
	if _, err := store.Take(context.Background(), "bad"); err == nil {
		t.Error("expected error for corrupt value")
	}
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := Connect(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	mr.Close()
	if _, err := Connect(context.Background(), addr, "", 0); err == nil {
		t.Error("expected error for closed server")
	}
}
