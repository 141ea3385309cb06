package main

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/datastore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/panyam/portalauth/oidc"
	fsstore "github.com/panyam/portalauth/stores/fs"
	gaestore "github.com/panyam/portalauth/stores/gae"
	gormstore "github.com/panyam/portalauth/stores/gorm"
	redisstore "github.com/panyam/portalauth/stores/redis"
)

// openStore opens the transaction store named by a --store value. The
// returned function releases it.
func openStore(ctx context.Context, target, appName string) (oidc.TransactionStore, func(), error) {
	noop := func() {}
	switch {
	case target == "" || target == "fs" || strings.HasPrefix(target, "fs:"):
		key, err := fsstore.KeyFromEnv()
		if err != nil {
			return nil, nil, err
		}
		store, err := fsstore.NewFSTransactionStore(strings.TrimPrefix(strings.TrimPrefix(target, "fs"), ":"), appName, key)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case target == "memory":
		return oidc.NewMemoryTransactionStore(), noop, nil

	case strings.HasPrefix(target, "redis://"), strings.HasPrefix(target, "rediss://"):
		opts, err := goredis.ParseURL(target)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client, err := redisstore.Connect(ctx, opts.Addr, opts.Password, opts.DB)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.NewTransactionStore(client), func() { client.Close() }, nil

	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		db, err := gormstore.Connect(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("migrate transaction table: %w", err)
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return gormstore.NewTransactionStore(db), closeDB, nil

	case strings.HasPrefix(target, "datastore:"):
		project, namespace, _ := strings.Cut(strings.TrimPrefix(target, "datastore:"), "/")
		client, err := datastore.NewClient(ctx, project)
		if err != nil {
			return nil, nil, fmt.Errorf("datastore client: %w", err)
		}
		return gaestore.NewTransactionStore(client, namespace), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", target)
}
