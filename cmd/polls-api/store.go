package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/config"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/database"
	"github.com/MarcoPoloResearchLab/polls/backend/internal/kvstore"
	"go.uber.org/zap"
)

const memoryCleanupInterval = time.Minute

// openStore builds the configured record store. The returned close function
// releases its connections; background sweeping stops with ctx.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (kvstore.Store, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-process memory store; records do not survive restarts")
		return kvstore.NewMemoryStore(memoryCleanupInterval), noClose, nil

	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := kvstore.NewSQLiteStore(kvstore.SQLiteConfig{Database: db, Logger: logger})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		sweepCtx, stopSweeper := context.WithCancel(ctx)
		go store.RunSweeper(sweepCtx, cfg.SweepInterval)
		closeDB := func() error {
			stopSweeper()
			return sqlDB.Close()
		}
		return store, closeDB, nil

	case config.DriverBuntDB:
		store, err := kvstore.OpenBuntStore(cfg.BuntDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverRedis:
		store, err := kvstore.DialRedis(cfg.RedisAddress, cfg.RedisPoolSize)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.DriverDynamoDB:
		client, err := kvstore.NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, err
		}
		store, err := kvstore.NewDynamoStore(kvstore.DynamoConfig{Client: client, Table: cfg.DynamoTable})
		if err != nil {
			return nil, nil, err
		}
		return store, noClose, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
