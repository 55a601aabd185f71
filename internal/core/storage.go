package core

import (
	"context"
	"fmt"

	"fieldtrials/internal/config"
	"fieldtrials/internal/infra/persistence/memory"
	"fieldtrials/internal/infra/persistence/postgres"
	"fieldtrials/internal/infra/persistence/sqlite"
	"fieldtrials/pkg/domain"
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend from cfg.Storage. The returned close
// function releases database handles and is never nil.
func OpenPersistentStore(ctx context.Context, cfg config.Config, engine *RulesEngine) (PersistentStore, func() error, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	noop := func() error { return nil }
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewStore(engine), noop, nil
	case config.StorageSQLite, "":
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case config.StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %s", cfg.Storage)
	}
}
