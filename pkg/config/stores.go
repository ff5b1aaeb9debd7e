package config

import (
	"context"
	"fmt"

	"github.com/marmos91/pvaserver/pkg/store"
	"github.com/marmos91/pvaserver/pkg/store/badger"
	"github.com/marmos91/pvaserver/pkg/store/memory"
	"github.com/mitchellh/mapstructure"
)

// CreateStore creates the value store selected by cfg.Type.
func CreateStore(ctx context.Context, cfg StoreConfig) (store.ValueStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryValueStore(), nil
	case "badger":
		return createBadgerStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown value store type: %q", cfg.Type)
	}
}

// createBadgerStore creates a BadgerDB value store.
func createBadgerStore(ctx context.Context, cfg StoreConfig) (store.ValueStore, error) {
	var badgerCfg badger.Config
	if err := mapstructure.Decode(cfg.Badger, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	st, err := badger.NewBadgerValueStore(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return st, nil
}
