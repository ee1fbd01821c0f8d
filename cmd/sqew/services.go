package main

import (
	"fmt"

	"github.com/sqew/sqew/internal/clock"
	"github.com/sqew/sqew/internal/engine"
	"github.com/sqew/sqew/internal/registry"
	"github.com/sqew/sqew/internal/store"
)

// localServices opens the database file at dbPath directly and wires
// the registry and engine services, the same way nova's CLI talks
// straight to its Redis store instead of calling its own HTTP API.
type localServices struct {
	db       *store.Store
	registry *registry.Service
	engine   *engine.Service
}

func (s *localServices) Close() error {
	return s.db.Close()
}

func openLocalServices() (*localServices, error) {
	if err := store.Migrate(dbPath); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	db, err := store.Open(dbPath, busyTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("opening storage at %s: %w", dbPath, err)
	}

	c := clock.Real{}
	reg := registry.NewService(registry.NewStore(db), c)
	eng := engine.NewService(engine.NewStore(db), reg, c, 512*1024)

	return &localServices{db: db, registry: reg, engine: eng}, nil
}
