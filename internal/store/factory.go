// Package store opens the storage backend selected by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/gatekeep-io/gatekeep/internal/platform/cache"
	"github.com/gatekeep-io/gatekeep/internal/platform/db"
	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/store/postgres"
	"github.com/gatekeep-io/gatekeep/internal/store/redisdoc"
)

// Backend discriminates the storage implementations.
type Backend string

const (
	// BackendDocument stores entities as Redis JSON documents.
	BackendDocument Backend = "document"
	// BackendRelational stores entities in PostgreSQL.
	BackendRelational Backend = "relational"
)

// Config is the tagged union selecting a backend. Connection is a Redis
// address for the document backend and a PostgreSQL DSN for the
// relational one.
type Config struct {
	Backend    Backend
	Connection string
}

// Open constructs the configured store. An unsupported backend value is
// a configuration error, resolved here once; nothing downstream ever
// inspects the backend again.
func Open(ctx context.Context, cfg Config) (rbac.Store, error) {
	switch cfg.Backend {
	case BackendDocument:
		client, err := cache.New(ctx, cfg.Connection)
		if err != nil {
			return nil, fmt.Errorf("store: open document backend: %w", err)
		}
		return redisdoc.New(client), nil
	case BackendRelational:
		pool, err := db.New(ctx, cfg.Connection)
		if err != nil {
			return nil, fmt.Errorf("store: open relational backend: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Backend)
	}
}
