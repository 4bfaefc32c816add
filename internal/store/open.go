package store

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// Open returns a Postgres store when databaseURL is set and the in-memory
// store otherwise. The returned func releases the connection pool.
func Open(ctx context.Context, databaseURL string, opts PoolOptions, migrate bool) (Store, func(), error) {
	if databaseURL == "" {
		slog.Info("using in-memory store")
		return NewMemory(), func() {}, nil
	}

	pool, err := NewPool(ctx, databaseURL, opts)
	if err != nil {
		return nil, nil, err
	}
	pg := NewPostgres(pool)
	if migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}

	if u, err := url.Parse(databaseURL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pg, pg.Close, nil
}
