package store

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DatabaseURL string
	Redis       RedisOptions
}

// Open constructs the configured backend. The caller owns the returned Store and
// must Close it at shutdown.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("store: database url required for postgres backend")
		}
		return NewPostgres(ctx, opts.DatabaseURL)
	case BackendRedis:
		if opts.Redis.Addr == "" {
			return nil, fmt.Errorf("store: redis address required for redis backend")
		}
		return NewRedis(ctx, opts.Redis)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}
