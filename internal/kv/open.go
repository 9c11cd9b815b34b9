package kv

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
)

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL.Value(), cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
