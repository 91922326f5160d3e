// Package store is the key-value persistence layer. Values are opaque JSON
// documents addressed by string keys; a missing key is perrors.ErrNotFound.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// KV is the storage contract shared by every backend.
type KV interface {
	// Get returns the value for key, or perrors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string // memory, sqlite, postgres
	SQLitePath  string
	DatabaseURL string
}

// Open returns the backend named by opts.Backend.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (KV, error) {
	switch opts.Backend {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(opts.SQLitePath, logger)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q: %w", opts.Backend, perrors.ErrInvalidInput)
	}
}
