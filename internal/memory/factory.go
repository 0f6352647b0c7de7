package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Options selects and configures a long-term store backend.
type Options struct {
	Backend     string // file|sqlite|postgres|memory; empty picks postgres when DatabaseURL is set, else file
	Path        string
	DatabaseURL string
}

// NewStore creates the configured long-term store.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" || backend == "auto" {
		backend = "file"
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			backend = "postgres"
		}
	}

	switch backend {
	case "file":
		return NewFileStore(opts.Path)
	case "sqlite":
		path := opts.Path
		if ext := filepath.Ext(path); ext == ".json" || ext == "" {
			path = strings.TrimSuffix(path, ext) + ".db"
		}
		return NewSQLiteStore(path)
	case "postgres":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("memory: postgres backend requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("memory: unsupported backend %q", opts.Backend)
	}
}
