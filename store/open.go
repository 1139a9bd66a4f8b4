package store

import (
	"context"
	"fmt"
)

// Kind selects a Store backend.
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

type Options struct {
	Kind        Kind
	DataDir     string // file backend
	SQLitePath  string // sqlite backend
	DatabaseURL string // postgres backend
}

// Open creates the configured backend wrapped with latency metrics.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Kind {
	case KindFile, "":
		s, err = NewFileStore(opts.DataDir)
	case KindSQLite:
		s, err = NewSQLiteStore(ctx, opts.SQLitePath)
	case KindPostgres:
		s, err = NewPostgresStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store kind %q", opts.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Kind, err)
	}
	return NewInstrumented(s), nil
}
