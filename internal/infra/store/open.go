// Package store implements notification.Store on memory, SQLite and Supabase.
package store

import (
	"fmt"

	"herald/internal/domain/notification"
)

// Options selects and configures a store backend.
type Options struct {
	Driver      string // memory, sqlite or supabase
	SQLitePath  string
	SupabaseURL string
	SupabaseKey string
}

// Open returns the configured store and a function that releases it.
func Open(opts Options) (notification.Store, func() error, error) {
	noop := func() error { return nil }

	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "supabase":
		s, err := NewSupabaseStore(opts.SupabaseURL, opts.SupabaseKey)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
