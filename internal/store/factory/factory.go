// Package factory selects and opens the configured store.Store backend,
// mirroring the teacher's own storage/factory split that keeps backend
// selection out of the interface package to avoid an import cycle
// between store and its backend implementations.
package factory

import (
	"context"
	"fmt"

	"github.com/habitat-sh/hab-auto-build/internal/store"
	"github.com/habitat-sh/hab-auto-build/internal/store/dolt"
	"github.com/habitat-sh/hab-auto-build/internal/store/sqlite"
)

// Backend names accepted by Open / configuration.
const (
	BackendSQLite = "sqlite"
	BackendDolt   = "dolt"
)

// Options selects and configures the backend Open returns.
type Options struct {
	Backend        string // "sqlite" (default) or "dolt"
	Path           string
	CommitterName  string
	CommitterEmail string
}

// Open opens the configured backend. Unrecognized backend names are
// fatal at startup, not deferred to first use.
func Open(ctx context.Context, opts Options) (store.Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return sqlite.Open(ctx, opts.Path)
	case BackendDolt:
		return dolt.Open(ctx, dolt.Config{
			Path:           opts.Path,
			CommitterName:  opts.CommitterName,
			CommitterEmail: opts.CommitterEmail,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q (supported: sqlite, dolt)", opts.Backend)
	}
}
