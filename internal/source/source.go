// Package source defines how the pipeline pulls observations from a
// content provider.
package source

import (
	"context"
	"errors"

	"automemer/internal/ledger"
)

var (
	// ErrNotFound reports an unknown or private source.
	ErrNotFound = errors.New("source not found")
	// ErrRateLimited reports that the provider asked us to back off.
	ErrRateLimited = errors.New("source rate limited")
)

// Client fetches item observations from the provider.
type Client interface {
	// FetchHot returns up to limit items currently "hot" in the named source.
	FetchHot(ctx context.Context, source string, limit int) ([]ledger.Observation, error)
	// Lookup returns fresh observations for the given item ids. Unknown ids
	// are silently missing from the result.
	Lookup(ctx context.Context, ids []string) ([]ledger.Observation, error)
}
