// Package store provides the storage interface and implementations for
// the Daybook engine. The in-memory store with file-backed snapshots is
// the default; an optional PostgreSQL archive keeps a durable copy of
// finished entries.
package store

import (
	"context"

	"github.com/daybook-io/daybook/pkg/models"
)

// Store is the primary storage interface. Handler and engine code depend
// on this interface so tests can swap in a fresh in-memory instance.
type Store interface {
	ProviderStore
	EntryStore
	TraceStore

	// Close releases all resources held by the store.
	Close() error
}

// ── Provider Store ──────────────────────────────────────────

// ProviderStore holds the configured generation backends. ReplaceProviders
// is the registry-reload path: it swaps the whole list atomically,
// preserving declaration order.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]models.ProviderProfile, error)
	GetProvider(ctx context.Context, name string) (*models.ProviderProfile, error)
	ReplaceProviders(ctx context.Context, providers []models.ProviderProfile) error
	UpdateProvider(ctx context.Context, provider *models.ProviderProfile) error
}

// ── Entry Store ─────────────────────────────────────────────

type EntryStore interface {
	CreateEntry(ctx context.Context, entry *models.Entry) error
	GetEntry(ctx context.Context, id string) (*models.Entry, error)
	ListEntries(ctx context.Context, limit int) ([]models.Entry, error)
}

// ── Trace Store ─────────────────────────────────────────────

type TraceStore interface {
	CreateTrace(ctx context.Context, trace *models.RouteTrace) error
	ListTraces(ctx context.Context, limit int) ([]models.RouteTrace, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
