// Package store holds task records keyed by fingerprint. Drivers provide CRUD
// plus the atomic primitives the request pool builds single-flight on:
// insert-if-absent and compare-and-set on the prior status and revision.
package store

import (
	"context"
	"fmt"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/db"
	"proof-orchestrator/internal/models"
)

// Store backing store contract
type Store interface {
	// Insert stores rec unless a record with the same fingerprint exists. It
	// returns the stored record and whether rec was the one inserted.
	Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error)

	// Get returns models.ErrNotFound when the fingerprint is unknown
	Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error)

	// CompareAndSwap replaces the record with next only while its stored status
	// is still expected and its revision is still revision. Returns
	// models.ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error

	// Scan returns up to limit records with fingerprints strictly greater than
	// after, in fingerprint order
	Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error)

	// Delete removes the record, reporting whether it existed
	Delete(ctx context.Context, fp models.Fingerprint) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the driver selected by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		s = NewMemoryStore()
	case "bolt":
		s, err = NewBoltStore(cfg.Bolt)
	case "redis":
		s, err = NewRedisStore(ctx, cfg.Redis)
	case "postgres":
		gdb, openErr := db.Open(cfg.Postgres)
		if openErr != nil {
			return nil, openErr
		}
		s = NewGormStore(gdb)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(s, cfg.Driver), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

// Unwrap the driver behind any instrumentation wrapper
func Unwrap(s Store) Store {
	for {
		w, ok := s.(interface{ Unwrap() Store })
		if !ok {
			return s
		}
		s = w.Unwrap()
	}
}
