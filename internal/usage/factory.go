package usage

import (
	"context"
	"errors"
	"fmt"

	"tiergate/internal/storage"
)

// Result holds the ledger components built over one storage connection.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Store      LedgerStore
	Recorder   Recorder
	Aggregator *Aggregator
	Storage    storage.Storage
}

// Close flushes the recorder and closes the storage it was built on.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Recorder != nil {
		if err := r.Recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New connects to the configured storage and builds the ledger on it.
// The returned Result owns the connection.
func New(ctx context.Context, storageCfg storage.Config, cfg Config) (*Result, error) {
	store, err := storage.New(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	res, err := NewWithSharedStorage(ctx, store, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	res.Storage = store
	return res, nil
}

// NewWithSharedStorage builds the ledger over an existing connection.
// The caller keeps ownership of store.
func NewWithSharedStorage(ctx context.Context, store storage.Storage, cfg Config) (*Result, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	ledger, err := createLedgerStore(ctx, store)
	if err != nil {
		return nil, err
	}

	var recorder Recorder
	if cfg.BufferSize > 0 {
		recorder = NewLogger(ledger, cfg)
	} else {
		recorder = NewStoreRecorder(ledger)
	}

	return &Result{
		Store:      ledger,
		Recorder:   recorder,
		Aggregator: NewAggregator(ledger, cfg),
	}, nil
}

// createLedgerStore creates the LedgerStore for the given storage backend.
func createLedgerStore(ctx context.Context, store storage.Storage) (LedgerStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
