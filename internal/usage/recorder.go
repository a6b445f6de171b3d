package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tiergate/internal/observability"
)

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("usage recorder is closed")

// BatchFlushThreshold is the number of queued records that triggers a flush.
const BatchFlushThreshold = 100

// Recorder appends request records to the ledger.
type Recorder interface {
	Record(ctx context.Context, rec *RequestRecord) error
	Close() error
}

// StoreRecorder writes each record to the store before returning.
type StoreRecorder struct {
	store LedgerStore
}

// NewStoreRecorder creates a synchronous recorder.
func NewStoreRecorder(store LedgerStore) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// Record inserts rec.
func (r *StoreRecorder) Record(ctx context.Context, rec *RequestRecord) error {
	if rec == nil {
		return nil
	}
	if err := r.store.Insert(ctx, []*RequestRecord{rec}); err != nil {
		observability.ObserveLedgerWriteFailure()
		return err
	}
	return nil
}

// Close closes the store.
func (r *StoreRecorder) Close() error {
	return r.store.Close()
}

// Logger queues records and writes them to the store in batches, either
// when BatchFlushThreshold records are pending or at FlushInterval.
//
// Record blocks while the queue is full instead of dropping the record, so
// every accepted record reaches a flush. Close drains the queue.
type Logger struct {
	store         LedgerStore
	buffer        chan *RequestRecord
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // tracks in-flight Record calls
	flushInterval time.Duration
	closed        atomic.Bool
}

// NewLogger creates a buffered recorder and starts its flush goroutine.
func NewLogger(store LedgerStore, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	l := &Logger{
		store:         store,
		buffer:        make(chan *RequestRecord, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Record queues rec, waiting for room if the queue is full.
// It fails only when ctx is done or the logger is closed.
func (l *Logger) Record(ctx context.Context, rec *RequestRecord) error {
	if rec == nil {
		return nil
	}
	if l.closed.Load() {
		return ErrRecorderClosed
	}

	// Track this send so Close does not close the buffer under us
	l.writes.Add(1)
	defer l.writes.Done()

	// Close() may have set closed between the first check and Add(1)
	if l.closed.Load() {
		return ErrRecorderClosed
	}

	select {
	case l.buffer <- rec:
		return nil
	case <-ctx.Done():
		observability.ObserveLedgerWriteFailure()
		return fmt.Errorf("queue request record %s: %w", rec.RequestID, ctx.Err())
	}
}

// Close stops accepting records, flushes what is queued and closes the store.
// Close is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.writes.Wait()
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*RequestRecord, 0, BatchFlushThreshold)

	for {
		select {
		case rec := <-l.buffer:
			batch = append(batch, rec)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*RequestRecord, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*RequestRecord, 0, BatchFlushThreshold)
			}

		case <-l.done:
			// closed is already set and no Record call is in flight
			close(l.buffer)
			for rec := range l.buffer {
				batch = append(batch, rec)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*RequestRecord) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.Insert(ctx, batch); err != nil {
		failed := len(batch)
		var partial *PartialWriteError
		if errors.As(err, &partial) {
			failed = partial.FailedCount
		}
		for i := 0; i < failed; i++ {
			observability.ObserveLedgerWriteFailure()
		}
		slog.Error("failed to write request records",
			"error", err,
			"count", len(batch),
		)
	}
}
