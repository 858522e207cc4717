// Package buffered provides the batching base the sinks share.
package buffered

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/covault/autodetect/pkg/api"
)

// Defaults for Config.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 30 * time.Second
	shutdownTimeout      = 10 * time.Second
)

// Flusher persists one batch. It must either write all of it or fail.
type Flusher func(ctx context.Context, txns []*api.Transaction) error

// Config holds configuration for buffered writing.
type Config struct {
	// BatchSize is the number of transactions to buffer before flushing.
	BatchSize int
	// FlushInterval is the interval between automatic flushes.
	FlushInterval time.Duration
	// MaxPending caps how many transactions a failing flusher may hold back
	// for retry. Defaults to four batches.
	MaxPending int
}

// Writer buffers transactions, flushes them in batches and acknowledges the
// SourceID of every transaction it has flushed.
type Writer struct {
	mu      sync.Mutex
	buffer  []*api.Transaction
	flusher Flusher
	config  Config
	logger  *slog.Logger
}

// New creates a buffered writer around flusher.
func New(flusher Flusher, cfg Config, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 4 * cfg.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		buffer:  make([]*api.Transaction, 0, cfg.BatchSize),
		flusher: flusher,
		config:  cfg,
		logger:  logger,
	}
}

// Write consumes in until it is closed or ctx is canceled, flushing whatever
// remains before returning.
func (w *Writer) Write(ctx context.Context, in <-chan *api.Transaction, ack chan<- string) error {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	w.logger.Info("buffered writer started",
		"batch_size", w.config.BatchSize,
		"flush_interval", w.config.FlushInterval,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("buffered writer stopping, flushing remaining buffer")
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			if err := w.flush(flushCtx, ack); err != nil {
				w.logger.Error("failed to flush on shutdown", "error", err)
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := w.flush(ctx, ack); err != nil {
				w.logger.Error("failed to flush on interval", "error", err)
			}
		case txn, ok := <-in:
			if !ok {
				w.logger.Info("input channel closed, flushing remaining buffer")
				return w.flush(ctx, ack)
			}
			if w.add(txn) {
				if err := w.flush(ctx, ack); err != nil {
					w.logger.Error("failed to flush on batch size", "error", err)
				}
			}
		}
	}
}

// add buffers txn and reports whether a batch is ready.
func (w *Writer) add(txn *api.Transaction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, txn)
	return len(w.buffer) >= w.config.BatchSize
}

// Flush writes anything buffered now.
func (w *Writer) Flush(ctx context.Context, ack chan<- string) error {
	return w.flush(ctx, ack)
}

func (w *Writer) flush(ctx context.Context, ack chan<- string) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]*api.Transaction, 0, w.config.BatchSize)
	w.mu.Unlock()

	w.logger.Debug("flushing buffer", "count", len(batch))

	if err := w.flusher(ctx, batch); err != nil {
		w.requeue(batch)
		return err
	}

	w.logger.Info("flushed transactions", "count", len(batch))
	w.acknowledge(ctx, batch, ack)
	return nil
}

// requeue puts a failed batch back in front of anything buffered since,
// dropping the oldest beyond MaxPending.
func (w *Writer) requeue(batch []*api.Transaction) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := append(batch, w.buffer...)
	if over := len(merged) - w.config.MaxPending; over > 0 {
		w.logger.Error("dropping unwritten transactions", "count", over)
		merged = merged[over:]
	}
	w.buffer = merged
}

func (w *Writer) acknowledge(ctx context.Context, batch []*api.Transaction, ack chan<- string) {
	if ack == nil {
		return
	}
	for _, txn := range batch {
		if txn.SourceID == "" {
			continue
		}
		select {
		case ack <- txn.SourceID:
			continue
		default:
		}
		select {
		case ack <- txn.SourceID:
		case <-ctx.Done():
			w.logger.Warn("acknowledgements dropped on shutdown", "source_id", txn.SourceID)
			return
		}
	}
}

// BufferLen returns the current number of buffered transactions.
func (w *Writer) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}
