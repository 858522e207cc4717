// Package json implements a Sink that keeps every transaction in a JSON
// array on disk.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/sink/buffered"
)

// Config holds configuration for the JSON sink.
type Config struct {
	// FilePath is the path to the JSON output file.
	FilePath string
	// BatchSize is the number of transactions to buffer before writing.
	BatchSize int
	// FlushInterval is the interval between automatic flushes.
	FlushInterval time.Duration
}

// Sink writes transactions to a JSON file.
type Sink struct {
	filePath     string
	mu           sync.Mutex
	transactions []*api.Transaction
	buffered     *buffered.Writer
	logger       *slog.Logger
}

// New creates a JSON sink, loading any transactions already in the file.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FilePath == "" {
		return nil, errors.New("json sink requires a file path")
	}

	s := &Sink{
		filePath:     cfg.FilePath,
		transactions: make([]*api.Transaction, 0),
		logger:       logger.With("component", "json_sink"),
	}
	if err := s.loadExisting(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.FilePath, err)
	}

	s.buffered = buffered.New(s.flushBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, s.logger)

	s.logger.Info("json sink initialized", "file", cfg.FilePath, "existing_count", len(s.transactions))
	return s, nil
}

func (s *Sink) loadExisting() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.transactions)
}

// Write implements api.Sink.
func (s *Sink) Write(ctx context.Context, in <-chan *api.Transaction, ack chan<- string) error {
	return s.buffered.Write(ctx, in, ack)
}

// flushBatch rewrites the whole file through a temp file and rename.
func (s *Sink) flushBatch(_ context.Context, txns []*api.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append(s.transactions, txns...)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling json: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing json file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replacing json file: %w", err)
	}

	s.transactions = all
	s.logger.Debug("wrote transactions to json", "batch_count", len(txns), "total_count", len(all))
	return nil
}

// TransactionCount returns the number of transactions in the file.
func (s *Sink) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// Transaction returns the stored transaction with the given id.
func (s *Sink) Transaction(id string) (*api.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.transactions {
		if txn.ID == id {
			return txn, true
		}
	}
	return nil, false
}
