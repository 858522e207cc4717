// Package daemon provides the detection pipeline runner.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/covault/autodetect/internal/plugins"
	"github.com/covault/autodetect/pkg/api"
)

// Channel sizes between pipeline stages.
const (
	eventBuffer = 100
	txnBuffer   = 100
	ackBuffer   = 100
)

// Detector turns detection events into transactions and reports the
// SourceID of each event it drops. *detect.Listener implements it.
type Detector interface {
	Run(ctx context.Context, events <-chan api.DetectionEvent, out chan<- *api.Transaction, dropped chan<- string) error
}

// Runner wires a source, the detector and a sink together.
type Runner struct {
	registry *plugins.Registry
	detector Detector
	logger   *slog.Logger
}

// New creates a new daemon runner.
func New(registry *plugins.Registry, detector Detector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		registry: registry,
		detector: detector,
		logger:   logger,
	}
}

// Run builds the configured source and sink and pipes events through the
// detector. It returns when ctx is canceled, or once a finite source is
// exhausted and the sink has flushed.
func (r *Runner) Run(ctx context.Context, deps plugins.Deps) error {
	cfg := deps.Config
	r.logger.Info("starting autodetect daemon", "source", cfg.Source, "sink", cfg.Sink, "user_id", cfg.UserID)

	sourceDeps := deps
	sourceDeps.Logger = r.logger.With("plugin", cfg.Source)
	source, err := r.registry.CreateSource(ctx, cfg.Source, sourceDeps)
	if err != nil {
		return fmt.Errorf("creating source: %w", err)
	}

	sinkDeps := deps
	sinkDeps.Logger = r.logger.With("plugin", cfg.Sink)
	sink, err := r.registry.CreateSink(ctx, cfg.Sink, sinkDeps)
	if err != nil {
		return fmt.Errorf("creating sink: %w", err)
	}

	return r.pipe(ctx, source, sink)
}

func (r *Runner) pipe(ctx context.Context, source api.Source, sink api.Sink) error {
	events := make(chan api.DetectionEvent, eventBuffer)
	txns := make(chan *api.Transaction, txnBuffer)
	sinkAck := make(chan string, ackBuffer)
	dropped := make(chan string, ackBuffer)
	sourceAck := make(chan string, ackBuffer)
	sourceDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(sinkAck)
		if err := sink.Write(gctx, txns, sinkAck); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := r.detector.Run(gctx, events, txns, dropped); err != nil {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})

	// Written and dropped events are both acked back to the source. Acks
	// outliving the source are discarded so neither stage blocks.
	g.Go(func() error {
		written, skipped := (<-chan string)(sinkAck), (<-chan string)(dropped)
		for written != nil || skipped != nil {
			var id string
			var ok bool
			select {
			case id, ok = <-written:
				if !ok {
					written = nil
					continue
				}
			case id, ok = <-skipped:
				if !ok {
					skipped = nil
					continue
				}
			}
			select {
			case sourceAck <- id:
			case <-sourceDone:
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(sourceDone)
		if err := source.Read(gctx, events, sourceAck); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		r.logger.Info("source exhausted, draining pipeline")
		return nil
	})

	r.logger.Info("daemon started")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("daemon stopped with error", "error", err)
		return err
	}

	r.logger.Info("daemon stopped")
	return nil
}
