// Package kafka implements a Source that consumes notification events
// published by the device listener to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/source"
)

// Config holds configuration for the Kafka source.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source reads DetectionEvent JSON payloads from a topic. Offsets are
// committed only once every earlier message on the partition has been
// acknowledged or skipped.
type Source struct {
	reader MessageReader
	logger *slog.Logger

	mu      sync.Mutex
	tracker *tracker
}

// New creates a consumer-group reader for cfg.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "autodetect"
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       1 << 20,
	})
	return NewWithReader(r, logger), nil
}

// NewWithReader wraps an existing reader.
func NewWithReader(r MessageReader, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		reader:  r,
		logger:  logger.With("component", "kafka"),
		tracker: newTracker(),
	}
}

// SourceID identifies a message by topic, partition and offset.
func SourceID(m kafka.Message) string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
}

// Read fetches messages until ctx is canceled, then closes the reader.
func (s *Source) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	defer close(out)
	defer s.reader.Close()

	go s.handleAcks(ctx, ack)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("kafka source stopping", "reason", ctx.Err())
				return ctx.Err()
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		id := SourceID(msg)
		s.mu.Lock()
		s.tracker.add(id, msg)
		s.mu.Unlock()

		ev, err := decode(msg)
		if err != nil {
			s.logger.Warn("skipping malformed event", "source_id", id, "error", err)
			s.done(ctx, id)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
		}
	}
}

func decode(msg kafka.Message) (api.DetectionEvent, error) {
	var ev api.DetectionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return api.DetectionEvent{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = msg.Time
	}
	ev.SourceID = SourceID(msg)
	source.Enrich(&ev)
	return ev, nil
}

func (s *Source) handleAcks(ctx context.Context, ack <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ack:
			if !ok {
				return
			}
			s.done(ctx, id)
		}
	}
}

// done marks id finished and commits whatever prefix that completes.
func (s *Source) done(ctx context.Context, id string) {
	s.mu.Lock()
	commit, ok := s.tracker.finish(id)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.reader.CommitMessages(ctx, commit); err != nil {
		s.logger.Warn("failed to commit offset", "partition", commit.Partition, "offset", commit.Offset, "error", err)
		return
	}
	s.logger.Debug("committed offset", "partition", commit.Partition, "offset", commit.Offset)
}

type entry struct {
	id   string
	msg  kafka.Message
	done bool
}

// tracker keeps in-flight messages per partition in fetch order.
type tracker struct {
	partitions map[int][]*entry
	byID       map[string]*entry
}

func newTracker() *tracker {
	return &tracker{partitions: make(map[int][]*entry), byID: make(map[string]*entry)}
}

func (t *tracker) add(id string, m kafka.Message) {
	e := &entry{id: id, msg: m}
	t.partitions[m.Partition] = append(t.partitions[m.Partition], e)
	t.byID[id] = e
}

// finish returns the last message of the newly completed prefix, if any.
func (t *tracker) finish(id string) (kafka.Message, bool) {
	e, ok := t.byID[id]
	if !ok {
		return kafka.Message{}, false
	}
	e.done = true

	queue := t.partitions[e.msg.Partition]
	n := 0
	for n < len(queue) && queue[n].done {
		delete(t.byID, queue[n].id)
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}

	last := queue[n-1].msg
	t.partitions[e.msg.Partition] = slices.Delete(queue, 0, n)
	return last, true
}
