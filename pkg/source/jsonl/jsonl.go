// Package jsonl implements a Source reading one JSON DetectionEvent per
// line, typically from stdin.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/source"
)

const maxLine = 1 << 20

// Source reads newline-delimited events.
type Source struct {
	r      io.Reader
	logger *slog.Logger
}

// New creates a source over r.
func New(r io.Reader, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{r: r, logger: logger.With("component", "jsonl")}
}

// Read emits an event per valid line and returns nil at end of input. Blank
// lines are ignored and malformed ones logged and skipped.
func (s *Source) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	defer close(out)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ack:
				if !ok {
					return
				}
			}
		}
	}()

	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		var ev api.DetectionEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			s.logger.Warn("skipping malformed line", "line", line, "error", err)
			continue
		}
		ev.SourceID = "line:" + strconv.Itoa(line)
		source.Enrich(&ev)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}
	return nil
}
