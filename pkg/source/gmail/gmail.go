// Package gmail implements a Source that turns bank alert emails into
// detection events.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/source"
)

// Scope is the OAuth scope the source needs to read and mark messages.
const Scope = gmail.GmailModifyScope

// Bank is one sender to poll for.
type Bank struct {
	AppID string
	Name  string
	// Query is a Gmail search query, e.g. "from:alerts@chase.com is:unread".
	Query string
}

// Config holds configuration for the Gmail source.
type Config struct {
	Banks []Bank
	// Interval between polls. Defaults to 30 seconds.
	Interval time.Duration
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Source polls Gmail for bank alerts.
type Source struct {
	client   *gmail.Service
	banks    []Bank
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a Gmail source.
func New(ctx context.Context, httpClient *http.Client, cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Source{
		client:   client,
		banks:    cfg.Banks,
		interval: interval,
		logger:   logger.With("component", "gmail"),
		pending:  make(map[string]struct{}),
	}, nil
}

// Read polls every bank query until ctx is canceled. A message is marked
// read once its SourceID comes back on ack; until then later polls skip it.
func (s *Source) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	defer close(out)

	go s.handleAcks(ctx, ack)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx, out)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gmail source stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx, out)
		}
	}
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
			s.markRead(ctx, id)
		}
	}
}

func (s *Source) markRead(ctx context.Context, id string) {
	defer s.release(id)

	_, err := s.client.Users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		s.logger.Warn("failed to mark message as read", "message_id", id, "error", err)
		return
	}
	s.logger.Debug("marked message as read", "message_id", id)
}

// claim records id as in flight and reports whether it was not already.
func (s *Source) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return false
	}
	s.pending[id] = struct{}{}
	return true
}

func (s *Source) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Source) poll(ctx context.Context, out chan<- api.DetectionEvent) {
	for _, bank := range s.banks {
		if ctx.Err() != nil {
			return
		}
		s.pollBank(ctx, bank, out)
	}
}

func (s *Source) pollBank(ctx context.Context, bank Bank, out chan<- api.DetectionEvent) {
	logger := s.logger.With("bank", bank.Name)

	resp, err := s.client.Users.Messages.List("me").Q(bank.Query).Context(ctx).Do()
	if err != nil {
		logger.Error("failed to list messages", "error", err)
		return
	}
	logger.Debug("found messages", "count", len(resp.Messages))

	for _, m := range resp.Messages {
		if !s.claim(m.Id) {
			continue
		}
		if err := s.processMessage(ctx, m.Id, bank, out); err != nil {
			s.release(m.Id)
			logger.Error("failed to process message", "message_id", m.Id, "error", err)
		}
	}
}

func (s *Source) processMessage(ctx context.Context, id string, bank Bank, out chan<- api.DetectionEvent) error {
	msg, err := s.client.Users.Messages.Get("me", id).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("getting message: %w", err)
	}

	receivedAt := time.UnixMilli(msg.InternalDate).UTC()
	ev, ok := source.EventFromText(source.Bank{AppID: bank.AppID, Name: bank.Name}, messageText(msg), receivedAt, id)
	if !ok {
		s.logger.Debug("skipping non-transaction message", "message_id", id)
		s.markRead(ctx, id)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- ev:
	}
	return nil
}

// messageText returns the first text/plain part, else the first text/html
// part with tags stripped, else the snippet.
func messageText(msg *gmail.Message) string {
	if msg.Payload != nil {
		if t := findPart(msg.Payload, "text/plain"); t != "" {
			return t
		}
		if h := findPart(msg.Payload, "text/html"); h != "" {
			return source.StripHTML(h)
		}
	}
	return html.UnescapeString(msg.Snippet)
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p.MimeType == mimeType && p.Body != nil && p.Body.Data != "" {
		if b, err := decodeBody(p.Body.Data); err == nil {
			return string(b)
		}
	}
	for _, child := range p.Parts {
		if t := findPart(child, mimeType); t != "" {
			return t
		}
	}
	return ""
}

func decodeBody(data string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return base64.RawURLEncoding.DecodeString(data)
	}
	return b, nil
}
