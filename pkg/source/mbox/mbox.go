// Package mbox implements a Source that replays a mailbox export once, for
// backfills and for trying rules against saved alerts.
package mbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strconv"
	"strings"

	"github.com/emersion/go-mbox"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/source"
)

// Config holds configuration for the mbox source.
type Config struct {
	// Bank is attributed to every message in the mailbox.
	Bank source.Bank
}

// Source reads messages from an mbox stream.
type Source struct {
	r      io.Reader
	bank   source.Bank
	logger *slog.Logger
}

// New creates a source over r. The caller closes r after Read returns.
func New(r io.Reader, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{r: r, bank: cfg.Bank, logger: logger.With("component", "mbox")}
}

// Read emits one event per transaction-looking message and returns nil at
// the end of the mailbox. Acknowledgements are drained and ignored.
func (s *Source) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	defer close(out)
	go drain(ctx, ack)

	mr := mbox.NewReader(s.r)
	var n, emitted int
	for {
		raw, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			s.logger.Info("mailbox replay complete", "messages", n, "events", emitted)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading mailbox: %w", err)
		}
		n++

		msg, err := mail.ReadMessage(raw)
		if err != nil {
			s.logger.Warn("skipping unparseable message", "index", n, "error", err)
			continue
		}

		ev, ok := s.event(msg, n)
		if !ok {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
			emitted++
		}
	}
}

func (s *Source) event(msg *mail.Message, index int) (api.DetectionEvent, bool) {
	id := strings.Trim(msg.Header.Get("Message-Id"), "<> ")
	if id == "" {
		id = "mbox:" + strconv.Itoa(index)
	}

	text, err := bodyText(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		s.logger.Warn("skipping message with unreadable body", "message_id", id, "error", err)
		return api.DetectionEvent{}, false
	}
	if text == "" {
		text = decodeHeader(msg.Header.Get("Subject"))
	}

	receivedAt, _ := msg.Header.Date()
	return source.EventFromText(s.bank, text, receivedAt.UTC(), id)
}

// bodyText returns the first text/plain part, else the first text/html part
// with markup stripped.
func bodyText(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		var htmlText string
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return htmlText, nil
			}
			if err != nil {
				return "", err
			}

			text, err := bodyText(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			switch {
			case text == "":
			case partType == "text/html":
				if htmlText == "" {
					htmlText = text
				}
			default:
				return text, nil
			}
		}
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return "", nil
	}

	b, err := io.ReadAll(decode(encoding, body))
	if err != nil {
		return "", err
	}
	if mediaType == "text/html" {
		return source.StripHTML(string(b)), nil
	}
	return string(b), nil
}

func decode(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

var headerDecoder = new(mime.WordDecoder)

func decodeHeader(v string) string {
	if d, err := headerDecoder.DecodeHeader(v); err == nil {
		return d
	}
	return v
}

func drain(ctx context.Context, ack <-chan string) {
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
}
