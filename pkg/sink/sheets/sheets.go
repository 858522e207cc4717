// Package sheets implements a Sink that appends transactions to a Google
// Sheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/sink/buffered"
)

// Scope is the OAuth scope the sink needs.
const Scope = sheets.SpreadsheetsScope

var header = []any{"Date", "Vendor", "Amount", "Budget", "Label", "Recurrence", "Rule", "Transaction ID", "User"}

// Config holds configuration for the Sheets sink.
type Config struct {
	// SheetTitle is the title for a new spreadsheet (if SheetID is empty).
	SheetTitle string
	// SheetID is the ID of an existing spreadsheet to use.
	SheetID string
	// SheetName is the tab within the spreadsheet.
	SheetName string

	BatchSize     int
	FlushInterval time.Duration

	// Retries is how many times a rate-limited or failed append is retried.
	// Defaults to 2.
	Retries uint
	// RetryDelay is the base delay between retries. Defaults to 30 seconds.
	RetryDelay time.Duration
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Sink writes transactions to a spreadsheet.
type Sink struct {
	client        *sheets.Service
	spreadsheetID string
	sheetName     string
	retries       uint
	retryDelay    time.Duration
	logger        *slog.Logger
	buffered      *buffered.Writer
}

// New opens cfg.SheetID, or creates a spreadsheet titled cfg.SheetTitle.
func New(ctx context.Context, httpClient *http.Client, cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "Transactions"
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	s := &Sink{
		client:     client,
		sheetName:  cfg.SheetName,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("component", "sheets_sink"),
	}

	id, err := s.initSpreadsheet(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing spreadsheet: %w", err)
	}
	s.spreadsheetID = id

	s.buffered = buffered.New(s.flushBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, s.logger)

	s.logger.Info("sheets sink initialized", "spreadsheet_id", id, "sheet", cfg.SheetName)
	return s, nil
}

func (s *Sink) initSpreadsheet(ctx context.Context, cfg Config) (string, error) {
	if cfg.SheetID != "" {
		ss, err := s.client.Spreadsheets.Get(cfg.SheetID).Context(ctx).Do()
		if err == nil {
			s.logger.Info("using existing spreadsheet", "title", ss.Properties.Title, "id", ss.SpreadsheetId)
			return ss.SpreadsheetId, nil
		}
		if cfg.SheetTitle == "" {
			return "", fmt.Errorf("getting spreadsheet %s: %w", cfg.SheetID, err)
		}
		s.logger.Warn("failed to get spreadsheet, creating a new one", "id", cfg.SheetID, "error", err)
	}

	ss, err := s.client.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: cfg.SheetTitle},
		Sheets: []*sheets.Sheet{
			{Properties: &sheets.SheetProperties{Title: cfg.SheetName}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("creating spreadsheet: %w", err)
	}
	s.logger.Info("created spreadsheet", "title", cfg.SheetTitle, "id", ss.SpreadsheetId)

	_, err = s.client.Spreadsheets.Values.Update(ss.SpreadsheetId, s.sheetName+"!A1", &sheets.ValueRange{
		Values: [][]any{header},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("writing headers: %w", err)
	}
	return ss.SpreadsheetId, nil
}

// Write implements api.Sink.
func (s *Sink) Write(ctx context.Context, in <-chan *api.Transaction, ack chan<- string) error {
	return s.buffered.Write(ctx, in, ack)
}

func row(t *api.Transaction) []any {
	return []any{t.Date, t.Vendor, t.Amount, deref(t.CategoryID), t.Label, t.Recurrence, deref(t.RuleID), t.ID, t.UserName}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// retryable reports whether a Sheets API error is worth retrying.
func retryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
}

// flushBatch appends a batch in one API call.
func (s *Sink) flushBatch(ctx context.Context, txns []*api.Transaction) error {
	values := make([][]any, 0, len(txns))
	for _, t := range txns {
		values = append(values, row(t))
	}
	req := &sheets.ValueRange{Values: values}

	err := retry.Do(
		func() error {
			_, err := s.client.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A1", req).
				ValueInputOption("USER_ENTERED").
				InsertDataOption("INSERT_ROWS").
				Context(ctx).
				Do()
			return err
		},
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			if retryable(err) {
				s.logger.Warn("sheets append failed, will retry", "error", err)
				return true
			}
			return false
		}),
		retry.Attempts(s.retries+1),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("appending batch to sheet: %w", err)
	}

	s.logger.Info("wrote transaction batch", "count", len(txns), "first_vendor", txns[0].Vendor)
	return nil
}

// SpreadsheetID returns the ID of the spreadsheet being written to.
func (s *Sink) SpreadsheetID() string {
	return s.spreadsheetID
}
