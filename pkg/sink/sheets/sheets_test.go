package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/sheets/v4"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/logging"
)

type fakeSheets struct {
	mu          sync.Mutex
	failAppends int
	failStatus  int
	appends     [][][]any
	headers     [][]any
	created     int
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/v4/spreadsheets/sheet-1":
		_ = json.NewEncoder(w).Encode(&sheets.Spreadsheet{
			SpreadsheetId: "sheet-1",
			Properties:    &sheets.SpreadsheetProperties{Title: "Budget"},
		})
	case r.Method == http.MethodPost && path == "/v4/spreadsheets":
		f.created++
		_ = json.NewEncoder(w).Encode(&sheets.Spreadsheet{SpreadsheetId: "new-1"})
	case r.Method == http.MethodPut && strings.Contains(path, "/values/"):
		var vr sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.headers = append(f.headers, vr.Values...)
		_ = json.NewEncoder(w).Encode(&sheets.UpdateValuesResponse{})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":append"):
		if f.failAppends > 0 {
			f.failAppends--
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.failStatus)
			_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"slow down"}}`, f.failStatus)
			return
		}
		var vr sheets.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.appends = append(f.appends, vr.Values)
		_ = json.NewEncoder(w).Encode(&sheets.AppendValuesResponse{})
	default:
		http.NotFound(w, r)
	}
}

func newSink(t *testing.T, fake *fakeSheets, cfg Config) *Sink {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL + "/"
	cfg.RetryDelay = time.Millisecond
	cfg.FlushInterval = time.Hour
	s, err := New(context.Background(), srv.Client(), cfg, logging.Discard())
	require.NoError(t, err)
	return s
}

func writeAll(t *testing.T, s *Sink, txns ...*api.Transaction) ([]string, error) {
	t.Helper()
	in := make(chan *api.Transaction, len(txns))
	ack := make(chan string, len(txns))
	for _, txn := range txns {
		in <- txn
	}
	close(in)
	err := s.Write(context.Background(), in, ack)
	close(ack)

	var acked []string
	for id := range ack {
		acked = append(acked, id)
	}
	return acked, err
}

func TestNew_ExistingSpreadsheet(t *testing.T) {
	fake := &fakeSheets{}
	s := newSink(t, fake, Config{SheetID: "sheet-1"})
	assert.Equal(t, "sheet-1", s.SpreadsheetID())
	assert.Zero(t, fake.created)
	assert.Empty(t, fake.headers)
}

func TestNew_CreatesSpreadsheet(t *testing.T) {
	fake := &fakeSheets{}
	s := newSink(t, fake, Config{SheetTitle: "Covault"})
	assert.Equal(t, "new-1", s.SpreadsheetID())
	assert.Equal(t, 1, fake.created)
	require.Len(t, fake.headers, 1)
	assert.Equal(t, "Vendor", fake.headers[0][1])
}

func TestWrite_RetriesRateLimit(t *testing.T) {
	fake := &fakeSheets{failAppends: 1, failStatus: http.StatusTooManyRequests}
	s := newSink(t, fake, Config{SheetID: "sheet-1", BatchSize: 5})

	budget := "groceries"
	acked, err := writeAll(t, s,
		&api.Transaction{ID: "t1", Date: "2026-07-04", Vendor: "Cafe", Amount: 4.5, CategoryID: &budget, SourceID: "m1"},
		&api.Transaction{ID: "t2", Date: "2026-07-04", Vendor: api.UnknownVendor, SourceID: "m2"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, acked)

	require.Len(t, fake.appends, 1)
	rows := fake.appends[0]
	require.Len(t, rows, 2)
	assert.Equal(t, "Cafe", rows[0][1])
	assert.Equal(t, 4.5, rows[0][2])
	assert.Equal(t, "groceries", rows[0][3])
	assert.Equal(t, "", rows[1][3])
}

func TestWrite_PermanentError(t *testing.T) {
	fake := &fakeSheets{failAppends: 5, failStatus: http.StatusBadRequest}
	s := newSink(t, fake, Config{SheetID: "sheet-1", BatchSize: 5})

	acked, err := writeAll(t, s, &api.Transaction{ID: "t1", SourceID: "m1"})
	require.Error(t, err)
	assert.Empty(t, acked)
	assert.Equal(t, 4, fake.failAppends, "client errors are not retried")
}
