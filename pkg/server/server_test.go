package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/feedback"
	"github.com/covault/autodetect/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFlagger struct {
	err error
	got []feedback.FlagRequest
}

func (f *fakeFlagger) FlagAndRegenerate(_ context.Context, req feedback.FlagRequest) error {
	f.got = append(f.got, req)
	return f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealthz(t *testing.T) {
	s := New(&fakeFlagger{}, Config{}, logging.Discard())
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestFlag(t *testing.T) {
	const body = `{"user_id":"u1","rule_id":"r1","raw_notification":"You spent $7.10 at Bakery","expected_vendor":"Bakery","expected_amount":7.1}`

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "accepted", wantStatus: http.StatusAccepted},
		{name: "not flaggable", err: api.ErrNotFlaggable, wantStatus: http.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("loading rule: %w", api.ErrNotFound), wantStatus: http.StatusNotFound},
		{name: "rate limited", err: &api.RateLimitError{}, wantStatus: http.StatusTooManyRequests},
		{name: "upstream", err: &api.UpstreamError{Err: fmt.Errorf("boom")}, wantStatus: http.StatusBadGateway},
		{name: "malformed", err: api.ErrMalformedResponse, wantStatus: http.StatusBadGateway},
		{name: "configuration", err: api.ErrConfiguration, wantStatus: http.StatusServiceUnavailable},
		{name: "store", err: api.NewStoreError("insert", fmt.Errorf("disk full")), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFlagger{err: tt.err}
			s := New(f, Config{}, logging.Discard())

			rec := do(t, s.Handler(), http.MethodPost, "/v1/flags", body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			resp := decodeBody(t, rec)
			if tt.err == nil {
				assert.Equal(t, api.UserMessage(nil), resp["message"])
			} else {
				assert.Equal(t, api.UserMessage(tt.err), resp["error"])
			}

			require.Len(t, f.got, 1)
			assert.Equal(t, "u1", f.got[0].UserID)
			assert.Equal(t, "r1", f.got[0].RuleID)
			require.NotNil(t, f.got[0].ExpectedAmount)
			assert.InDelta(t, 7.1, *f.got[0].ExpectedAmount, 1e-9)
		})
	}
}

func TestFlag_BadBody(t *testing.T) {
	f := &fakeFlagger{}
	s := New(f, Config{}, logging.Discard())

	rec := do(t, s.Handler(), http.MethodPost, "/v1/flags", `{"user_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.got)
}

func TestTestRule(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantMatched bool
		wantVendor  string
		wantAmount  float64
	}{
		{
			name:        "match",
			body:        `{"amount_regex":"\\$([\\d,]+\\.\\d{2})","vendor_regex":"at (.+?) on","text":"You spent $1,204.50 at Corner Store on Monday"}`,
			wantStatus:  http.StatusOK,
			wantMatched: true,
			wantVendor:  "Corner Store",
			wantAmount:  1204.50,
		},
		{
			name:       "no match",
			body:       `{"amount_regex":"\\$(\\d+\\.\\d{2})","vendor_regex":"at (.+?) on","text":"Your statement is ready"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid pattern",
			body:       `{"amount_regex":"(unclosed","vendor_regex":"at (.+)","text":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing field",
			body:       `{"amount_regex":"(\\d+)"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	s := New(&fakeFlagger{}, Config{}, logging.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/rules/test", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, decodeBody(t, rec)["error"])
				return
			}

			var resp ruleTestResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantMatched, resp.Matched)
			assert.Equal(t, tt.wantVendor, resp.Vendor)
			assert.InDelta(t, tt.wantAmount, resp.Amount, 1e-9)
		})
	}
}

func TestEvents_Disabled(t *testing.T) {
	s := New(&fakeFlagger{}, Config{}, logging.Discard())
	rec := do(t, s.Handler(), http.MethodPost, "/v1/events", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_WebhookSource(t *testing.T) {
	s := New(&fakeFlagger{}, Config{AcceptEvents: true, EventBuffer: 1}, logging.Discard())

	rec := do(t, s.Handler(), http.MethodPost, "/v1/events",
		`{"rawNotificationText":"You spent $7.10 at Bakery on Sat","bankAppId":"com.chase","bankName":"Chase"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)
	assert.True(t, strings.HasPrefix(id, "webhook:"))

	rec = do(t, s.Handler(), http.MethodPost, "/v1/events", `{"vendor":"Venmo","amount":3}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "buffer holds one event")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan api.DetectionEvent, 1)
	done := make(chan error, 1)
	go func() { done <- s.Source().Read(ctx, out, make(chan string)) }()

	select {
	case ev := <-out:
		assert.Equal(t, id, ev.SourceID)
		require.NotNil(t, ev.Vendor)
		assert.Equal(t, "Bakery", *ev.Vendor)
		assert.False(t, ev.ReceivedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not forwarded")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	_, open := <-out
	assert.False(t, open)
}

func TestEvents_BadBody(t *testing.T) {
	s := New(&fakeFlagger{}, Config{AcceptEvents: true}, logging.Discard())
	rec := do(t, s.Handler(), http.MethodPost, "/v1/events", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
