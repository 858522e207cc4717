package generator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/autodetect/pkg/api"
)

// geminiReply wraps text in a generateContent response envelope.
func geminiReply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}},
		},
	})
	return string(b)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateRule_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = io.WriteString(w, geminiReply(`{"amount_regex":"\\$([\\d,.]+)","vendor_regex":"at (.+)","category_name":" Groceries "}`))
	})

	c := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	draft, err := c.GenerateRule(context.Background(), "Chase", "You spent $12.00 at Kroger")
	require.NoError(t, err)

	assert.Equal(t, `\$([\d,.]+)`, draft.AmountPattern)
	assert.Equal(t, `at (.+)`, draft.VendorPattern)
	assert.Equal(t, "Groceries", draft.CategoryName)
	assert.Equal(t, "/v1beta/models/"+DefaultModel+":generateContent", gotPath)
	assert.Equal(t, "k", gotKey)

	contents := gotBody["contents"].([]any)
	prompt := contents[0].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, prompt, "Chase")
	assert.Contains(t, prompt, "You spent $12.00 at Kroger")
}

func TestGenerateRule_MissingKey(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := c.GenerateRule(context.Background(), "Chase", "x")
	require.ErrorIs(t, err, api.ErrConfiguration)
	assert.Zero(t, calls.Load())
}

func TestGenerateRule_UpstreamStatus(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"API key not valid"}`)
	})

	c := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := c.GenerateRule(context.Background(), "Chase", "x")
	require.ErrorIs(t, err, api.ErrUpstream)

	var upErr *api.UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
	assert.Contains(t, upErr.Body, "API key not valid")
}

func TestGenerateRule_Timeout(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := New(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := c.GenerateRule(context.Background(), "Chase", "x")
	require.ErrorIs(t, err, api.ErrUpstream)
}

func TestGenerateRule_RetriesOnlyWhenConfigured(t *testing.T) {
	tests := []struct {
		name      string
		retries   uint
		wantCalls int32
		wantErr   bool
	}{
		{name: "no retries by default", retries: 0, wantCalls: 1, wantErr: true},
		{name: "retry succeeds", retries: 2, wantCalls: 2, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				_, _ = io.WriteString(w, geminiReply(`{"amount_regex":"(\\d+)","vendor_regex":"at (.+)","category_name":""}`))
			})

			c := New(Config{APIKey: "k", BaseURL: srv.URL, Retries: tt.retries, RetryDelay: time.Millisecond}, nil)
			_, err := c.GenerateRule(context.Background(), "Chase", "x")
			if tt.wantErr {
				require.ErrorIs(t, err, api.ErrUpstream)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestGenerateRule_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json envelope", body: "oops"},
		{name: "no candidates", body: `{"candidates":[]}`},
		{name: "answer is prose", body: geminiReply("Sure! Here is your regex.")},
		{name: "missing vendor key", body: geminiReply(`{"amount_regex":"(\\d+)","category_name":"Bills"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})

			c := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
			_, err := c.GenerateRule(context.Background(), "Chase", "x")
			require.ErrorIs(t, err, api.ErrMalformedResponse)
		})
	}
}

func TestParseDraft(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    api.RuleDraft
		wantErr bool
	}{
		{
			name: "plain json",
			text: `{"amount_regex":"(\\d+)","vendor_regex":"at (.+)","category_name":"Bills"}`,
			want: api.RuleDraft{AmountPattern: `(\d+)`, VendorPattern: `at (.+)`, CategoryName: "Bills"},
		},
		{
			name: "fenced json",
			text: "```json\n{\"amount_regex\":\"(\\\\d+)\",\"vendor_regex\":\"to (.+)\",\"category_name\":\"Transport\"}\n```",
			want: api.RuleDraft{AmountPattern: `(\d+)`, VendorPattern: `to (.+)`, CategoryName: "Transport"},
		},
		{
			name: "empty category is allowed",
			text: `{"amount_regex":"(\\d+)","vendor_regex":"at (.+)","category_name":""}`,
			want: api.RuleDraft{AmountPattern: `(\d+)`, VendorPattern: `at (.+)`},
		},
		{name: "missing category", text: `{"amount_regex":"(\\d+)","vendor_regex":"at (.+)"}`, wantErr: true},
		{name: "empty amount pattern", text: `{"amount_regex":" ","vendor_regex":"at (.+)","category_name":"x"}`, wantErr: true},
		{name: "truncated", text: `{"amount_regex":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDraft(tt.text)
			if tt.wantErr {
				require.ErrorIs(t, err, api.ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt("Wells Fargo", `Card "1234" charged $5.00`)
	assert.True(t, strings.Contains(p, "Wells Fargo"))
	assert.Contains(t, p, `\"1234\"`)
	assert.Contains(t, p, "amount_regex")
	assert.Contains(t, p, "vendor_regex")
	assert.Contains(t, p, "category_name")
}
