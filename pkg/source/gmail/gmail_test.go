package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/logging"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

type fakeGmail struct {
	mu       sync.Mutex
	messages map[string]*gmail.Message
	modified []string
	queries  []string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/gmail/v1/users/me/messages"
	path := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case path == "" && r.Method == http.MethodGet:
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		list := &gmail.ListMessagesResponse{}
		for _, id := range []string{"m1", "m2"} {
			list.Messages = append(list.Messages, &gmail.Message{Id: id})
		}
		_ = json.NewEncoder(w).Encode(list)
	case strings.HasSuffix(path, "/modify"):
		f.modified = append(f.modified, strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/modify"))
		_ = json.NewEncoder(w).Encode(&gmail.Message{})
	default:
		msg, ok := f.messages[strings.TrimPrefix(path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	}
}

func (f *fakeGmail) modifiedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modified...)
}

func TestRead(t *testing.T) {
	fake := &fakeGmail{messages: map[string]*gmail.Message{
		"m1": {
			Id:           "m1",
			InternalDate: time.Date(2026, 7, 4, 18, 30, 0, 0, time.UTC).UnixMilli(),
			Payload: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>ignored</p>")}},
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("You made a $42.50 purchase at Corner Cafe on Jul 4")}},
				},
			},
		},
		"m2": {
			Id:      "m2",
			Snippet: "Weekly newsletter: new features",
			Payload: &gmail.MessagePart{MimeType: "text/plain"},
		},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src, err := New(context.Background(), srv.Client(), Config{
		Banks:    []Bank{{AppID: "com.chase.sig.android", Name: "Chase", Query: "from:chase.com is:unread"}},
		Interval: time.Hour,
		Endpoint: srv.URL + "/",
	}, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan api.DetectionEvent)
	ack := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- src.Read(ctx, out, ack) }()

	var ev api.DetectionEvent
	select {
	case ev = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	assert.Equal(t, "m1", ev.SourceID)
	require.NotNil(t, ev.RawNotification)
	assert.Equal(t, "You made a $42.50 purchase at Corner Cafe on Jul 4", *ev.RawNotification)
	require.NotNil(t, ev.BankAppID)
	assert.Equal(t, "com.chase.sig.android", *ev.BankAppID)
	assert.Equal(t, "Chase", *ev.BankName)
	require.NotNil(t, ev.Amount)
	assert.InDelta(t, 42.50, *ev.Amount, 1e-9)
	require.NotNil(t, ev.Vendor)
	assert.Equal(t, "Corner Cafe", *ev.Vendor)
	assert.Equal(t, "2026-07-04", ev.ReceivedAt.Format(api.DateLayout))

	ack <- "m1"
	require.Eventually(t, func() bool {
		return len(fake.modifiedIDs()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"m1", "m2"}, fake.modifiedIDs(), "newsletter is marked read immediately, the alert after ack")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
	_, open := <-out
	assert.False(t, open)

	fake.mu.Lock()
	assert.Equal(t, []string{"from:chase.com is:unread"}, fake.queries)
	fake.mu.Unlock()
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *gmail.Message
		want string
	}{
		{
			name: "nested plain part",
			msg: &gmail.Message{Payload: &gmail.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gmail.MessagePart{{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
					},
				}},
			}},
			want: "plain body",
		},
		{
			name: "html only",
			msg: &gmail.Message{Payload: &gmail.MessagePart{
				MimeType: "text/html",
				Body:     &gmail.MessagePartBody{Data: b64("<style>p{}</style><p>Paid <b>$5.00</b></p>")},
			}},
			want: "  Paid  $5.00  ",
		},
		{
			name: "snippet fallback",
			msg:  &gmail.Message{Snippet: "You spent $3.00 at Joe&#39;s", Payload: &gmail.MessagePart{}},
			want: "You spent $3.00 at Joe's",
		},
		{
			name: "unpadded base64",
			msg: &gmail.Message{Payload: &gmail.MessagePart{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("ab"))},
			}},
			want: "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageText(tt.msg))
		})
	}
}
