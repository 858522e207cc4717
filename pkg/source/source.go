// Package source holds helpers shared by the event sources under it.
package source

import (
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
)

// Bank identifies the app or sender a notification came from.
type Bank struct {
	AppID string
	Name  string
}

// EventFromText builds a DetectionEvent for text extracted from a message.
// The text is normalized and pre-parsed with the heuristic parser so the
// listener has fallback fields. It reports false when the text is empty or carries no
// transaction keyword.
func EventFromText(bank Bank, text string, receivedAt time.Time, sourceID string) (api.DetectionEvent, bool) {
	text = extract.Normalize(text)
	if text == "" || !extract.LooksLikeTransaction(text) {
		return api.DetectionEvent{}, false
	}

	ev := api.DetectionEvent{
		RawNotification: &text,
		ReceivedAt:      receivedAt,
		SourceID:        sourceID,
	}
	if id := strings.TrimSpace(bank.AppID); id != "" {
		ev.BankAppID = &id
		name := strings.TrimSpace(bank.Name)
		ev.BankName = &name
	}
	Enrich(&ev)
	return ev, true
}

// Enrich fills a missing vendor or amount on an event delivered already
// structured, parsing a normalized copy of its text. RawNotification is left
// as the host sent it.
func Enrich(ev *api.DetectionEvent) {
	if ev.RawNotification == nil || (ev.Vendor != nil && ev.Amount != nil) {
		return
	}

	vendor, amount := extract.Heuristic(extract.Normalize(*ev.RawNotification))
	if ev.Vendor == nil {
		ev.Vendor = vendor
	}
	if ev.Amount == nil {
		ev.Amount = amount
	}
}

var tags = regexp.MustCompile(`(?s)<style.*?</style>|<script.*?</script>|<[^>]+>`)

// StripHTML replaces markup with spaces and unescapes entities.
func StripHTML(s string) string {
	return html.UnescapeString(tags.ReplaceAllString(s, " "))
}
