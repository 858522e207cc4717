package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Ordered from most to least specific; the first match wins.
var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$([\d,]+\.\d{2})`),
	regexp.MustCompile(`USD\s*([\d,]+\.\d{2})`),
	regexp.MustCompile(`([\d,]+\.\d{2})\s*(?:USD|dollars?)`),
	regexp.MustCompile(`(?i)(?:charged|spent|paid|purchase|transaction)\s*(?:of)?\s*\$?([\d,]+\.\d{2})`),
	regexp.MustCompile(`(?i)(?:amount|total)\s*:?\s*\$?([\d,]+\.\d{2})`),
}

var vendorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:at|from|to|@)\s+([A-Za-z0-9\s&'.-]+?)\s+(?:for|on|\$|USD|charged)`),
	regexp.MustCompile(`(?i)(?:purchase|transaction|payment)\s+(?:at|from)\s+([A-Za-z0-9\s&'.-]+)`),
	regexp.MustCompile(`([A-Z][A-Za-z0-9\s&'.-]+?)\s+\$[\d,]+\.\d{2}`),
	regexp.MustCompile(`(?i)(?:merchant|vendor|store)\s*:?\s*([A-Za-z0-9\s&'.-]+)`),
}

var transactionKeywords = []string{
	"purchase", "transaction", "charged", "spent", "paid", "payment",
	"withdrew", "withdrawal", "deposit", "transfer", "sent", "received",
	"debit", "credit", "authorized", "pending", "completed",
}

var whitespace = regexp.MustCompile(`\s+`)

// Heuristic is the rule-less parser event sources use to pre-fill the
// fallback vendor and amount of a DetectionEvent. Either result may be nil.
// Amounts are only reported when positive.
func Heuristic(text string) (vendor *string, amount *float64) {
	for _, re := range amountPatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if v, ok := ParseAmount(m[1]); ok && v > 0 {
			amount = &v
			break
		}
	}

	for _, re := range vendorPatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		v := whitespace.ReplaceAllString(strings.TrimSpace(m[1]), " ")
		if n := utf8.RuneCountInString(v); n > 2 && n < 50 {
			vendor = &v
			break
		}
	}

	return vendor, amount
}

// LooksLikeTransaction reports whether text mentions any transaction keyword.
func LooksLikeTransaction(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range transactionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Normalize applies NFKC normalization and collapses runs of whitespace, so
// non-breaking spaces and full-width digits match \s and [0-9].
func Normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(norm.NFKC.String(text), " "))
}

// JoinParts builds the text a notification presents to the user from its
// title, body and expanded body, skipping empty parts.
func JoinParts(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
