// Package api defines the core interfaces and data structures for autodetect.
package api

import (
	"context"
	"math"
	"strings"
	"time"
)

// Transaction labels recorded on emitted transactions.
const (
	LabelAutoAdded = "Auto-Added"
	LabelManual    = "Manual"
	LabelEdited    = "Auto-Added + Edited"
)

// RecurrenceOneTime is the recurrence assigned to detected transactions.
const RecurrenceOneTime = "One-time"

// Fallback values used when nothing better could be extracted.
const (
	UnknownVendor = "Unknown Merchant"
	UnknownAmount = 0.0
)

// DateLayout is the calendar-date format used for Transaction.Date.
const DateLayout = time.DateOnly

// ExtractionRule is a learned pair of patterns for one (user, bank app) pair.
type ExtractionRule struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	BankAppID     string `json:"bank_app_id"`
	BankName      string `json:"bank_name"`
	AmountPattern string `json:"amount_regex"`
	VendorPattern string `json:"vendor_regex"`
	// DefaultCategoryID is nil when the generator's category hint did not
	// resolve to a known category.
	DefaultCategoryID *string    `json:"default_category_id,omitempty"`
	IsActive          bool       `json:"is_active"`
	FlaggedCount      int        `json:"flagged_count"`
	LastFlaggedAt     *time.Time `json:"last_flagged_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Patterns returns the rule's amount and vendor patterns.
func (r *ExtractionRule) Patterns() Patterns {
	return Patterns{AmountPattern: r.AmountPattern, VendorPattern: r.VendorPattern}
}

// Patterns is the replaceable part of an ExtractionRule.
type Patterns struct {
	AmountPattern string `json:"amount_regex"`
	VendorPattern string `json:"vendor_regex"`
}

// RuleDraft is what the rule generator proposes for a sample notification.
type RuleDraft struct {
	AmountPattern string `json:"amount_regex"`
	VendorPattern string `json:"vendor_regex"`
	// CategoryName is a free-text hint, resolved against known categories.
	CategoryName string `json:"category_name"`
}

// Patterns returns the draft's amount and vendor patterns.
func (d RuleDraft) Patterns() Patterns {
	return Patterns{AmountPattern: d.AmountPattern, VendorPattern: d.VendorPattern}
}

// FlagReport records a user's claim that a rule mis-parsed a notification.
type FlagReport struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	RuleID          string    `json:"notification_rule_id"`
	RawNotification string    `json:"raw_notification"`
	ExpectedVendor  *string   `json:"expected_vendor,omitempty"`
	ExpectedAmount  *float64  `json:"expected_amount,omitempty"`
	Resolved        bool      `json:"resolved"`
	CreatedAt       time.Time `json:"created_at"`
}

// Category is a read-only budgeting category.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User identifies the session detections are recorded under.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DetectionEvent is one notification delivered by an event source.
// Every field is optional; a nil pointer means the source did not supply it.
type DetectionEvent struct {
	// RawNotification is the notification text as delivered. Matching runs
	// on a normalized copy.
	RawNotification *string  `json:"rawNotificationText,omitempty"`
	BankAppID       *string  `json:"bankAppId,omitempty"`
	BankName        *string  `json:"bankName,omitempty"`
	Vendor          *string  `json:"vendor,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`

	// ReceivedAt is when the source observed the notification.
	ReceivedAt time.Time `json:"receivedAt,omitzero"`
	// SourceID is an opaque handle acknowledged back to the source once the
	// resulting transaction has been written.
	SourceID string `json:"-"`
}

// HasRuleInputs reports whether the event carries everything needed to look
// up or learn an extraction rule. Empty text or bank id counts as absent.
func (e DetectionEvent) HasRuleInputs() bool {
	return e.RawNotification != nil && *e.RawNotification != "" &&
		e.BankAppID != nil && *e.BankAppID != "" &&
		e.BankName != nil
}

// Fallback returns the vendor and amount to use when rule extraction is not
// possible: the source-supplied values when present, the defaults otherwise.
func (e DetectionEvent) Fallback() (vendor string, amount float64) {
	vendor, amount = UnknownVendor, UnknownAmount
	if e.Vendor != nil && strings.TrimSpace(*e.Vendor) != "" {
		vendor = *e.Vendor
	}
	if e.Amount != nil && !math.IsNaN(*e.Amount) && !math.IsInf(*e.Amount, 0) {
		amount = *e.Amount
	}
	return vendor, amount
}

// Transaction is the record emitted for every detection.
type Transaction struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	UserName    string  `json:"user_name"`
	Vendor      string  `json:"vendor"`
	Amount      float64 `json:"amount"`
	Date        string  `json:"date"`
	CategoryID  *string `json:"budget_id"`
	Label       string  `json:"label"`
	Recurrence  string  `json:"recurrence"`
	IsProjected bool    `json:"is_projected"`
	// RuleID and RawNotification are set whenever a rule was resolved, so
	// the transaction can later be flagged.
	RuleID          *string   `json:"notification_rule_id"`
	RawNotification *string   `json:"raw_notification"`
	CreatedAt       time.Time `json:"created_at"`

	// SourceID is copied from the originating DetectionEvent for acknowledgement.
	SourceID string `json:"-"`
}

// Flaggable reports whether the transaction can be submitted for correction.
func (t *Transaction) Flaggable() bool {
	return t.RuleID != nil && t.RawNotification != nil && *t.RawNotification != ""
}

// Source produces detection events and sends them to the provided channel.
// Implementations close out when done. SourceIDs of written transactions
// arrive on ack.
type Source interface {
	Read(ctx context.Context, out chan<- DetectionEvent, ack <-chan string) error
}

// Sink consumes transactions from a channel and writes them to a destination.
// SourceIDs of successfully written transactions are sent to ack.
type Sink interface {
	Write(ctx context.Context, in <-chan *Transaction, ack chan<- string) error
}

// Generator proposes an extraction rule from one sample notification.
type Generator interface {
	GenerateRule(ctx context.Context, bankName, sample string) (RuleDraft, error)
}
