package api

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestDetectionEvent_HasRuleInputs(t *testing.T) {
	tests := []struct {
		name string
		ev   DetectionEvent
		want bool
	}{
		{name: "complete", ev: DetectionEvent{RawNotification: ptr("x"), BankAppID: ptr("com.chase"), BankName: ptr("Chase")}, want: true},
		{name: "empty bank name is present", ev: DetectionEvent{RawNotification: ptr("x"), BankAppID: ptr("com.chase"), BankName: ptr("")}, want: true},
		{name: "no text", ev: DetectionEvent{BankAppID: ptr("com.chase"), BankName: ptr("Chase")}},
		{name: "empty text", ev: DetectionEvent{RawNotification: ptr(""), BankAppID: ptr("com.chase"), BankName: ptr("Chase")}},
		{name: "empty bank id", ev: DetectionEvent{RawNotification: ptr("x"), BankAppID: ptr(""), BankName: ptr("Chase")}},
		{name: "no bank name", ev: DetectionEvent{RawNotification: ptr("x"), BankAppID: ptr("com.chase")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.HasRuleInputs())
		})
	}
}

func TestDetectionEvent_Fallback(t *testing.T) {
	tests := []struct {
		name       string
		ev         DetectionEvent
		wantVendor string
		wantAmount float64
	}{
		{name: "defaults", wantVendor: UnknownVendor, wantAmount: UnknownAmount},
		{name: "supplied", ev: DetectionEvent{Vendor: ptr("Venmo"), Amount: ptr(12.5)}, wantVendor: "Venmo", wantAmount: 12.5},
		{name: "blank vendor", ev: DetectionEvent{Vendor: ptr("  "), Amount: ptr(0.0)}, wantVendor: UnknownVendor},
		{name: "nan amount", ev: DetectionEvent{Amount: ptr(math.NaN())}, wantVendor: UnknownVendor},
		{name: "infinite amount", ev: DetectionEvent{Amount: ptr(math.Inf(1))}, wantVendor: UnknownVendor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor, amount := tt.ev.Fallback()
			assert.Equal(t, tt.wantVendor, vendor)
			assert.InDelta(t, tt.wantAmount, amount, 1e-9)
		})
	}
}

func TestTransaction_Flaggable(t *testing.T) {
	assert.True(t, (&Transaction{RuleID: ptr("r1"), RawNotification: ptr("x")}).Flaggable())
	assert.False(t, (&Transaction{RuleID: ptr("r1")}).Flaggable())
	assert.False(t, (&Transaction{RuleID: ptr("r1"), RawNotification: ptr("")}).Flaggable())
	assert.False(t, (&Transaction{RawNotification: ptr("x")}).Flaggable())
}

func TestErrors_Is(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "upstream", err: fmt.Errorf("generating: %w", &UpstreamError{Err: cause}), sentinel: ErrUpstream},
		{name: "upstream cause", err: &UpstreamError{Err: cause}, sentinel: cause},
		{name: "store", err: NewStoreError("inserting rule", cause), sentinel: ErrStore},
		{name: "store cause", err: NewStoreError("inserting rule", cause), sentinel: cause},
		{name: "store passes not found", err: NewStoreError("loading rule", ErrNotFound), sentinel: ErrNotFound},
		{name: "rate limit", err: &RateLimitError{Span: time.Hour, Limit: 1}, sentinel: ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
		})
	}

	assert.NoError(t, NewStoreError("noop", nil))
	assert.NotErrorIs(t, NewStoreError("loading rule", ErrNotFound), ErrStore)
	assert.Equal(t, "upstream status 503: busy", (&UpstreamError{StatusCode: 503, Body: "busy"}).Error())
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", want: "Thanks! We'll improve how we detect this bank's transactions."},
		{name: "daily", err: &RateLimitError{Span: 24 * time.Hour, Limit: 1}, want: "You've already reported a problem today. Please try again tomorrow."},
		{name: "weekly", err: &RateLimitError{Span: 7 * 24 * time.Hour, Limit: 5}, want: "You've reached the weekly limit for reporting problems. Please try again later."},
		{name: "not flaggable", err: fmt.Errorf("%w: no rule", ErrNotFlaggable), want: "Sorry, this transaction cannot be flagged for correction."},
		{name: "not found", err: ErrNotFound, want: "Sorry, this transaction cannot be flagged for correction."},
		{name: "configuration", err: ErrConfiguration, want: "Automatic detection is not configured."},
		{name: "other", err: &UpstreamError{StatusCode: 500}, want: "Something went wrong while improving detection. Please try again later."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}
