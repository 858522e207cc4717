package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		vendor     string
		text       string
		wantOK     bool
		wantVendor string
		wantAmount float64
	}{
		{
			name:       "thousands separator",
			amount:     `\$([\d,]+\.\d{2})`,
			vendor:     `at (.+)$`,
			text:       "Purchase of $1,234.50 at Whole Foods",
			wantOK:     true,
			wantVendor: "Whole Foods",
			wantAmount: 1234.50,
		},
		{
			name:       "vendor is trimmed",
			amount:     `\$([\d,]+\.\d{2})`,
			vendor:     `at (.+)`,
			text:       "You spent $12.00 at  Cafe Nero  ",
			wantOK:     true,
			wantVendor: "Cafe Nero",
			wantAmount: 12,
		},
		{
			name:       "negative amount",
			amount:     `(-[\d.]+)`,
			vendor:     `to (\w+)`,
			text:       "Refund -45.00 to Alice",
			wantOK:     true,
			wantVendor: "Alice",
			wantAmount: -45,
		},
		{
			name:   "amount pattern does not compile",
			amount: `(`,
			vendor: `at (.+)`,
			text:   "Spent $5.00 at Shop",
		},
		{
			name:   "vendor pattern does not compile",
			amount: `\$([\d.]+)`,
			vendor: `at (?<name>.+`,
			text:   "Spent $5.00 at Shop",
		},
		{
			name:   "amount does not match",
			amount: `EUR ([\d.]+)`,
			vendor: `at (.+)`,
			text:   "Spent $5.00 at Shop",
		},
		{
			name:   "vendor does not match",
			amount: `\$([\d.]+)`,
			vendor: `from (.+)`,
			text:   "Spent $5.00 at Shop",
		},
		{
			name:   "no capture group",
			amount: `\$[\d.]+`,
			vendor: `at (.+)`,
			text:   "Spent $5.00 at Shop",
		},
		{
			name:   "empty capture group",
			amount: `total=(\d*)`,
			vendor: `at (.+)`,
			text:   "total= at Shop",
		},
		{
			name:   "captured amount has no digits",
			amount: `(USD)`,
			vendor: `at (.+)`,
			text:   "USD charge at Shop",
		},
		{
			name:   "captured amount has two decimal points",
			amount: `amt ([\d.]+)`,
			vendor: `at (.+)`,
			text:   "amt 1.2.3 at Shop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Apply(tt.amount, tt.vendor, tt.text)
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				assert.Equal(t, Result{}, got)
				return
			}
			assert.Equal(t, tt.wantVendor, got.Vendor)
			assert.InDelta(t, tt.wantAmount, got.Amount, 1e-9)
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"$1,234.50", 1234.50, true},
		{"1,234,567.89", 1234567.89, true},
		{"INR 500", 500, true},
		{".5", 0.5, true},
		{"abc", 0, false},
		{"-", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseAmount(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCompile(t *testing.T) {
	assert.True(t, Compile(`\$(\d+)`).OK())

	bad := Compile(`(`)
	assert.False(t, bad.OK())
	assert.Nil(t, bad.Regexp)
	assert.Equal(t, `(`, bad.Pattern)
}
