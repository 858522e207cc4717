// Package extract applies learned regex rules to notification text.
package extract

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Result holds the fields pulled out of a notification.
type Result struct {
	Vendor string
	Amount float64
}

// CompileResult is the outcome of compiling one pattern.
type CompileResult struct {
	Pattern string
	Regexp  *regexp.Regexp
	Err     error
}

// OK reports whether the pattern compiled.
func (c CompileResult) OK() bool { return c.Err == nil }

// Compile compiles pattern without panicking.
func Compile(pattern string) CompileResult {
	re, err := regexp.Compile(pattern)
	return CompileResult{Pattern: pattern, Regexp: re, Err: err}
}

// Applier applies pattern pairs to notification text.
type Applier struct {
	logger *slog.Logger
}

// NewApplier creates an Applier that reports failures at debug level.
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger}
}

// Apply runs both patterns against text and returns the extracted vendor and
// amount. It returns false if either pattern does not compile, does not
// match, or has an empty first capture group, or if the amount does not
// parse to a finite number.
func (a *Applier) Apply(amountPattern, vendorPattern, text string) (Result, bool) {
	amountRe := Compile(amountPattern)
	if !amountRe.OK() {
		a.logger.Debug("amount pattern does not compile", "pattern", amountPattern, "error", amountRe.Err)
		return Result{}, false
	}
	vendorRe := Compile(vendorPattern)
	if !vendorRe.OK() {
		a.logger.Debug("vendor pattern does not compile", "pattern", vendorPattern, "error", vendorRe.Err)
		return Result{}, false
	}

	rawAmount, ok := firstGroup(amountRe.Regexp, text)
	if !ok {
		a.logger.Debug("amount pattern did not match", "pattern", amountPattern)
		return Result{}, false
	}
	rawVendor, ok := firstGroup(vendorRe.Regexp, text)
	if !ok {
		a.logger.Debug("vendor pattern did not match", "pattern", vendorPattern)
		return Result{}, false
	}

	amount, ok := ParseAmount(rawAmount)
	if !ok {
		a.logger.Debug("captured amount is not a number", "captured", rawAmount)
		return Result{}, false
	}

	return Result{Vendor: strings.TrimSpace(rawVendor), Amount: amount}, true
}

// Apply is a convenience wrapper around an Applier using the default logger.
func Apply(amountPattern, vendorPattern, text string) (Result, bool) {
	return NewApplier(nil).Apply(amountPattern, vendorPattern, text)
}

func firstGroup(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// ParseAmount normalizes a captured amount. Currency symbols, letters,
// whitespace and ',' thousands separators are dropped; what remains must parse
// as a finite decimal number.
func ParseAmount(captured string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, captured)
	if cleaned == "" {
		return 0, false
	}

	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, false
	}
	return amount, true
}
