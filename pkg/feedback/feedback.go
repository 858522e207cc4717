// Package feedback handles user reports that a rule mis-parsed a
// notification, regenerating the rule from the reported text.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
	"github.com/covault/autodetect/pkg/ratelimit"
)

// Repository persists flag reports.
type Repository interface {
	InsertFlagReport(ctx context.Context, f *api.FlagReport) error
	CountFlagReportsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// RuleStore is the subset of rules.Store the workflow uses.
type RuleStore interface {
	Rule(ctx context.Context, ruleID string) (*api.ExtractionRule, error)
	UpdateRule(ctx context.Context, ruleID string, patterns api.Patterns, categoryID *string) error
	ValidatePatterns(p api.Patterns, sample string) error
	ResolveCategory(ctx context.Context, hint string) *string
}

// FlagRequest is one press of the "this looks wrong" button.
type FlagRequest struct {
	UserID          string   `json:"user_id"`
	RuleID          string   `json:"rule_id"`
	RawNotification string   `json:"raw_notification"`
	ExpectedVendor  *string  `json:"expected_vendor,omitempty"`
	ExpectedAmount  *float64 `json:"expected_amount,omitempty"`
}

// Workflow rate-limits flags, records them and regenerates the flagged rule.
type Workflow struct {
	repo    Repository
	rules   RuleStore
	gen     api.Generator
	windows []ratelimit.Window
	now     func() time.Time
	logger  *slog.Logger
	limiter *ratelimit.Limiter
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the clock used for rate limiting and flag timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithWindows overrides ratelimit.DefaultWindows.
func WithWindows(windows ...ratelimit.Window) Option {
	return func(w *Workflow) { w.windows = windows }
}

// New creates a flag workflow.
func New(repo Repository, rules RuleStore, gen api.Generator, logger *slog.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workflow{
		repo:   repo,
		rules:  rules,
		gen:    gen,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.limiter = ratelimit.New(ratelimit.CounterFunc(repo.CountFlagReportsSince), w.now, w.windows...)
	return w
}

// FlagAndRegenerate records a flag against a rule and replaces the rule's
// patterns with freshly generated ones. Nothing is written when the user is
// over quota. Quota check and insert are serialized per user. The flag report
// is kept even if regeneration later fails.
func (w *Workflow) FlagAndRegenerate(ctx context.Context, req FlagRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	logger := w.logger.With("user_id", req.UserID, "rule_id", req.RuleID)

	done, err := w.limiter.Reserve(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, api.ErrRateLimited) {
			logger.Info("flag rejected", "reason", err)
		}
		return err
	}

	report := &api.FlagReport{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		RuleID:          req.RuleID,
		RawNotification: req.RawNotification,
		ExpectedVendor:  req.ExpectedVendor,
		ExpectedAmount:  req.ExpectedAmount,
		CreatedAt:       w.now().UTC(),
	}
	err = w.repo.InsertFlagReport(ctx, report)
	done()
	if err != nil {
		return api.NewStoreError("inserting flag report", err)
	}
	logger.Info("recorded flag", "flag_id", report.ID)

	rule, err := w.rules.Rule(ctx, req.RuleID)
	if err != nil {
		return err
	}
	if rule.UserID != req.UserID {
		return fmt.Errorf("rule %s for user %s: %w", req.RuleID, req.UserID, api.ErrNotFound)
	}

	text := extract.Normalize(req.RawNotification)
	draft, err := w.gen.GenerateRule(ctx, rule.BankName, text)
	if err != nil {
		return fmt.Errorf("regenerating rule: %w", err)
	}
	if err := w.rules.ValidatePatterns(draft.Patterns(), text); err != nil {
		return err
	}

	categoryID := w.rules.ResolveCategory(ctx, draft.CategoryName)
	if categoryID == nil {
		categoryID = rule.DefaultCategoryID
	}

	if err := w.rules.UpdateRule(ctx, rule.ID, draft.Patterns(), categoryID); err != nil {
		return err
	}

	logger.Info("regenerated rule after flag", "bank_name", rule.BankName)
	return nil
}

func (r FlagRequest) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: missing user", api.ErrNotFlaggable)
	case strings.TrimSpace(r.RuleID) == "":
		return fmt.Errorf("%w: transaction has no rule", api.ErrNotFlaggable)
	case strings.TrimSpace(r.RawNotification) == "":
		return fmt.Errorf("%w: transaction has no notification text", api.ErrNotFlaggable)
	}
	return nil
}

// RequestFor builds a FlagRequest for a previously emitted transaction, or
// returns api.ErrNotFlaggable when it carries no rule back-reference.
func RequestFor(txn *api.Transaction, expectedVendor *string, expectedAmount *float64) (FlagRequest, error) {
	if txn == nil || !txn.Flaggable() {
		return FlagRequest{}, api.ErrNotFlaggable
	}
	return FlagRequest{
		UserID:          txn.UserID,
		RuleID:          *txn.RuleID,
		RawNotification: *txn.RawNotification,
		ExpectedVendor:  expectedVendor,
		ExpectedAmount:  expectedAmount,
	}, nil
}
