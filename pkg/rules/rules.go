// Package rules resolves the active extraction rule for a (user, bank) pair,
// learning a new one through the generator the first time a bank is seen.
package rules

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
)

// Repository is the persistence the rule store needs. Implementations return
// api.ErrNotFound for missing rows and api.ErrDuplicateRule when an insert
// would create a second active rule for the same (user, bank app).
type Repository interface {
	ActiveRule(ctx context.Context, userID, bankAppID string) (*api.ExtractionRule, error)
	RuleByID(ctx context.Context, id string) (*api.ExtractionRule, error)
	ListRules(ctx context.Context, userID string) ([]api.ExtractionRule, error)
	InsertRule(ctx context.Context, rule *api.ExtractionRule) error
	UpdateRulePatterns(ctx context.Context, id string, patterns api.Patterns, categoryID *string, flaggedAt time.Time) error
	// CategoriesMatching returns categories whose name contains name,
	// compared case-insensitively.
	CategoriesMatching(ctx context.Context, name string) ([]api.Category, error)
}

// Store implements get-or-create and update over a Repository.
type Store struct {
	repo    Repository
	gen     api.Generator
	applier *extract.Applier
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a rule store.
func New(repo Repository, gen api.Generator, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		repo:    repo,
		gen:     gen,
		applier: extract.NewApplier(logger),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateRule returns the active rule for (userID, bankAppID). When none
// exists, it generates one from sample, persists it and returns it. The
// generator is not called when a rule already exists.
func (s *Store) GetOrCreateRule(ctx context.Context, userID, bankAppID, bankName, sample string) (*api.ExtractionRule, error) {
	logger := s.logger.With("user_id", userID, "bank_app_id", bankAppID)

	rule, err := s.repo.ActiveRule(ctx, userID, bankAppID)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, api.ErrNotFound) {
		return nil, api.NewStoreError("looking up active rule", err)
	}

	logger.Info("no rule for bank, generating one", "bank_name", bankName)

	draft, err := s.gen.GenerateRule(ctx, bankName, sample)
	if err != nil {
		return nil, fmt.Errorf("generating rule: %w", err)
	}
	if err := s.ValidatePatterns(draft.Patterns(), sample); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rule = &api.ExtractionRule{
		ID:                uuid.NewString(),
		UserID:            userID,
		BankAppID:         bankAppID,
		BankName:          bankName,
		AmountPattern:     draft.AmountPattern,
		VendorPattern:     draft.VendorPattern,
		DefaultCategoryID: s.ResolveCategory(ctx, draft.CategoryName),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.InsertRule(ctx, rule); err != nil {
		if !errors.Is(err, api.ErrDuplicateRule) {
			return nil, api.NewStoreError("inserting rule", err)
		}
		// Another detection for the same bank won the race; use its rule.
		existing, lookupErr := s.repo.ActiveRule(ctx, userID, bankAppID)
		if lookupErr != nil {
			return nil, api.NewStoreError("re-reading active rule", lookupErr)
		}
		logger.Info("rule created concurrently, using existing", "rule_id", existing.ID)
		return existing, nil
	}

	logger.Info("created rule", "rule_id", rule.ID, "category_id", deref(rule.DefaultCategoryID))
	return rule, nil
}

// UpdateRule replaces a rule's patterns, and its category when categoryID is
// non-nil, and records one more flag against it.
func (s *Store) UpdateRule(ctx context.Context, ruleID string, patterns api.Patterns, categoryID *string) error {
	if err := s.repo.UpdateRulePatterns(ctx, ruleID, patterns, categoryID, s.now().UTC()); err != nil {
		return api.NewStoreError("updating rule", err)
	}
	s.logger.Info("updated rule", "rule_id", ruleID)
	return nil
}

// Rule returns a rule by id regardless of whether it is active.
func (s *Store) Rule(ctx context.Context, ruleID string) (*api.ExtractionRule, error) {
	rule, err := s.repo.RuleByID(ctx, ruleID)
	if err != nil {
		return nil, api.NewStoreError("reading rule", err)
	}
	return rule, nil
}

// Rules lists a user's rules.
func (s *Store) Rules(ctx context.Context, userID string) ([]api.ExtractionRule, error) {
	rules, err := s.repo.ListRules(ctx, userID)
	if err != nil {
		return nil, api.NewStoreError("listing rules", err)
	}
	return rules, nil
}

// ValidatePatterns rejects patterns that do not compile. A pair that compiles
// but does not extract anything from sample is logged and accepted.
func (s *Store) ValidatePatterns(p api.Patterns, sample string) error {
	if c := extract.Compile(p.AmountPattern); !c.OK() {
		return fmt.Errorf("%w: amount_regex: %v", api.ErrMalformedResponse, c.Err)
	}
	if c := extract.Compile(p.VendorPattern); !c.OK() {
		return fmt.Errorf("%w: vendor_regex: %v", api.ErrMalformedResponse, c.Err)
	}
	if _, ok := s.applier.Apply(p.AmountPattern, p.VendorPattern, sample); !ok {
		s.logger.Warn("generated rule does not match its own sample",
			"amount_regex", p.AmountPattern,
			"vendor_regex", p.VendorPattern,
		)
	}
	return nil
}

// ResolveCategory maps a free-text hint to a category id. An exact
// case-insensitive name match wins; otherwise the first partial match by
// name. Lookup failures and misses yield nil.
func (s *Store) ResolveCategory(ctx context.Context, hint string) *string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil
	}

	candidates, err := s.repo.CategoriesMatching(ctx, hint)
	if err != nil {
		s.logger.Warn("category lookup failed", "hint", hint, "error", err)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c.Name), hint) {
			return &c.ID
		}
	}

	slices.SortFunc(candidates, func(a, b api.Category) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			strings.Compare(a.ID, b.ID),
		)
	})
	return &candidates[0].ID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
