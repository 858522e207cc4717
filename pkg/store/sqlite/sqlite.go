// Package sqlite stores extraction rules and flag reports in a local SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/covault/autodetect/internal/sqlutil"
	"github.com/covault/autodetect/pkg/api"
)

//go:embed schema.sql
var schemaSQL string

const ruleColumns = `id, user_id, bank_app_id, bank_name, amount_regex, vendor_regex,
	default_category_id, is_active, flagged_count, last_flagged_at, created_at, updated_at`

// Store is a SQLite-backed rule and flag repository.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the database at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("opened sqlite store", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveRule returns the active rule for a user and bank app.
func (s *Store) ActiveRule(ctx context.Context, userID, bankAppID string) (*api.ExtractionRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM notification_rules
		WHERE user_id = ? AND bank_app_id = ? AND is_active = 1`
	rule, err := sqlutil.QueryOne(ctx, s.db, q, []any{userID, bankAppID}, scanRule)
	if err != nil {
		return nil, mapError(err)
	}
	return rule, nil
}

// RuleByID returns a rule by id.
func (s *Store) RuleByID(ctx context.Context, id string) (*api.ExtractionRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM notification_rules WHERE id = ?`
	rule, err := sqlutil.QueryOne(ctx, s.db, q, []any{id}, scanRule)
	if err != nil {
		return nil, mapError(err)
	}
	return rule, nil
}

// ListRules returns all rules for a user, newest first.
func (s *Store) ListRules(ctx context.Context, userID string) ([]api.ExtractionRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM notification_rules
		WHERE user_id = ? ORDER BY created_at DESC`
	rules, err := sqlutil.QueryMany(ctx, s.db, q, []any{userID}, scanRule)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]api.ExtractionRule, len(rules))
	for i, r := range rules {
		out[i] = *r
	}
	return out, nil
}

// InsertRule persists a new rule. A second active rule for the same user and
// bank app fails with api.ErrDuplicateRule.
func (s *Store) InsertRule(ctx context.Context, rule *api.ExtractionRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.UserID, rule.BankAppID, rule.BankName,
		rule.AmountPattern, rule.VendorPattern, rule.DefaultCategoryID,
		rule.IsActive, rule.FlaggedCount, utcPtr(rule.LastFlaggedAt),
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	return mapError(err)
}

// UpdateRulePatterns replaces a rule's patterns, its category when categoryID
// is non-nil, and counts one flag.
func (s *Store) UpdateRulePatterns(ctx context.Context, id string, p api.Patterns, categoryID *string, flaggedAt time.Time) error {
	flaggedAt = flaggedAt.UTC()
	err := sqlutil.ExecExpectOne(ctx, s.db, `UPDATE notification_rules SET
			amount_regex = ?,
			vendor_regex = ?,
			default_category_id = COALESCE(?, default_category_id),
			flagged_count = flagged_count + 1,
			last_flagged_at = ?,
			updated_at = ?
		WHERE id = ?`,
		p.AmountPattern, p.VendorPattern, categoryID, flaggedAt, flaggedAt, id,
	)
	return mapError(err)
}

// CategoriesMatching returns categories whose name contains name, ignoring case.
func (s *Store) CategoriesMatching(ctx context.Context, name string) ([]api.Category, error) {
	q := `SELECT id, name FROM categories
		WHERE lower(name) LIKE lower(?) ESCAPE '\' ORDER BY name`
	cats, err := sqlutil.QueryMany(ctx, s.db, q, []any{sqlutil.ContainsPattern(name)}, scanCategory)
	if err != nil {
		return nil, mapError(err)
	}
	return cats, nil
}

// UpsertCategory inserts or renames a category.
func (s *Store) UpsertCategory(ctx context.Context, c api.Category) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, c.ID, c.Name)
	return mapError(err)
}

// InsertFlagReport persists a flag report.
func (s *Store) InsertFlagReport(ctx context.Context, f *api.FlagReport) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO flag_reports
		(id, user_id, notification_rule_id, raw_notification, expected_vendor, expected_amount, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.RuleID, f.RawNotification,
		f.ExpectedVendor, f.ExpectedAmount, f.Resolved, f.CreatedAt.UTC(),
	)
	return mapError(err)
}

// CountFlagReportsSince counts a user's flag reports created at or after since.
func (s *Store) CountFlagReportsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flag_reports WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func scanRule(sc sqlutil.Scanner) (*api.ExtractionRule, error) {
	var r api.ExtractionRule
	err := sc.Scan(
		&r.ID, &r.UserID, &r.BankAppID, &r.BankName,
		&r.AmountPattern, &r.VendorPattern, &r.DefaultCategoryID,
		&r.IsActive, &r.FlaggedCount, &r.LastFlaggedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanCategory(sc sqlutil.Scanner) (api.Category, error) {
	var c api.Category
	err := sc.Scan(&c.ID, &c.Name)
	return c, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func mapError(err error) error {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return api.ErrDuplicateRule
	}
	return sqlutil.MapError(err)
}
