// Package postgres stores extraction rules and flag reports in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers pgx5://
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covault/autodetect/internal/sqlutil"
	"github.com/covault/autodetect/pkg/api"
)

//go:embed migrations/*.sql
var migrations embed.FS

const ruleColumns = `id, user_id, bank_app_id, bank_name, amount_regex, vendor_regex,
	default_category_id, is_active, flagged_count, last_flagged_at, created_at, updated_at`

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// MaxPoolSize is the maximum number of connections in the pool.
	MaxPoolSize int
	// ConnectAttempts is how many times the initial ping is tried.
	ConnectAttempts uint
	// ConnectDelay is the base delay between ping attempts.
	ConnectDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 10
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectDelay == 0 {
		c.ConnectDelay = 500 * time.Millisecond
	}
}

// URL returns the connection URL with the given scheme ("postgres" for pgx,
// "pgx5" for migrations).
func (c Config) URL(scheme string) string {
	c.setDefaults()
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Store is a PostgreSQL-backed rule and flag repository.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// New connects to PostgreSQL. It does not migrate; call Migrate for that.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.URL("postgres"))
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxPoolSize)
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(cfg.ConnectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("postgres not reachable, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return &Store{pool: pool, cfg: cfg, logger: logger}, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies all pending up migrations.
func (s *Store) Migrate(context.Context) error {
	m, err := NewMigrator(s.cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	v, _, _ := m.Version()
	s.logger.Info("database schema up to date", "version", v)
	return nil
}

// NewMigrator returns a migrator over the embedded migrations. Callers must
// Close it.
func NewMigrator(cfg Config) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL("pgx5"))
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// ActiveRule returns the active rule for a user and bank app.
func (s *Store) ActiveRule(ctx context.Context, userID, bankAppID string) (*api.ExtractionRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM notification_rules
		WHERE user_id = $1 AND bank_app_id = $2 AND is_active`, userID, bankAppID)
	rule, err := scanRule(row)
	if err != nil {
		return nil, sqlutil.MapError(err)
	}
	return rule, nil
}

// RuleByID returns a rule by id.
func (s *Store) RuleByID(ctx context.Context, id string) (*api.ExtractionRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM notification_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		return nil, sqlutil.MapError(err)
	}
	return rule, nil
}

// ListRules returns all rules for a user, newest first.
func (s *Store) ListRules(ctx context.Context, userID string) ([]api.ExtractionRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM notification_rules
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, sqlutil.MapError(err)
	}

	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.ExtractionRule, error) {
		r, err := scanRule(row)
		if err != nil {
			return api.ExtractionRule{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, sqlutil.MapError(err)
	}
	return rules, nil
}

// InsertRule persists a new rule. A second active rule for the same user and
// bank app fails with api.ErrDuplicateRule.
func (s *Store) InsertRule(ctx context.Context, rule *api.ExtractionRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO notification_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rule.ID, rule.UserID, rule.BankAppID, rule.BankName,
		rule.AmountPattern, rule.VendorPattern, rule.DefaultCategoryID,
		rule.IsActive, rule.FlaggedCount, rule.LastFlaggedAt,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return sqlutil.MapError(err)
}

// UpdateRulePatterns replaces a rule's patterns, its category when categoryID
// is non-nil, and counts one flag.
func (s *Store) UpdateRulePatterns(ctx context.Context, id string, p api.Patterns, categoryID *string, flaggedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notification_rules SET
			amount_regex = $1,
			vendor_regex = $2,
			default_category_id = COALESCE($3, default_category_id),
			flagged_count = flagged_count + 1,
			last_flagged_at = $4,
			updated_at = $4
		WHERE id = $5`,
		p.AmountPattern, p.VendorPattern, categoryID, flaggedAt.UTC(), id,
	)
	if err != nil {
		return sqlutil.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNotFound
	}
	return nil
}

// CategoriesMatching returns categories whose name contains name, ignoring case.
func (s *Store) CategoriesMatching(ctx context.Context, name string) ([]api.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM categories
		WHERE name ILIKE $1 ORDER BY name`, sqlutil.ContainsPattern(name))
	if err != nil {
		return nil, sqlutil.MapError(err)
	}

	cats, err := pgx.CollectRows(rows, pgx.RowToStructByPos[api.Category])
	if err != nil {
		return nil, sqlutil.MapError(err)
	}
	return cats, nil
}

// UpsertCategory inserts or renames a category.
func (s *Store) UpsertCategory(ctx context.Context, c api.Category) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, c.ID, c.Name)
	return sqlutil.MapError(err)
}

// InsertFlagReport persists a flag report.
func (s *Store) InsertFlagReport(ctx context.Context, f *api.FlagReport) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO flag_reports
		(id, user_id, notification_rule_id, raw_notification, expected_vendor, expected_amount, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.UserID, f.RuleID, f.RawNotification,
		f.ExpectedVendor, f.ExpectedAmount, f.Resolved, f.CreatedAt,
	)
	return sqlutil.MapError(err)
}

// CountFlagReportsSince counts a user's flag reports created at or after since.
func (s *Store) CountFlagReportsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM flag_reports WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, sqlutil.MapError(err)
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
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.LastFlaggedAt != nil {
		t := r.LastFlaggedAt.UTC()
		r.LastFlaggedAt = &t
	}
	return &r, nil
}
