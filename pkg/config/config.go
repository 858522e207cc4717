// Package config loads autodetect settings from the environment and an
// optional JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Default file locations.
const (
	ClientSecretFile = "data/client_secret.json"
	TokenFile        = "data/token.json"
)

// Plugin names accepted by AUTODETECT_SOURCE, AUTODETECT_SINK and AUTODETECT_STORE.
var (
	Sources = []string{"gmail", "kafka", "mbox", "stdin", "webhook"}
	Sinks   = []string{"json", "sheets"}
	Stores  = []string{"sqlite", "postgres"}
)

// Config holds the application configuration. Each field is set from the
// environment variable named in its koanf tag.
type Config struct {
	// Source selects the event source plugin.
	Source string `koanf:"AUTODETECT_SOURCE"`
	// Sink selects the transaction sink plugin.
	Sink string `koanf:"AUTODETECT_SINK"`
	// Store selects the rule store backend.
	Store string `koanf:"AUTODETECT_STORE"`

	// UserID and UserName identify the session detections are recorded under.
	UserID   string `koanf:"AUTODETECT_USER_ID"`
	UserName string `koanf:"AUTODETECT_USER_NAME"`

	RuleTimeout     time.Duration `koanf:"AUTODETECT_RULE_TIMEOUT"`
	FlagDailyLimit  int           `koanf:"FLAG_DAILY_LIMIT"`
	FlagWeeklyLimit int           `koanf:"FLAG_WEEKLY_LIMIT"`

	// HTTPAddr is where the flag and webhook API listens. Empty disables it
	// unless the webhook source is selected.
	HTTPAddr string `koanf:"HTTP_ADDR"`

	ClientSecretFile string `koanf:"GOOGLE_CLIENT_SECRET_FILE"`
	TokenFile        string `koanf:"GOOGLE_TOKEN_FILE"`

	LogLevel  string `koanf:"LOG_LEVEL"`
	LogFormat string `koanf:"LOG_FORMAT"`

	Gemini   GeminiConfig   `koanf:",squash"`
	Postgres PostgresConfig `koanf:",squash"`
	SQLite   SQLiteConfig   `koanf:",squash"`
	Kafka    KafkaConfig    `koanf:",squash"`
	Gmail    GmailConfig    `koanf:",squash"`
	Mbox     MboxConfig     `koanf:",squash"`
	JSON     JSONSinkConfig `koanf:",squash"`
	Sheets   SheetsConfig   `koanf:",squash"`
}

// GeminiConfig configures the rule generator.
type GeminiConfig struct {
	APIKey  string        `koanf:"GEMINI_API_KEY"`
	Model   string        `koanf:"GEMINI_MODEL"`
	BaseURL string        `koanf:"GEMINI_BASE_URL"`
	Timeout time.Duration `koanf:"GEMINI_TIMEOUT"`
	Retries uint          `koanf:"GEMINI_RETRIES"`
}

// PostgresConfig configures the PostgreSQL rule store.
type PostgresConfig struct {
	Host        string `koanf:"POSTGRES_HOST"`
	Port        int    `koanf:"POSTGRES_PORT"`
	Database    string `koanf:"POSTGRES_DB"`
	User        string `koanf:"POSTGRES_USER"`
	Password    string `koanf:"POSTGRES_PASSWORD"`
	SSLMode     string `koanf:"POSTGRES_SSLMODE"`
	MaxPoolSize int    `koanf:"POSTGRES_MAX_POOL_SIZE"`
}

// SQLiteConfig configures the SQLite rule store.
type SQLiteConfig struct {
	Path string `koanf:"SQLITE_PATH"`
}

// KafkaConfig configures the Kafka event source.
type KafkaConfig struct {
	Brokers []string `koanf:"KAFKA_BROKERS"`
	Topic   string   `koanf:"KAFKA_TOPIC"`
	GroupID string   `koanf:"KAFKA_GROUP_ID"`
}

// BankQuery is one bank the Gmail source watches.
type BankQuery struct {
	AppID string `koanf:"app_id" json:"app_id"`
	Name  string `koanf:"name" json:"name"`
	Query string `koanf:"query" json:"query"`
}

// GmailConfig configures the Gmail event source.
type GmailConfig struct {
	// Banks is set from GMAIL_BANKS, a JSON array in the environment or an
	// array in the config file.
	Banks    []BankQuery   `koanf:"GMAIL_BANKS"`
	Interval time.Duration `koanf:"GMAIL_INTERVAL"`
}

// MboxConfig configures the mbox replay source.
type MboxConfig struct {
	Path     string `koanf:"MBOX_PATH"`
	BankID   string `koanf:"MBOX_BANK_APP_ID"`
	BankName string `koanf:"MBOX_BANK_NAME"`
}

// JSONSinkConfig configures the JSON file sink.
type JSONSinkConfig struct {
	OutputPath    string        `koanf:"JSON_OUTPUT_PATH"`
	BatchSize     int           `koanf:"SINK_BATCH_SIZE"`
	FlushInterval time.Duration `koanf:"SINK_FLUSH_INTERVAL"`
}

// SheetsConfig configures the Google Sheets sink.
type SheetsConfig struct {
	Title string `koanf:"GSHEETS_TITLE"`
	ID    string `koanf:"GSHEETS_ID"`
	Name  string `koanf:"GSHEETS_NAME"`
}

// Default returns the configuration used for any unset value.
func Default() Config {
	return Config{
		Source:           "stdin",
		Sink:             "json",
		Store:            "sqlite",
		RuleTimeout:      15 * time.Second,
		FlagDailyLimit:   1,
		FlagWeeklyLimit:  5,
		ClientSecretFile: ClientSecretFile,
		TokenFile:        TokenFile,
		LogLevel:         "INFO",
		LogFormat:        "text",
		Gemini:           GeminiConfig{Timeout: 8 * time.Second},
		Postgres:         PostgresConfig{Port: 5432, SSLMode: "disable", MaxPoolSize: 10},
		SQLite:           SQLiteConfig{Path: "data/autodetect.db"},
		Kafka:            KafkaConfig{GroupID: "autodetect"},
		Gmail:            GmailConfig{Interval: 30 * time.Second},
		JSON:             JSONSinkConfig{OutputPath: "data/transactions.json", BatchSize: 10, FlushInterval: 30 * time.Second},
		Sheets:           SheetsConfig{Name: "Transactions"},
	}
}

// Load reads the JSON file at path (if non-empty) and then the environment,
// which takes precedence, on top of Default.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}

	var banks []BankQuery
	if raw, ok := k.Get("GMAIL_BANKS").(string); ok {
		if err := json.Unmarshal([]byte(raw), &banks); err != nil {
			return Config{}, fmt.Errorf("parsing GMAIL_BANKS: %w", err)
		}
		k.Delete("GMAIL_BANKS")
	}

	var brokers []string
	if raw, ok := k.Get("KAFKA_BROKERS").(string); ok {
		for b := range strings.SplitSeq(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		k.Delete("KAFKA_BROKERS")
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if banks != nil {
		cfg.Gmail.Banks = banks
	}
	if brokers != nil {
		cfg.Kafka.Brokers = brokers
	}

	return cfg, nil
}

// Validate checks that the selected plugins have what they need.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(Sources, c.Source) {
		errs = append(errs, fmt.Errorf("AUTODETECT_SOURCE %q must be one of %v", c.Source, Sources))
	}
	if !slices.Contains(Sinks, c.Sink) {
		errs = append(errs, fmt.Errorf("AUTODETECT_SINK %q must be one of %v", c.Sink, Sinks))
	}
	if !slices.Contains(Stores, c.Store) {
		errs = append(errs, fmt.Errorf("AUTODETECT_STORE %q must be one of %v", c.Store, Stores))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("AUTODETECT_USER_ID is required"))
	}
	if c.FlagDailyLimit < 1 || c.FlagWeeklyLimit < 1 {
		errs = append(errs, errors.New("FLAG_DAILY_LIMIT and FLAG_WEEKLY_LIMIT must be positive"))
	}

	switch c.Store {
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			errs = append(errs, errors.New("POSTGRES_HOST and POSTGRES_DB are required for the postgres store"))
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	}

	switch c.Source {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for the kafka source"))
		}
	case "gmail":
		if len(c.Gmail.Banks) == 0 {
			errs = append(errs, errors.New("GMAIL_BANKS is required for the gmail source"))
		}
	case "mbox":
		if c.Mbox.Path == "" || c.Mbox.BankID == "" {
			errs = append(errs, errors.New("MBOX_PATH and MBOX_BANK_APP_ID are required for the mbox source"))
		}
	case "webhook":
		if c.HTTPAddr == "" {
			errs = append(errs, errors.New("HTTP_ADDR is required for the webhook source"))
		}
	}

	switch c.Sink {
	case "json":
		if c.JSON.OutputPath == "" {
			errs = append(errs, errors.New("JSON_OUTPUT_PATH is required for the json sink"))
		}
	case "sheets":
		if c.Sheets.Name == "" {
			errs = append(errs, errors.New("GSHEETS_NAME is required for the sheets sink"))
		}
		if c.Sheets.ID == "" && c.Sheets.Title == "" {
			errs = append(errs, errors.New("either GSHEETS_ID or GSHEETS_TITLE is required for the sheets sink"))
		}
	}

	return errors.Join(errs...)
}

// NeedsGoogle reports whether the configuration uses a Google API.
func (c Config) NeedsGoogle() bool {
	return c.Source == "gmail" || c.Sink == "sheets"
}
