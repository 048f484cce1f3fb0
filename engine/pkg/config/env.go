// Package config loads the engine's environment and pool configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultAPIEndpoints is the ordered endpoint list used when SBI_API_ENDPOINTS is unset.
var DefaultAPIEndpoints = []string{
	"https://api.hive.blog",
	"https://api.deathwing.me",
	"https://anyx.io",
}

// Env is the process environment. Every field may also be set by a CLI flag.
type Env struct {
	Account       string   `env:"SBI_ACCOUNT"`
	ActiveKey     string   `env:"SBI_ACTIVE_KEY"`
	DryRun        bool     `env:"SBI_DRY_RUN"`
	Exclude       []string `env:"SBI_EXCLUDE" envSeparator:","`
	SourceAccount string   `env:"SBI_SOURCE_ACCOUNT"`
	APIEndpoints  []string `env:"SBI_API_ENDPOINTS" envSeparator:","`
	DataDir       string   `env:"SBI_DATA_DIR" envDefault:"."`
	Recipient     string   `env:"SBI_PAYOUT_RECIPIENT"`

	PostgresDSN           string `env:"POSTGRES_DSN"`
	PostgresRunMigrations bool   `env:"POSTGRES_RUN_MIGRATIONS"`

	ClickHouseAddr     string `env:"CLICKHOUSE_ADDR_TCP"`
	ClickHouseDatabase string `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	ClickHouseUsername string `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	ClickHousePassword string `env:"CLICKHOUSE_PASSWORD"`
	ClickHouseSecure   bool   `env:"CLICKHOUSE_SECURE"`

	SlackWebhookURL   string `env:"SLACK_WEBHOOK_URL"`
	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"production"`

	SnapshotBucket string `env:"SNAPSHOT_S3_BUCKET"`
	SnapshotPrefix string `env:"SNAPSHOT_S3_PREFIX"`
}

// LoadEnv reads the optional dotenv files, then parses the environment. Variables already set
// in the environment win over dotenv values.
func LoadEnv(dotenvFiles ...string) (*Env, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}
	e.Exclude = cleanList(e.Exclude)
	e.APIEndpoints = cleanList(e.APIEndpoints)
	if len(e.APIEndpoints) == 0 {
		e.APIEndpoints = append([]string(nil), DefaultAPIEndpoints...)
	}
	return &e, nil
}

// Validate checks the fields every stage needs.
func (e *Env) Validate() error {
	if e.Account == "" {
		return errors.New("SBI_ACCOUNT is required")
	}
	if len(e.APIEndpoints) == 0 {
		return errors.New("at least one API endpoint is required")
	}
	for _, ep := range e.APIEndpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid API endpoint %q", ep)
		}
	}
	return nil
}

// EventAccount returns the account whose history is scanned for delegations.
func (e *Env) EventAccount() string {
	if e.SourceAccount != "" {
		return e.SourceAccount
	}
	return e.Account
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
