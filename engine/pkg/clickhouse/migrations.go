package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/poolkeeper/sbi/engine"
	"github.com/poolkeeper/sbi/utils/pkg/logger"
)

const MigrationsDir = "db/clickhouse/migrations"

var gooseMu sync.Mutex

func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("clickhouse: creating database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}

// Up runs all pending migrations against the database named in cfg.
func Up(ctx context.Context, cfg ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := cfg.Logger

	gooseMu.Lock()
	defer gooseMu.Unlock()

	log.Info("clickhouse: running migrations (up)", "database", cfg.Database)

	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	goose.SetLogger(&logger.GooseLogger{Log: log})
	goose.SetBaseFS(engine.ClickHouseMigrationsFS)

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, MigrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("clickhouse: migrations completed")
	return nil
}
