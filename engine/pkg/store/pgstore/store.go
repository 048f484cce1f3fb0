// Package pgstore stores engine state in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"

	"github.com/poolkeeper/sbi/engine"
	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/store"
	"github.com/poolkeeper/sbi/utils/pkg/logger"
)

const (
	MigrationsDir = "db/postgres/migrations"

	// advisoryLockKey identifies the engine's session lock. Any constant works as long as every
	// instance agrees on it.
	advisoryLockKey int64 = 0x5b1_0001
)

type StoreConfig struct {
	Logger    *slog.Logger
	DSN       string
	Clock     clockwork.Clock
	OnCorrupt store.CorruptHandler

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration

	// RunMigrations applies pending migrations on open.
	RunMigrations bool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 30 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	cfg  StoreConfig
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		if err := Up(ctx, cfg.Logger, cfg.DSN); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("pgstore: connected to postgres",
		"host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)

	return &Store{log: cfg.Logger, cfg: cfg, pool: pool}, nil
}

// gooseMu serializes migrations; goose keeps its dialect, logger and base FS in globals.
var gooseMu sync.Mutex

// Up applies all pending migrations.
func Up(ctx context.Context, log *slog.Logger, dsn string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	log.Info("pgstore: running postgres migrations (up)")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&logger.GooseLogger{Log: log})
	goose.SetBaseFS(engine.PostgresMigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, MigrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("pgstore: postgres migrations completed")
	return nil
}

func (s *Store) corrupt(doc string, err error) {
	s.log.Warn("pgstore: document is corrupt, treating as absent", "document", doc, "error", err)
	metrics.StoreCorruptionsTotal.WithLabelValues(doc).Inc()
	if s.cfg.OnCorrupt != nil {
		s.cfg.OnCorrupt(doc, err)
	}
}

// Lock takes a session-level advisory lock on a dedicated connection held until release.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: advisory lock %d is held", store.ErrLocked, advisoryLockKey)
	}
	s.log.Debug("pgstore: lock acquired", "key", advisoryLockKey)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			s.log.Error("pgstore: failed to release lock", "error", err)
		}
		conn.Release()
	}, nil
}

func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, "SELECT last_index FROM sync_cursor WHERE id = 1").Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NoCursor, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor int64) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursor (id, last_index, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_index = EXCLUDED.last_index, updated_at = EXCLUDED.updated_at
		WHERE sync_cursor.last_index <= EXCLUDED.last_index`,
		cursor, s.cfg.Clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.LoadCursor(ctx)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %d < %d", store.ErrCursorRegression, cursor, current)
	}
	return nil
}

func (s *Store) LoadHistory(ctx context.Context) (ledger.History, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contributor_id, idx, delta, total_stake_after, derived_value, ts, date
		FROM delegation_entries
		ORDER BY contributor_id, ts, idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	h := ledger.History{}
	for rows.Next() {
		var (
			id   string
			e    ledger.Entry
			date time.Time
		)
		if err := rows.Scan(&id, &e.Index, &e.Delta, &e.TotalStakeAfter, &e.DerivedValue, &e.Timestamp, &date); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Date = date.Format(ledger.DateLayout)
		h[id] = append(h[id], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if err := h.Verify(); err != nil {
		s.corrupt(store.DocHistory, err)
		return ledger.History{}, nil
	}
	return h, nil
}

// SaveHistory replaces the stored history with h.
func (s *Store) SaveHistory(ctx context.Context, h ledger.History) error {
	rows := make([][]any, 0, h.Len())
	for _, id := range h.Contributors() {
		for _, e := range h[id] {
			date, err := time.Parse(ledger.DateLayout, e.Date)
			if err != nil {
				return fmt.Errorf("failed to parse entry date %q: %w", e.Date, err)
			}
			rows = append(rows, []any{id, e.Index, e.Delta, e.TotalStakeAfter, e.DerivedValue, e.Timestamp, date})
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM delegation_entries"); err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"delegation_entries"},
			[]string{"contributor_id", "idx", "delta", "total_stake_after", "derived_value", "ts", "date"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy history: %w", err)
		}
		s.log.Debug("pgstore: wrote history", "entries", n)
		return nil
	})
}

// LoadSummary returns store.ErrNotFound when there is no summary and an error wrapping
// reward.ErrInvalidSummary when it cannot be parsed or fails validation.
func (s *Store) LoadSummary(ctx context.Context) (*reward.Summary, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, "SELECT summary FROM payout_summary WHERE id = 1").Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payout_summary: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	var sum reward.Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("%w: %w", reward.ErrInvalidSummary, err)
	}
	if err := sum.Validate(); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) SaveSummary(ctx context.Context, sum *reward.Summary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payout_summary (id, summary, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		raw, s.cfg.Clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

func (s *Store) LoadBalances(ctx context.Context) (*balance.Book, error) {
	b := balance.NewBook()

	rows, err := s.pool.Query(ctx,
		"SELECT contributor_id, balance::float8, total_sent::float8, last_updated FROM balances")
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	for rows.Next() {
		var (
			id string
			a  balance.Account
		)
		if err := rows.Scan(&id, &a.Balance, &a.TotalSent, &a.LastUpdated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		b.Accounts[id] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read balances: %w", err)
	}

	metaRows, err := s.pool.Query(ctx, "SELECT key, value FROM balance_meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query balance meta: %w", err)
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var (
			key string
			raw []byte
		)
		if err := metaRows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan balance meta row: %w", err)
		}
		b.Meta[key] = raw
	}
	if err := metaRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read balance meta: %w", err)
	}

	if err := b.Validate(); err != nil {
		s.corrupt(store.DocBalances, err)
		return balance.NewBook(), nil
	}
	return b, nil
}

func (s *Store) SaveBalances(ctx context.Context, b *balance.Book) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM balances"); err != nil {
			return fmt.Errorf("failed to clear balances: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM balance_meta"); err != nil {
			return fmt.Errorf("failed to clear balance meta: %w", err)
		}
		batch := &pgx.Batch{}
		for _, id := range b.IDs() {
			queueUpsertAccount(batch, id, b.Accounts[id])
		}
		for key, raw := range b.Meta {
			batch.Queue("INSERT INTO balance_meta (key, value) VALUES ($1, $2)", key, []byte(raw))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write balances: %w", err)
		}
		return nil
	})
}

func queueUpsertAccount(batch *pgx.Batch, id string, a balance.Account) {
	batch.Queue(`
		INSERT INTO balances (contributor_id, balance, total_sent, last_updated)
		VALUES ($1, $2::float8::numeric, $3::float8::numeric, $4)
		ON CONFLICT (contributor_id) DO UPDATE SET
			balance = EXCLUDED.balance, total_sent = EXCLUDED.total_sent, last_updated = EXCLUDED.last_updated`,
		id, a.Balance, a.TotalSent, a.LastUpdated)
}

func (s *Store) LoadPayoutLog(ctx context.Context) ([]payout.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT date, contributor_id, amount_sent::float8, tx_id, ts FROM payout_log ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query payout log: %w", err)
	}
	defer rows.Close()

	var entries []payout.LogEntry
	for rows.Next() {
		var (
			e    payout.LogEntry
			date time.Time
		)
		if err := rows.Scan(&date, &e.ContributorID, &e.AmountSent, &e.TxID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan payout log row: %w", err)
		}
		e.Date = date.Format(ledger.DateLayout)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payout log: %w", err)
	}
	return entries, nil
}

// RecordPayout writes the debited account and its log entry in one transaction.
func (s *Store) RecordPayout(ctx context.Context, b *balance.Book, entry payout.LogEntry) error {
	a, ok := b.Accounts[entry.ContributorID]
	if !ok {
		return fmt.Errorf("contributor %s is not in the book", entry.ContributorID)
	}
	date, err := time.Parse(ledger.DateLayout, entry.Date)
	if err != nil {
		return fmt.Errorf("failed to parse payout date %q: %w", entry.Date, err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queueUpsertAccount(batch, entry.ContributorID, a)
		batch.Queue(`
			INSERT INTO payout_log (date, contributor_id, amount_sent, tx_id, ts)
			VALUES ($1, $2, $3::float8::numeric, $4, $5)`,
			date, entry.ContributorID, entry.AmountSent, entry.TxID, entry.Timestamp)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to record payout: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
