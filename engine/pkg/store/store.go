// Package store defines the persistence contract of the engine. Implementations live in
// fsstore (JSON documents on disk) and pgstore (PostgreSQL).
package store

import (
	"context"
	"errors"

	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
)

// NoCursor is the cursor value before any event has been processed.
const NoCursor int64 = -1

var (
	// ErrNotFound is returned by LoadSummary when no summary has been written.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned by Lock when another process holds the store.
	ErrLocked = errors.New("store is locked by another process")
	// ErrCursorRegression is returned by SaveCursor when the new cursor is below the stored one.
	ErrCursorRegression = errors.New("cursor must not decrease")
)

// Document names, used in logs, metrics and corruption callbacks.
const (
	DocHistory  = "delegation_history"
	DocBalances = "delegator_balances"
	DocLog      = "sbi_log"
	DocSummary  = "payout_summary"
	DocCursor   = "sync_cursor"
)

// CorruptHandler is called when a persisted document cannot be parsed and is treated as absent.
type CorruptHandler func(document string, err error)

// Store persists everything a cycle reads and writes.
//
// A document that fails to parse is reported to the CorruptHandler and loaded as empty, with the
// exception of the summary, whose parse and validation errors are returned.
type Store interface {
	// Lock takes the single-writer lock for the store. The returned function releases it.
	Lock(ctx context.Context) (func(), error)

	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error

	LoadHistory(ctx context.Context) (ledger.History, error)
	SaveHistory(ctx context.Context, h ledger.History) error

	LoadSummary(ctx context.Context) (*reward.Summary, error)
	SaveSummary(ctx context.Context, s *reward.Summary) error

	LoadBalances(ctx context.Context) (*balance.Book, error)
	SaveBalances(ctx context.Context, b *balance.Book) error

	LoadPayoutLog(ctx context.Context) ([]payout.LogEntry, error)
	// RecordPayout persists a debited book together with its log entry.
	RecordPayout(ctx context.Context, b *balance.Book, entry payout.LogEntry) error

	Close() error
}
