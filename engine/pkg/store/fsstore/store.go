// Package fsstore stores engine state as JSON documents in a directory.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/store"
	"golang.org/x/sys/unix"
)

const (
	HistoryFile  = "delegation_history.json"
	BalancesFile = "delegator_balances.json"
	LogFile      = "sbi_log.json"
	SummaryFile  = "payout_summary.json"
	CursorFile   = "sync_cursor.json"
	LockFile     = ".lock"
)

type StoreConfig struct {
	Logger    *slog.Logger
	Dir       string
	Clock     clockwork.Clock
	OnCorrupt store.CorruptHandler
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
	mu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.cfg.Dir, name)
}

// Lock takes an exclusive flock on the lock file. The kernel releases it when the holding
// process exits, so the file itself may outlive a crashed run.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	p := s.path(LockFile)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is held", store.ErrLocked, p)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", p, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	s.log.Debug("fsstore: lock acquired", "path", p)
	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			s.log.Error("fsstore: failed to release lock", "path", p, "error", err)
		}
		_ = f.Close()
	}, nil
}

// readJSON decodes the named document into v. It reports false when the document does not exist.
func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

// writeJSON atomically replaces the named document.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.cfg.Dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	s.log.Debug("fsstore: wrote document", "document", name, "bytes", len(data))
	return nil
}

func (s *Store) corrupt(doc string, err error) {
	s.log.Warn("fsstore: document is corrupt, treating as absent", "document", doc, "error", err)
	metrics.StoreCorruptionsTotal.WithLabelValues(doc).Inc()
	if s.cfg.OnCorrupt != nil {
		s.cfg.OnCorrupt(doc, err)
	}
}

type cursorDoc struct {
	LastIndex int64     `json:"last_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var doc cursorDoc
	ok, err := s.readJSON(CursorFile, &doc)
	if err != nil {
		if !ok {
			return 0, err
		}
		s.corrupt(store.DocCursor, err)
		return store.NoCursor, nil
	}
	if !ok {
		return store.NoCursor, nil
	}
	return doc.LastIndex, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.LoadCursor(ctx)
	if err != nil {
		return err
	}
	if cursor < current {
		return fmt.Errorf("%w: %d < %d", store.ErrCursorRegression, cursor, current)
	}
	return s.writeJSON(CursorFile, cursorDoc{LastIndex: cursor, UpdatedAt: s.cfg.Clock.Now().UTC()})
}

func (s *Store) LoadHistory(ctx context.Context) (ledger.History, error) {
	var h ledger.History
	ok, err := s.readJSON(HistoryFile, &h)
	if err == nil && ok {
		err = h.Verify()
	}
	if err != nil {
		if !ok {
			return nil, err
		}
		s.corrupt(store.DocHistory, err)
		return ledger.History{}, nil
	}
	if h == nil {
		h = ledger.History{}
	}
	return h, nil
}

func (s *Store) SaveHistory(ctx context.Context, h ledger.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(HistoryFile, h)
}

// LoadSummary returns store.ErrNotFound when there is no summary and an error wrapping
// reward.ErrInvalidSummary when it cannot be parsed or fails validation.
func (s *Store) LoadSummary(ctx context.Context) (*reward.Summary, error) {
	var sum reward.Summary
	ok, err := s.readJSON(SummaryFile, &sum)
	if err != nil {
		if !ok {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", reward.ErrInvalidSummary, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", SummaryFile, store.ErrNotFound)
	}
	if err := sum.Validate(); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) SaveSummary(ctx context.Context, sum *reward.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(SummaryFile, sum)
}

func (s *Store) LoadBalances(ctx context.Context) (*balance.Book, error) {
	b := balance.NewBook()
	ok, err := s.readJSON(BalancesFile, b)
	if err != nil {
		if !ok {
			return nil, err
		}
		s.corrupt(store.DocBalances, err)
		return balance.NewBook(), nil
	}
	return b, nil
}

func (s *Store) SaveBalances(ctx context.Context, b *balance.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(BalancesFile, b)
}

func (s *Store) LoadPayoutLog(ctx context.Context) ([]payout.LogEntry, error) {
	var entries []payout.LogEntry
	ok, err := s.readJSON(LogFile, &entries)
	if err != nil {
		if !ok {
			return nil, err
		}
		s.corrupt(store.DocLog, err)
		return nil, nil
	}
	return entries, nil
}

// RecordPayout writes the book before the log. A crash between the two leaves the debit in
// place without its log line, which can under-report but never re-send.
func (s *Store) RecordPayout(ctx context.Context, b *balance.Book, entry payout.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeJSON(BalancesFile, b); err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	var entries []payout.LogEntry
	if ok, err := s.readJSON(LogFile, &entries); err != nil {
		if !ok {
			return err
		}
		s.corrupt(store.DocLog, err)
		entries = nil
	}
	entries = append(entries, entry)
	if err := s.writeJSON(LogFile, entries); err != nil {
		return fmt.Errorf("failed to append payout log: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
