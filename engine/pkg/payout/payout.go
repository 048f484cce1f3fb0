// Package payout drains contributor balances in fixed-size transfers.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/chain"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
)

const (
	DefaultUnit      = 1.0
	DefaultRecipient = "steembasicincome"
	DryRunTxID       = "dry-run"

	DefaultUnitTimeout = 2 * time.Minute
)

// ErrNoCredential is returned for every send when no signing credential is configured.
var ErrNoCredential = errors.New("no signing credential configured")

// balanceTolerance absorbs float noise when comparing a rounded balance against the unit.
const balanceTolerance = 1e-9

// LogEntry records one confirmed transfer.
type LogEntry struct {
	Date          string    `json:"date"`
	ContributorID string    `json:"contributor_id"`
	AmountSent    float64   `json:"amount_sent"`
	TxID          string    `json:"tx_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Memo returns the transfer memo crediting beneficiary on behalf of sender.
func Memo(sender, beneficiary string) string {
	return fmt.Sprintf("@%s from @%s", beneficiary, sender)
}

// Recorder persists a confirmed payout: the debited book and the new log entry. It must not
// return until both are durable.
type Recorder interface {
	RecordPayout(ctx context.Context, book *balance.Book, entry LogEntry) error
}

// AccountReader reads the sender's on-chain state for the pre-flight balance check.
type AccountReader interface {
	AccountInfo(ctx context.Context, account string) (*chain.Account, error)
}

type ExecutorConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Sender    string
	Recipient string
	Unit      float64
	Excluded  map[string]struct{}
	DryRun    bool

	// Broadcaster sends transfers. When nil every send fails with ErrNoCredential.
	Broadcaster chain.Broadcaster
	Recorder    Recorder
	// Accounts is optional; when set the sender's liquid balance is checked before the pass.
	Accounts AccountReader
	// UnitTimeout bounds the send and record of one unit. A unit that has started is not
	// interrupted by cancellation of the pass.
	UnitTimeout time.Duration
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sender == "" {
		return errors.New("sender is required")
	}
	if cfg.Recorder == nil && !cfg.DryRun {
		return errors.New("recorder is required")
	}
	if cfg.Unit < 0 {
		return errors.New("unit must be positive")
	}
	if cfg.Unit == 0 {
		cfg.Unit = DefaultUnit
	}
	if cfg.Recipient == "" {
		cfg.Recipient = DefaultRecipient
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = DefaultUnitTimeout
	}
	return nil
}

// Result describes one payout pass.
type Result struct {
	Entries   []LogEntry
	Abandoned []string
	Excluded  []string
	// Skipped is set when the pre-flight check stopped the pass before any send.
	Skipped bool
}

// Sent returns the total amount transferred in the pass.
func (r *Result) Sent() float64 {
	var total float64
	for _, e := range r.Entries {
		total += e.AmountSent
	}
	return total
}

type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Run pays out every non-excluded contributor whose balance is at least one unit, one unit per
// transfer, in ID order. Each confirmed transfer is debited and recorded before the next is
// attempted. A contributor whose transfer fails is left for the next pass. A recording failure
// stops the pass with an error. Cancelling ctx stops the pass before the next unit.
//
// In dry-run mode transfers are simulated and nothing is recorded; book is left unchanged.
func (e *Executor) Run(ctx context.Context, book *balance.Book) (*Result, error) {
	res := &Result{}
	unit := e.cfg.Unit
	if e.cfg.DryRun {
		book = book.Clone()
	}

	if skip, err := e.preflight(ctx); err != nil {
		return res, err
	} else if skip {
		res.Skipped = true
		return res, nil
	}

	for _, id := range book.IDs() {
		if book.Accounts[id].Balance+balanceTolerance < unit {
			continue
		}
		if _, excluded := e.cfg.Excluded[id]; excluded {
			e.log.Debug("payout: skipping excluded contributor", "contributor", id, "balance", book.Accounts[id].Balance)
			res.Excluded = append(res.Excluded, id)
			metrics.PayoutsTotal.WithLabelValues("excluded").Inc()
			continue
		}

		for book.Accounts[id].Balance+balanceTolerance >= unit {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			// Cancellation is only honoured between units: a confirmed transfer is always recorded.
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.UnitTimeout)
			txID, err := e.send(uctx, id)
			if err != nil {
				cancel()
				e.log.Error("payout: transfer failed, abandoning contributor for this cycle",
					"contributor", id, "balance", book.Accounts[id].Balance, "error", err)
				res.Abandoned = append(res.Abandoned, id)
				metrics.PayoutsTotal.WithLabelValues("abandoned").Inc()
				break
			}

			now := e.cfg.Clock.Now().UTC()
			today := now.Format(ledger.DateLayout)
			if err := book.Debit(id, unit, today); err != nil {
				cancel()
				return res, err
			}
			entry := LogEntry{Date: today, ContributorID: id, AmountSent: unit, TxID: txID, Timestamp: now}
			res.Entries = append(res.Entries, entry)

			if e.cfg.DryRun {
				cancel()
				e.log.Info("payout: dry-run transfer", "contributor", id, "amount", unit, "memo", Memo(e.cfg.Sender, id))
				metrics.PayoutsTotal.WithLabelValues("dry_run").Inc()
				continue
			}
			err = e.cfg.Recorder.RecordPayout(uctx, book, entry)
			cancel()
			if err != nil {
				return res, fmt.Errorf("failed to record payout to %s (tx %s): %w", id, txID, err)
			}
			e.log.Info("payout: transfer confirmed", "contributor", id, "amount", unit, "tx", txID,
				"remaining", book.Accounts[id].Balance)
			metrics.PayoutsTotal.WithLabelValues("sent").Inc()
		}
	}
	return res, nil
}

func (e *Executor) preflight(ctx context.Context) (bool, error) {
	if e.cfg.DryRun || e.cfg.Broadcaster == nil || e.cfg.Accounts == nil {
		return false, nil
	}
	acct, err := e.cfg.Accounts.AccountInfo(ctx, e.cfg.Sender)
	if err != nil {
		return false, fmt.Errorf("failed to get sender account: %w", err)
	}
	if acct.Balance+balanceTolerance < e.cfg.Unit {
		e.log.Warn("payout: sender balance below one unit, skipping payouts",
			"sender", e.cfg.Sender, "balance", acct.Balance, "unit", e.cfg.Unit)
		return true, nil
	}
	return false, nil
}

func (e *Executor) send(ctx context.Context, id string) (string, error) {
	if e.cfg.DryRun {
		return DryRunTxID, nil
	}
	if e.cfg.Broadcaster == nil {
		return "", ErrNoCredential
	}
	txID, err := e.cfg.Broadcaster.BroadcastTransfer(ctx, e.cfg.Sender, e.cfg.Recipient, e.cfg.Unit, Memo(e.cfg.Sender, id))
	if errors.Is(err, chain.ErrNoSigningKey) {
		return "", fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	return txID, err
}
