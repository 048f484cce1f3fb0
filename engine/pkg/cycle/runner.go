// Package cycle runs the engine end to end: sync the delegation ledger, compute the reward
// summary, accrue it into balances and pay balances out.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/poolkeeper/sbi/engine/pkg/analytics"
	"github.com/poolkeeper/sbi/engine/pkg/chain"
	"github.com/poolkeeper/sbi/engine/pkg/config"
	"github.com/poolkeeper/sbi/engine/pkg/earnings"
	"github.com/poolkeeper/sbi/engine/pkg/eligibility"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/notify"
	"github.com/poolkeeper/sbi/engine/pkg/snapshot"
	"github.com/poolkeeper/sbi/engine/pkg/store"
)

type Stage string

const (
	StageAll    Stage = "all"
	StageSync   Stage = "sync"
	StageAccrue Stage = "accrue"
	StagePayout Stage = "payout"
)

func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageAll, StageSync, StageAccrue, StagePayout:
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q (want all, sync, accrue or payout)", s)
}

func (s Stage) includes(other Stage) bool {
	return s == StageAll || s == other
}

// ClaimCollector returns the pool's reward claims made at or after since.
type ClaimCollector interface {
	Collect(ctx context.Context, since time.Time) ([]chain.Claim, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

type Alerter interface {
	Alert(err error, tags map[string]string)
}

type AnalyticsSink interface {
	RecordPayouts(ctx context.Context, facts []analytics.PayoutFact) error
	RecordCycle(ctx context.Context, fact analytics.CycleFact) error
}

type SnapshotPublisher interface {
	Publish(ctx context.Context, snap snapshot.Snapshot) error
}

type RunnerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Source chain.Source
	// Broadcaster sends payouts. Nil means no signing credential is configured.
	Broadcaster chain.Broadcaster

	// Account is the pool account: delegation target, claim maker and payout sender.
	Account string
	// EventAccount is the account whose history is scanned. Defaults to Account.
	EventAccount string

	Pool       *config.Pool
	Exclusions map[string]struct{}
	DryRun     bool
	// Rebuild discards the stored ledger and replays history from the first event.
	Rebuild   bool
	BatchSize int

	Claims ClaimCollector

	Notifier  Notifier
	Alerter   Alerter
	Analytics AnalyticsSink
	Snapshots SnapshotPublisher
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Account == "" {
		return errors.New("account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.EventAccount == "" {
		cfg.EventAccount = cfg.Account
	}
	if cfg.Pool == nil {
		cfg.Pool = &config.Pool{}
	}
	if err := cfg.Pool.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.Exclusions == nil {
		cfg.Exclusions = config.Exclusions(cfg.Pool.ExcludedFromSBI)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > chain.MaxHistoryBatch {
		cfg.BatchSize = chain.MaxHistoryBatch
	}
	if cfg.Claims == nil {
		collector, err := earnings.NewCollector(earnings.CollectorConfig{
			Logger:    cfg.Logger,
			Source:    cfg.Source,
			Account:   cfg.Account,
			BatchSize: cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create claim collector: %w", err)
		}
		cfg.Claims = collector
	}
	return nil
}

type Runner struct {
	log        *slog.Logger
	cfg        RunnerConfig
	calculator *eligibility.Calculator

	mu        sync.Mutex
	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calc, err := eligibility.NewCalculator(eligibility.CalculatorConfig{
		Logger: cfg.Logger,
		Window: cfg.Pool.EligibilityWindow(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eligibility calculator: %w", err)
	}
	return &Runner{
		log:        cfg.Logger,
		cfg:        cfg,
		calculator: calc,
		readyCh:    make(chan struct{}),
	}, nil
}

// Ready reports whether a cycle has completed successfully.
func (r *Runner) Ready() bool {
	select {
	case <-r.readyCh:
		return true
	default:
		return false
	}
}

// Run executes one cycle of the given stage under the store lock. The sync checkpoint is only
// advanced once every included stage has succeeded.
func (r *Runner) Run(ctx context.Context, stage Stage) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := &Report{
		RunID:     uuid.New(),
		Stage:     stage,
		DryRun:    r.cfg.DryRun,
		StartedAt: r.cfg.Clock.Now().UTC(),
		Cursor:    store.NoCursor,
	}
	log := r.log.With("run_id", rep.RunID.String(), "stage", string(stage))

	err := r.run(ctx, log, stage, rep)
	rep.FinishedAt = r.cfg.Clock.Now().UTC()
	rep.Err = err

	status := "success"
	if err != nil {
		status = "error"
		log.Error("cycle: failed", "error", err, "duration", rep.FinishedAt.Sub(rep.StartedAt).String())
		if r.cfg.Alerter != nil && !errors.Is(err, context.Canceled) {
			r.cfg.Alerter.Alert(err, map[string]string{"stage": string(stage), "run_id": rep.RunID.String()})
		}
	} else {
		log.Info("cycle: completed", "duration", rep.FinishedAt.Sub(rep.StartedAt).String(),
			"events_merged", rep.EventsMerged, "payouts", rep.PayoutsSent())
		r.readyOnce.Do(func() { close(r.readyCh) })
	}
	metrics.CycleRunsTotal.WithLabelValues(string(stage), status).Inc()

	r.afterRun(ctx, log, rep)
	return rep, err
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, stage Stage, rep *Report) error {
	unlock, err := r.cfg.Store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cursor, err := r.cfg.Store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	rep.Cursor = cursor
	rep.NewCursor = cursor

	if stage.includes(StageSync) {
		if err := r.timed(StageSync, func() error { return r.sync(ctx, log, cursor, rep) }); err != nil {
			return err
		}
	}

	var checkpoint *int64
	if stage.includes(StageAccrue) {
		err := r.timed(StageAccrue, func() error {
			idx, err := r.accrue(ctx, log, rep)
			checkpoint = &idx
			return err
		})
		if err != nil {
			return err
		}
	}

	if stage.includes(StagePayout) {
		if err := r.timed(StagePayout, func() error { return r.payout(ctx, log, rep) }); err != nil {
			return err
		}
	}

	if checkpoint != nil && *checkpoint > cursor {
		if err := r.cfg.Store.SaveCursor(ctx, *checkpoint); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		rep.NewCursor = *checkpoint
		metrics.SyncCursor.Set(float64(*checkpoint))
		log.Info("cycle: checkpoint advanced", "from", cursor, "to", *checkpoint)
	}
	return nil
}

func (r *Runner) timed(stage Stage, fn func() error) error {
	start := r.cfg.Clock.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(r.cfg.Clock.Since(start).Seconds())
	return err
}

// Verify loads the stored ledger and checks that every contributor's deltas replay to the
// recorded totals.
func (r *Runner) Verify(ctx context.Context) error {
	h, err := r.cfg.Store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if err := h.Verify(); err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	r.log.Info("cycle: ledger verified", "contributors", len(h), "entries", h.Len(),
		"total_stake", h.TotalStake())
	return nil
}
