// Package analytics writes payout and cycle facts to ClickHouse for dashboards. Writes are
// best-effort from the engine's point of view: callers log failures and carry on.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
	"github.com/poolkeeper/sbi/engine/pkg/clickhouse"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
)

type PayoutFact struct {
	RunID         uuid.UUID
	Date          string
	ContributorID string
	AmountSent    float64
	TxID          string
	DryRun        bool
	Timestamp     time.Time
}

type CycleFact struct {
	RunID                 uuid.UUID
	Date                  string
	Stage                 string
	Status                string
	EventsMerged          uint64
	EligibleContributors  uint32
	TotalEligibleStake    float64
	TotalEarnings         float64
	DistributableEarnings float64
	Multiplier            float64
	PayoutsSent           uint32
	PayoutsAbandoned      uint32
	StartedAt             time.Time
	FinishedAt            time.Time
}

type SinkConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *SinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

type Sink struct {
	log *slog.Logger
	cfg SinkConfig
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Sink) RecordPayouts(ctx context.Context, facts []PayoutFact) error {
	if len(facts) == 0 {
		return nil
	}
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO sbi_payouts")
	if err != nil {
		return fmt.Errorf("failed to prepare payout batch: %w", err)
	}
	defer batch.Abort()

	for _, f := range facts {
		date, err := time.Parse(ledger.DateLayout, f.Date)
		if err != nil {
			return fmt.Errorf("failed to parse payout date %q: %w", f.Date, err)
		}
		var dryRun uint8
		if f.DryRun {
			dryRun = 1
		}
		if err := batch.Append(
			f.RunID,
			date,
			f.ContributorID,
			decimal.NewFromFloat(f.AmountSent).Round(amount.Places),
			f.TxID,
			dryRun,
			f.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append payout fact: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send payout batch: %w", err)
	}
	s.log.Debug("analytics: recorded payouts", "count", len(facts))
	return nil
}

func (s *Sink) RecordCycle(ctx context.Context, f CycleFact) error {
	date, err := time.Parse(ledger.DateLayout, f.Date)
	if err != nil {
		return fmt.Errorf("failed to parse cycle date %q: %w", f.Date, err)
	}
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO sbi_cycles")
	if err != nil {
		return fmt.Errorf("failed to prepare cycle batch: %w", err)
	}
	defer batch.Abort()

	if err := batch.Append(
		f.RunID, date, f.Stage, f.Status,
		f.EventsMerged, f.EligibleContributors,
		f.TotalEligibleStake, f.TotalEarnings, f.DistributableEarnings, f.Multiplier,
		f.PayoutsSent, f.PayoutsAbandoned,
		f.StartedAt.UTC(), f.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append cycle fact: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send cycle batch: %w", err)
	}
	return nil
}

// PaidSince returns the total amount sent per contributor since the given date, excluding
// dry runs.
func (s *Sink) PaidSince(ctx context.Context, since string) (map[string]float64, error) {
	date, err := time.Parse(ledger.DateLayout, since)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date %q: %w", since, err)
	}
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT contributor_id, toFloat64(sum(amount_sent))
		FROM sbi_payouts FINAL
		WHERE date >= ? AND dry_run = 0
		GROUP BY contributor_id`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			id    string
			total float64
		)
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan payout total: %w", err)
		}
		out[id] = amount.Round(total, amount.Places)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payouts: %w", err)
	}
	return out, nil
}
