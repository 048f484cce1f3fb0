package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/poolkeeper/sbi/engine/pkg/analytics"
	"github.com/poolkeeper/sbi/engine/pkg/notify"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/snapshot"
)

// hookTimeout bounds each best-effort call made after a cycle.
const hookTimeout = 30 * time.Second

// Report describes one cycle run.
type Report struct {
	RunID      uuid.UUID
	Stage      Stage
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time

	Cursor       int64
	NewCursor    int64
	LatestIndex  int64
	EventsMerged int
	Accrued      bool

	Summary *reward.Summary
	Payouts *payout.Result
	Err     error
}

func (r *Report) PayoutsSent() int {
	if r.Payouts == nil {
		return 0
	}
	return len(r.Payouts.Entries)
}

func (r *Report) status() string {
	if r.Err != nil {
		return "error"
	}
	return "success"
}

// Message renders the report for the operator channel.
func (r *Report) Message() notify.Message {
	msg := notify.Message{
		Title:  fmt.Sprintf("SBI cycle %s: %s", r.Stage, r.status()),
		Failed: r.Err != nil,
	}
	if r.DryRun {
		msg.Title += " (dry run)"
	}
	if r.Err != nil {
		msg.Text = r.Err.Error()
	}
	msg.Fields = append(msg.Fields,
		notify.Field{Name: "Run", Value: r.RunID.String()},
		notify.Field{Name: "Duration", Value: r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(), Short: true},
		notify.Field{Name: "Checkpoint", Value: fmt.Sprintf("%d -> %d", r.Cursor, r.NewCursor), Short: true},
	)
	if s := r.Summary; s != nil {
		msg.Fields = append(msg.Fields,
			notify.Field{Name: "Date", Value: s.Date, Short: true},
			notify.Field{Name: "Eligible", Value: strconv.Itoa(len(s.Contributors)), Short: true},
			notify.Field{Name: "Earnings", Value: formatAmount(s.TotalEarnings), Short: true},
			notify.Field{Name: "Distributable", Value: formatAmount(s.DistributableEarnings), Short: true},
			notify.Field{Name: "Multiplier", Value: strconv.FormatFloat(s.Multiplier, 'f', 4, 64), Short: true},
		)
	}
	if p := r.Payouts; p != nil {
		msg.Fields = append(msg.Fields,
			notify.Field{Name: "Payouts", Value: fmt.Sprintf("%d (%s)", len(p.Entries), formatAmount(p.Sent())), Short: true},
			notify.Field{Name: "Abandoned", Value: strconv.Itoa(len(p.Abandoned)), Short: true},
		)
		if p.Skipped {
			msg.Fields = append(msg.Fields, notify.Field{Name: "Skipped", Value: "sender balance below one unit"})
		}
	}
	return msg
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func (r *Report) cycleFact() analytics.CycleFact {
	fact := analytics.CycleFact{
		RunID:      r.RunID,
		Stage:      string(r.Stage),
		Status:     r.status(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.EventsMerged > 0 {
		fact.EventsMerged = uint64(r.EventsMerged)
	}
	if s := r.Summary; s != nil {
		fact.Date = s.Date
		fact.EligibleContributors = uint32(len(s.Contributors))
		fact.TotalEligibleStake = s.TotalEligibleStake
		fact.TotalEarnings = s.TotalEarnings
		fact.DistributableEarnings = s.DistributableEarnings
		fact.Multiplier = s.Multiplier
	}
	if p := r.Payouts; p != nil {
		fact.PayoutsSent = uint32(len(p.Entries))
		fact.PayoutsAbandoned = uint32(len(p.Abandoned))
	}
	return fact
}

func (r *Report) payoutFacts() []analytics.PayoutFact {
	if r.Payouts == nil {
		return nil
	}
	facts := make([]analytics.PayoutFact, 0, len(r.Payouts.Entries))
	for _, e := range r.Payouts.Entries {
		facts = append(facts, analytics.PayoutFact{
			RunID:         r.RunID,
			Date:          e.Date,
			ContributorID: e.ContributorID,
			AmountSent:    e.AmountSent,
			TxID:          e.TxID,
			DryRun:        r.DryRun,
			Timestamp:     e.Timestamp,
		})
	}
	return facts
}

// afterRun records analytics, publishes the dashboard snapshot and sends the report. None of
// these affect the outcome of the cycle.
func (r *Runner) afterRun(ctx context.Context, log *slog.Logger, rep *Report) {
	ctx = context.WithoutCancel(ctx)

	if r.cfg.Analytics != nil {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		if facts := rep.payoutFacts(); len(facts) > 0 {
			if err := r.cfg.Analytics.RecordPayouts(hctx, facts); err != nil {
				log.Warn("cycle: failed to record payout facts", "error", err)
			}
		}
		if err := r.cfg.Analytics.RecordCycle(hctx, rep.cycleFact()); err != nil {
			log.Warn("cycle: failed to record cycle fact", "error", err)
		}
		cancel()
	}

	if r.cfg.Snapshots != nil && rep.Err == nil && !rep.DryRun {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		if err := r.publishSnapshot(hctx, rep); err != nil {
			log.Warn("cycle: failed to publish snapshot", "error", err)
		}
		cancel()
	}

	if r.cfg.Notifier != nil {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		if err := r.cfg.Notifier.Notify(hctx, rep.Message()); err != nil {
			log.Warn("cycle: failed to send report", "error", err)
		}
		cancel()
	}
}

func (r *Runner) publishSnapshot(ctx context.Context, rep *Report) error {
	snap := snapshot.Snapshot{Summary: rep.Summary}
	if snap.Summary == nil {
		sum, err := r.cfg.Store.LoadSummary(ctx)
		if err == nil {
			snap.Summary = sum
		}
	}
	book, err := r.cfg.Store.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	snap.Balances = book
	entries, err := r.cfg.Store.LoadPayoutLog(ctx)
	if err != nil {
		return fmt.Errorf("failed to load payout log: %w", err)
	}
	snap.Payouts = entries
	return r.cfg.Snapshots.Publish(ctx, snap)
}
