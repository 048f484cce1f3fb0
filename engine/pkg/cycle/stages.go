package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poolkeeper/sbi/engine/pkg/chain"
	"github.com/poolkeeper/sbi/engine/pkg/earnings"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/store"
)

// sync merges new stake changes into the ledger and writes the reward summary for the most
// recent earnings window.
func (r *Runner) sync(ctx context.Context, log *slog.Logger, cursor int64, rep *Report) error {
	g, err := r.cfg.Source.Globals(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain globals: %w", err)
	}
	rate := g.VestsToHive()
	if rate <= 0 {
		return errors.New("chain globals returned no vesting conversion rate")
	}

	h, err := r.cfg.Store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	from := cursor + 1
	switch {
	case r.cfg.Rebuild:
		log.Info("cycle: rebuilding ledger from the first event")
		h, from = nil, 0
	case len(h) == 0 && cursor > store.NoCursor:
		log.Warn("cycle: ledger is empty but checkpoint is set, rebuilding from the first event", "cursor", cursor)
		from = 0
	}

	latest, err := r.cfg.Source.LatestEventIndex(ctx, r.cfg.EventAccount)
	if err != nil {
		return fmt.Errorf("failed to get latest event index: %w", err)
	}
	rep.LatestIndex = latest

	var changes []ledger.StakeChangeEvent
	for start := from; start <= latest; {
		count := int64(r.cfg.BatchSize)
		if remaining := latest - start + 1; remaining < count {
			count = remaining
		}
		events, err := r.cfg.Source.EventRange(ctx, r.cfg.EventAccount, start, int(count))
		if err != nil {
			return fmt.Errorf("failed to get events [%d, %d): %w", start, start+count, err)
		}
		changes = append(changes, chain.StakeChanges(events, r.cfg.Account)...)
		log.Debug("cycle: fetched events", "start", start, "count", len(events))
		start += count
	}

	before := h.Len()
	h = ledger.Merge(h, changes, rate)
	rep.EventsMerged = h.Len() - before
	metrics.EventsMergedTotal.Add(float64(rep.EventsMerged))
	if err := r.cfg.Store.SaveHistory(ctx, h); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	log.Info("cycle: ledger synced", "from", from, "latest", latest, "stake_changes", len(changes),
		"merged", rep.EventsMerged, "contributors", len(h))

	now := r.cfg.Clock.Now()
	eligible := r.calculator.Compute(h, now)
	stakes := make(map[string]float64, len(eligible))
	for id, vests := range eligible {
		stakes[id] = vests * rate
	}

	loc := r.cfg.Pool.Location()
	start, end := earnings.Window(now, loc, *r.cfg.Pool.WindowHour)
	claims, err := r.cfg.Claims.Collect(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to collect claims: %w", err)
	}
	total := earnings.Windowed(claims, start, end, rate)

	sum := reward.Summarize(reward.SummarizeInput{
		Date:          end.In(loc).Format(ledger.DateLayout),
		WindowStart:   start,
		WindowEnd:     end,
		Stakes:        stakes,
		TotalEarnings: total,
		Fraction:      *r.cfg.Pool.DistributionFraction,
		Policy:        *r.cfg.Pool.MultiplierPolicy,
		SourceIndex:   latest,
	})
	if err := r.cfg.Store.SaveSummary(ctx, &sum); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	rep.Summary = &sum
	metrics.EligibleContributors.Set(float64(len(sum.Contributors)))
	metrics.DistributableEarnings.Set(sum.DistributableEarnings)
	log.Info("cycle: summary written", "date", sum.Date, "eligible", len(sum.Contributors),
		"total_stake", sum.TotalEligibleStake, "earnings", sum.TotalEarnings,
		"distributable", sum.DistributableEarnings, "multiplier", sum.Multiplier)
	return nil
}

// accrue credits the stored summary into balances. It returns the event index the summary was
// computed from, which becomes the checkpoint once the cycle succeeds.
func (r *Runner) accrue(ctx context.Context, log *slog.Logger, rep *Report) (int64, error) {
	sum, err := r.cfg.Store.LoadSummary(ctx)
	if err != nil {
		return store.NoCursor, fmt.Errorf("failed to load summary: %w", err)
	}
	rep.Summary = sum

	if sum.Empty() {
		log.Info("cycle: nothing to distribute", "date", sum.Date, "eligible", len(sum.Contributors),
			"distributable", sum.DistributableEarnings)
		return sum.SourceIndex, nil
	}

	book, err := r.cfg.Store.LoadBalances(ctx)
	if err != nil {
		return store.NoCursor, fmt.Errorf("failed to load balances: %w", err)
	}
	today := r.cfg.Clock.Now().UTC().Format(ledger.DateLayout)
	if !book.ApplySummary(sum, today) {
		log.Info("cycle: summary already accrued", "date", sum.Date)
		return sum.SourceIndex, nil
	}
	if err := r.cfg.Store.SaveBalances(ctx, book); err != nil {
		return store.NoCursor, fmt.Errorf("failed to save balances: %w", err)
	}
	rep.Accrued = true
	log.Info("cycle: balances accrued", "date", sum.Date, "contributors", len(sum.Contributors),
		"multiplier", sum.Multiplier, "outstanding", book.Outstanding())
	return sum.SourceIndex, nil
}

func (r *Runner) payout(ctx context.Context, log *slog.Logger, rep *Report) error {
	book, err := r.cfg.Store.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}

	var accounts payout.AccountReader
	if r.cfg.Broadcaster != nil {
		accounts = r.cfg.Source
	}
	exec, err := payout.NewExecutor(payout.ExecutorConfig{
		Logger:      log,
		Clock:       r.cfg.Clock,
		Sender:      r.cfg.Account,
		Recipient:   r.cfg.Pool.Recipient,
		Unit:        r.cfg.Pool.PayoutUnit,
		Excluded:    r.cfg.Exclusions,
		DryRun:      r.cfg.DryRun,
		Broadcaster: r.cfg.Broadcaster,
		Recorder:    r.cfg.Store,
		Accounts:    accounts,
	})
	if err != nil {
		return fmt.Errorf("failed to create payout executor: %w", err)
	}

	res, err := exec.Run(ctx, book)
	rep.Payouts = res
	if err != nil {
		return fmt.Errorf("failed to pay out balances: %w", err)
	}
	if !r.cfg.DryRun {
		metrics.OutstandingBalance.Set(book.Outstanding())
	}
	log.Info("cycle: payout pass finished", "sent", len(res.Entries), "amount", res.Sent(),
		"abandoned", len(res.Abandoned), "excluded", len(res.Excluded), "skipped", res.Skipped)
	return nil
}
