// Package earnings sums the reward claims made by the pool account over a daily window.
package earnings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
	"github.com/poolkeeper/sbi/engine/pkg/chain"
)

const (
	DefaultTimezone   = "Asia/Seoul"
	DefaultWindowHour = 8
)

// Window returns the most recent full day ending at hour:00 in loc, as [start, end) in UTC.
func Window(now time.Time, loc *time.Location, hour int) (time.Time, time.Time) {
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if end.After(local) {
		end = end.AddDate(0, 0, -1)
	}
	start := end.AddDate(0, 0, -1)
	return start.UTC(), end.UTC()
}

// Windowed returns the claimed earnings with timestamps in [start, end), in liquid units.
// Vesting rewards are converted with rate; HBD rewards are not counted.
func Windowed(claims []chain.Claim, start, end time.Time, rate float64) float64 {
	var total float64
	for _, c := range claims {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		total += c.RewardVests*rate + c.RewardHive
	}
	return amount.Round(total, amount.Places)
}

type CollectorConfig struct {
	Logger    *slog.Logger
	Source    chain.Source
	Account   string
	BatchSize int
}

func (cfg *CollectorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Account == "" {
		return errors.New("account is required")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > chain.MaxHistoryBatch {
		cfg.BatchSize = chain.MaxHistoryBatch
	}
	return nil
}

// Collector reads the pool's recent claims directly from account history, independent of the
// sync cursor.
type Collector struct {
	log *slog.Logger
	cfg CollectorConfig
}

func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{log: cfg.Logger, cfg: cfg}, nil
}

// Collect pages history backwards from the latest event until it passes since and returns the
// claims found, oldest first.
func (c *Collector) Collect(ctx context.Context, since time.Time) ([]chain.Claim, error) {
	latest, err := c.cfg.Source.LatestEventIndex(ctx, c.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event index: %w", err)
	}

	var pages [][]chain.Claim
	pagesRead := 0
	for end := latest; end >= 0; {
		start := end - int64(c.cfg.BatchSize) + 1
		if start < 0 {
			start = 0
		}
		events, err := c.cfg.Source.EventRange(ctx, c.cfg.Account, start, int(end-start+1))
		if err != nil {
			return nil, fmt.Errorf("failed to get events [%d, %d]: %w", start, end, err)
		}
		pagesRead++
		pages = append(pages, chain.Claims(events, c.cfg.Account))

		if len(events) > 0 && events[0].Timestamp.Before(since) {
			break
		}
		end = start - 1
	}

	var out []chain.Claim
	for i := len(pages) - 1; i >= 0; i-- {
		for _, claim := range pages[i] {
			if !claim.Timestamp.Before(since) {
				out = append(out, claim)
			}
		}
	}
	c.log.Debug("earnings: collected claims", "since", since, "claims", len(out), "pages", pagesRead)
	return out, nil
}
