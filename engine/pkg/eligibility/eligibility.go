// Package eligibility computes how much of each contributor's stake has been held long enough
// to earn rewards.
package eligibility

import (
	"errors"
	"log/slog"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/ledger"
)

// DefaultWindow is how long stake must be held before it counts.
const DefaultWindow = 6 * 24 * time.Hour

// EligibleStake returns the part of a contributor's current stake that was already in place at
// cutoff. Stake added after cutoff is excluded; stake removed after cutoff reduces the result,
// which is never more than the current stake.
func EligibleStake(entries []ledger.Entry, cutoff time.Time) float64 {
	eligible, _ := walk(entries, cutoff)
	return eligible
}

// walk returns the eligible stake and whether the running balance went negative at any point.
func walk(entries []ledger.Entry, cutoff time.Time) (float64, bool) {
	var running, eligible float64
	floored := false
	for _, e := range entries {
		running += e.Delta
		if running < 0 {
			running = 0
			floored = true
		}
		if !e.Timestamp.After(cutoff) {
			eligible = running
		}
	}
	if running <= 0 {
		return 0, floored
	}
	if eligible > running {
		eligible = running
	}
	return eligible, floored
}

type CalculatorConfig struct {
	Logger *slog.Logger
	Window time.Duration
}

func (cfg *CalculatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Window < 0 {
		return errors.New("window must not be negative")
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	return nil
}

type Calculator struct {
	log *slog.Logger
	cfg CalculatorConfig
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, cfg: cfg}, nil
}

// Cutoff returns the latest instant at which stake must have been in place to count at now.
func (c *Calculator) Cutoff(now time.Time) time.Time {
	return now.Add(-c.cfg.Window)
}

// Compute returns the eligible stake of every contributor in h as of now. Contributors with no
// eligible stake are omitted.
func (c *Calculator) Compute(h ledger.History, now time.Time) map[string]float64 {
	cutoff := c.Cutoff(now)
	out := make(map[string]float64)
	for _, id := range h.Contributors() {
		eligible, floored := walk(h[id], cutoff)
		if floored {
			c.log.Warn("eligibility: running stake went negative, floored to zero", "contributor", id)
		}
		if eligible <= 0 {
			continue
		}
		out[id] = eligible
	}
	c.log.Debug("eligibility: computed", "cutoff", cutoff, "contributors", len(out))
	return out
}
