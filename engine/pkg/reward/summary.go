package reward

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
)

// ErrInvalidSummary is returned when a summary fails validation.
var ErrInvalidSummary = errors.New("invalid payout summary")

// ContributorShare is one contributor's line in a summary. Stake is eligible stake in the
// derived unit.
type ContributorShare struct {
	ID         string  `json:"id"`
	Stake      float64 `json:"stake"`
	BaseReward float64 `json:"base_reward"`
}

// Summary is the result of one reward computation. It is overwritten every cycle.
type Summary struct {
	Date                  string             `json:"date"`
	WindowStart           time.Time          `json:"window_start"`
	WindowEnd             time.Time          `json:"window_end"`
	TotalEligibleStake    float64            `json:"total_eligible_stake"`
	TotalEarnings         float64            `json:"total_earnings"`
	DistributableEarnings float64            `json:"distributable_earnings"`
	Multiplier            float64            `json:"multiplier"`
	Contributors          []ContributorShare `json:"contributors"`
	// SourceIndex is the highest event index merged into the ledger this summary was
	// computed from.
	SourceIndex int64 `json:"source_index"`
}

// Empty reports whether there is nothing to distribute.
func (s *Summary) Empty() bool {
	return len(s.Contributors) == 0 || s.DistributableEarnings <= 0
}

// Validate checks the summary is structurally complete. Every failure wraps ErrInvalidSummary.
func (s *Summary) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidSummary, fmt.Sprintf(format, args...))
	}
	if _, err := time.Parse(ledger.DateLayout, s.Date); err != nil {
		return invalid("date %q is not a valid date", s.Date)
	}
	if s.Contributors == nil {
		return invalid("contributors is required")
	}
	for name, v := range map[string]float64{
		"total_eligible_stake":   s.TotalEligibleStake,
		"total_earnings":         s.TotalEarnings,
		"distributable_earnings": s.DistributableEarnings,
		"multiplier":             s.Multiplier,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("%s must be a non-negative number", name)
		}
	}
	if s.DistributableEarnings > s.TotalEarnings+1e-9 {
		return invalid("distributable earnings exceed total earnings")
	}
	if len(s.Contributors) == 0 && s.DistributableEarnings > 0 && s.TotalEligibleStake > 0 {
		return invalid("contributors is empty but there is stake and earnings to distribute")
	}
	if len(s.Contributors) > 0 && s.Multiplier == 0 {
		return invalid("multiplier is required")
	}
	seen := make(map[string]struct{}, len(s.Contributors))
	for i, c := range s.Contributors {
		if c.ID == "" {
			return invalid("contributor %d has no id", i)
		}
		if _, dup := seen[c.ID]; dup {
			return invalid("contributor %s appears twice", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Stake < 0 || c.BaseReward < 0 || math.IsNaN(c.Stake) || math.IsNaN(c.BaseReward) {
			return invalid("contributor %s has a negative or invalid amount", c.ID)
		}
	}
	return nil
}

// SummarizeInput is everything one reward computation needs.
type SummarizeInput struct {
	Date          string
	WindowStart   time.Time
	WindowEnd     time.Time
	Stakes        map[string]float64
	TotalEarnings float64
	Fraction      float64
	Policy        Policy
	Places        int32
	SourceIndex   int64
}

// Summarize allocates the distributable part of the window's earnings over stakes and records
// the multiplier for the pool's total eligible stake.
func Summarize(in SummarizeInput) Summary {
	places := in.Places
	if places <= 0 {
		places = DefaultPlaces
	}
	var total float64
	for _, s := range in.Stakes {
		if s > 0 {
			total += s
		}
	}
	distributable := amount.Round(in.TotalEarnings*in.Fraction, amount.Places)
	rewards := Allocate(in.Stakes, distributable, places)

	ids := make([]string, 0, len(rewards))
	for id := range rewards {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	contributors := make([]ContributorShare, 0, len(ids))
	for _, id := range ids {
		contributors = append(contributors, ContributorShare{
			ID:         id,
			Stake:      amount.Round(in.Stakes[id], amount.Places),
			BaseReward: rewards[id],
		})
	}

	return Summary{
		Date:                  in.Date,
		WindowStart:           in.WindowStart,
		WindowEnd:             in.WindowEnd,
		TotalEligibleStake:    amount.Round(total, amount.Places),
		TotalEarnings:         amount.Round(in.TotalEarnings, amount.Places),
		DistributableEarnings: distributable,
		Multiplier:            in.Policy.Multiplier(total),
		Contributors:          contributors,
		SourceIndex:           in.SourceIndex,
	}
}
