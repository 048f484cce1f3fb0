package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
)

// Epsilon is the smallest stake change, in stake units, recorded as a delta. Smaller changes
// are treated as redelivered or no-op events.
const Epsilon = 1e-6

// DateLayout is the layout of Entry.Date and of every cycle date in the engine.
const DateLayout = "2006-01-02"

// StakeChangeEvent is one observed delegation change targeting the pool account.
// TotalStakeAfter is the contributor's full delegation after the event, not a delta.
type StakeChangeEvent struct {
	Index           int64
	ContributorID   string
	TotalStakeAfter float64
	Timestamp       time.Time
}

// Entry is one recorded stake delta for a contributor.
type Entry struct {
	Index           int64     `json:"index"`
	Delta           float64   `json:"delta"`
	TotalStakeAfter float64   `json:"total_stake_after"`
	DerivedValue    float64   `json:"derived_value"`
	Timestamp       time.Time `json:"timestamp"`
	Date            string    `json:"date"`
}

// History maps contributor IDs to their time-ordered delta entries.
type History map[string][]Entry

// Clone returns a deep copy of h.
func (h History) Clone() History {
	out := make(History, len(h))
	for id, entries := range h {
		out[id] = append([]Entry(nil), entries...)
	}
	return out
}

// Contributors returns the contributor IDs in h, sorted.
func (h History) Contributors() []string {
	ids := make([]string, 0, len(h))
	for id := range h {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CurrentStake returns the latest recorded total for id, or 0 if unseen.
func (h History) CurrentStake(id string) float64 {
	entries := h[id]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].TotalStakeAfter
}

// TotalStake returns the sum of all contributors' current stake.
func (h History) TotalStake() float64 {
	var total float64
	for id := range h {
		total += h.CurrentStake(id)
	}
	return total
}

// Len returns the total number of entries across all contributors.
func (h History) Len() int {
	n := 0
	for _, entries := range h {
		n += len(entries)
	}
	return n
}

// Build constructs a history from the entire event set.
func Build(events []StakeChangeEvent, rate float64) History {
	return Merge(nil, events, rate)
}

// Merge returns existing extended with the deltas implied by events. existing is not modified.
//
// Events are applied in (Timestamp, Index) order. An event at or before the contributor's last
// recorded index or timestamp has already been merged and is skipped, as is any event whose
// delta is within Epsilon. rate converts stake units into the derived unit for DerivedValue.
func Merge(existing History, events []StakeChangeEvent, rate float64) History {
	out := existing.Clone()
	if len(events) == 0 {
		return out
	}

	sorted := append([]StakeChangeEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Index < sorted[j].Index
	})

	for _, ev := range sorted {
		if ev.ContributorID == "" {
			continue
		}
		entries := out[ev.ContributorID]
		var last float64
		if n := len(entries); n > 0 {
			prev := entries[n-1]
			if ev.Index <= prev.Index || ev.Timestamp.Before(prev.Timestamp) {
				continue
			}
			last = prev.TotalStakeAfter
		}

		delta := ev.TotalStakeAfter - last
		if math.Abs(delta) <= Epsilon {
			continue
		}

		ts := ev.Timestamp.UTC()
		out[ev.ContributorID] = append(entries, Entry{
			Index:           ev.Index,
			Delta:           amount.Round(delta, amount.VestsPlaces),
			TotalStakeAfter: ev.TotalStakeAfter,
			DerivedValue:    amount.Round(ev.TotalStakeAfter*rate, amount.Places),
			Timestamp:       ts,
			Date:            ts.Format(DateLayout),
		})
	}
	return out
}

// Verify checks that every contributor's deltas replay to the recorded totals and that
// entries are strictly time-ordered.
func (h History) Verify() error {
	for _, id := range h.Contributors() {
		var running float64
		for i, e := range h[id] {
			if i > 0 {
				prev := h[id][i-1]
				if !e.Timestamp.After(prev.Timestamp) && e.Index <= prev.Index {
					return fmt.Errorf("contributor %s: entry %d is not after entry %d", id, i, i-1)
				}
			}
			running += e.Delta
			if math.Abs(running-e.TotalStakeAfter) > Epsilon*float64(i+1) {
				return fmt.Errorf("contributor %s: replayed total %.6f does not match recorded %.6f at entry %d",
					id, running, e.TotalStakeAfter, i)
			}
		}
	}
	return nil
}
