// Package reward turns a day's distributable earnings into per-contributor base rewards and
// records them in a summary consumed by the accrual stage.
package reward

import (
	"github.com/poolkeeper/sbi/engine/pkg/amount"
)

// DefaultPlaces is the precision base rewards are rounded to.
const DefaultPlaces int32 = 3

// Allocate splits distributable in proportion to stakes. Each reward is rounded once to places;
// the rounded rewards may not sum exactly to distributable. Non-positive stakes receive nothing,
// and an empty map is returned when there is no positive stake.
func Allocate(stakes map[string]float64, distributable float64, places int32) map[string]float64 {
	var total float64
	for _, s := range stakes {
		if s > 0 {
			total += s
		}
	}
	out := make(map[string]float64)
	if total <= 0 {
		return out
	}
	for id, s := range stakes {
		if s <= 0 {
			continue
		}
		out[id] = amount.Round(distributable*s/total, places)
	}
	return out
}
