package reward

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

type Shape string

const (
	ShapeStep   Shape = "step"
	ShapeLinear Shape = "linear"
)

// Breakpoint fixes the multiplier at a total eligible stake.
type Breakpoint struct {
	Stake      float64 `json:"stake"`
	Multiplier float64 `json:"multiplier"`
}

// Policy maps total eligible stake to a reward multiplier. Small pools get a higher multiplier
// and large pools taper down to Floor.
//
// With ShapeStep the multiplier is that of the last breakpoint at or below the total. With
// ShapeLinear it is interpolated between the surrounding breakpoints and held flat outside
// them.
type Policy struct {
	Shape       Shape        `json:"shape"`
	Floor       float64      `json:"floor"`
	Breakpoints []Breakpoint `json:"breakpoints"`
}

func DefaultPolicy() Policy {
	return Policy{
		Shape: ShapeLinear,
		Floor: 1.0,
		Breakpoints: []Breakpoint{
			{Stake: 0, Multiplier: 3.0},
			{Stake: 10000, Multiplier: 3.0},
			{Stake: 50000, Multiplier: 1.5},
			{Stake: 100000, Multiplier: 1.0},
		},
	}
}

func (p *Policy) Validate() error {
	switch p.Shape {
	case ShapeStep, ShapeLinear:
	case "":
		p.Shape = ShapeLinear
	default:
		return fmt.Errorf("unknown multiplier shape %q", p.Shape)
	}
	if p.Floor < 0 || math.IsNaN(p.Floor) || math.IsInf(p.Floor, 0) {
		return errors.New("floor must be a non-negative number")
	}
	for i, bp := range p.Breakpoints {
		if bp.Stake < 0 || math.IsNaN(bp.Stake) || math.IsInf(bp.Stake, 0) {
			return fmt.Errorf("breakpoint %d: stake must be a non-negative number", i)
		}
		if math.IsNaN(bp.Multiplier) || math.IsInf(bp.Multiplier, 0) {
			return fmt.Errorf("breakpoint %d: multiplier must be a number", i)
		}
		if i == 0 {
			continue
		}
		prev := p.Breakpoints[i-1]
		if bp.Stake <= prev.Stake {
			return fmt.Errorf("breakpoint %d: stakes must be strictly increasing", i)
		}
		if bp.Multiplier > prev.Multiplier {
			return fmt.Errorf("breakpoint %d: multipliers must not increase with stake", i)
		}
	}
	return nil
}

// Multiplier returns the multiplier for the given total eligible stake. It is never below the
// floor and never increases with total.
func (p Policy) Multiplier(total float64) float64 {
	bps := p.Breakpoints
	if len(bps) == 0 {
		return p.Floor
	}
	if total < 0 || math.IsNaN(total) {
		total = 0
	}

	// index of the first breakpoint above total
	i := sort.Search(len(bps), func(i int) bool { return bps[i].Stake > total })

	var m float64
	switch {
	case i == 0:
		m = bps[0].Multiplier
	case i == len(bps) || p.Shape == ShapeStep:
		m = bps[i-1].Multiplier
	default:
		lo, hi := bps[i-1], bps[i]
		frac := (total - lo.Stake) / (hi.Stake - lo.Stake)
		m = lo.Multiplier + frac*(hi.Multiplier-lo.Multiplier)
	}
	return math.Max(m, p.Floor)
}
