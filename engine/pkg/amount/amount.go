// Package amount holds the fixed-precision arithmetic used for stake, reward and balance
// values. Values are carried as float64 in documents and rounded through decimal at every
// mutation so repeated additions and payout debits do not accumulate binary drift.
package amount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Places is the precision of liquid token amounts on chain (e.g. "1.000 HIVE").
	Places int32 = 3
	// VestsPlaces is the precision of vesting share amounts (e.g. "1.000000 VESTS").
	VestsPlaces int32 = 6
)

// Round rounds v to places decimals, half away from zero.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Add returns a+b rounded to places.
func Add(a, b float64, places int32) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(places).InexactFloat64()
}

// Sub returns a-b rounded to places.
func Sub(a, b float64, places int32) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(places).InexactFloat64()
}

// Mul returns a*b rounded to places.
func Mul(a, b float64, places int32) float64 {
	return decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(places).InexactFloat64()
}

// Format renders v as a chain asset string such as "1.000 HIVE".
func Format(v float64, places int32, symbol string) string {
	return decimal.NewFromFloat(v).StringFixed(places) + " " + symbol
}

// Units returns v scaled to an integer count of the smallest unit at places.
func Units(v float64, places int32) int64 {
	return decimal.NewFromFloat(v).Shift(places).Round(0).IntPart()
}

// Parse splits a chain asset string such as "12.345678 VESTS" into value and symbol.
func Parse(s string) (float64, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("invalid asset %q", s)
	}
	d, err := decimal.NewFromString(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid asset amount %q: %w", s, err)
	}
	return d.InexactFloat64(), fields[1], nil
}
