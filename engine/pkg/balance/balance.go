// Package balance holds each contributor's pending reward and lifetime payout total.
package balance

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
)

// MetaKey is the reserved document key for book metadata. It is never a contributor.
const MetaKey = "_meta"

const metaLastAccrued = "last_accrued"

var ErrInsufficientBalance = errors.New("insufficient balance")

// Account is one contributor's balance. Balance is pending reward; TotalSent is everything
// ever paid out.
type Account struct {
	Balance     float64 `json:"balance"`
	TotalSent   float64 `json:"total_sent"`
	LastUpdated string  `json:"last_updated"`
}

// Book is the set of contributor accounts plus opaque metadata stored under MetaKey.
type Book struct {
	Accounts map[string]Account
	Meta     map[string]json.RawMessage
}

func NewBook() *Book {
	return &Book{Accounts: make(map[string]Account), Meta: make(map[string]json.RawMessage)}
}

// Clone returns a deep copy of b.
func (b *Book) Clone() *Book {
	out := NewBook()
	for id, a := range b.Accounts {
		out.Accounts[id] = a
	}
	for k, v := range b.Meta {
		out.Meta[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// IDs returns the contributor IDs in the book, sorted.
func (b *Book) IDs() []string {
	ids := make([]string, 0, len(b.Accounts))
	for id := range b.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outstanding returns the sum of all pending balances.
func (b *Book) Outstanding() float64 {
	var total float64
	for _, a := range b.Accounts {
		total = amount.Add(total, a.Balance, amount.Places)
	}
	return total
}

// LastAccrued returns the date of the last summary applied to the book, or "" if none.
func (b *Book) LastAccrued() string {
	var s string
	if raw, ok := b.Meta[metaLastAccrued]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (b *Book) setLastAccrued(date string) {
	raw, _ := json.Marshal(date)
	if b.Meta == nil {
		b.Meta = make(map[string]json.RawMessage)
	}
	b.Meta[metaLastAccrued] = raw
}

// Apply adds baseReward × multiplier, rounded, to id's balance, creating the account if needed.
func (b *Book) Apply(id string, baseReward, multiplier float64, today string) {
	a := b.Accounts[id]
	a.Balance = amount.Add(a.Balance, amount.Round(baseReward*multiplier, amount.Places), amount.Places)
	a.LastUpdated = today
	b.Accounts[id] = a
}

// Apply is the functional form of Book.Apply: it returns a new book and leaves book unchanged.
func Apply(book *Book, id string, baseReward, multiplier float64, today string) *Book {
	out := book.Clone()
	out.Apply(id, baseReward, multiplier, today)
	return out
}

// ApplySummary credits every contributor in s and marks s as accrued. It reports false without
// changing the book when s has already been applied.
func (b *Book) ApplySummary(s *reward.Summary, today string) bool {
	if s.Date != "" && b.LastAccrued() == s.Date {
		return false
	}
	for _, c := range s.Contributors {
		if c.BaseReward <= 0 {
			continue
		}
		b.Apply(c.ID, c.BaseReward, s.Multiplier, today)
	}
	b.setLastAccrued(s.Date)
	return true
}

// Debit moves unit from id's balance to its lifetime total.
func (b *Book) Debit(id string, unit float64, today string) error {
	a, ok := b.Accounts[id]
	if !ok || a.Balance+1e-9 < unit {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, id)
	}
	a.Balance = amount.Sub(a.Balance, unit, amount.Places)
	a.TotalSent = amount.Add(a.TotalSent, unit, amount.Places)
	a.LastUpdated = today
	b.Accounts[id] = a
	return nil
}

// Validate checks every account is well formed.
func (b *Book) Validate() error {
	for id, a := range b.Accounts {
		if id == "" {
			return errors.New("account with empty id")
		}
		for name, v := range map[string]float64{"balance": a.Balance, "total_sent": a.TotalSent} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("account %s: %s must be a non-negative number", id, name)
			}
		}
	}
	return nil
}

func (b *Book) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(b.Accounts)+1)
	for id, a := range b.Accounts {
		doc[id] = a
	}
	if len(b.Meta) > 0 {
		doc[MetaKey] = b.Meta
	}
	return json.Marshal(doc)
}

func (b *Book) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return errors.New("balances document must be an object")
	}
	out := NewBook()
	for key, raw := range doc {
		if key == MetaKey {
			if err := json.Unmarshal(raw, &out.Meta); err != nil {
				return fmt.Errorf("invalid %s: %w", MetaKey, err)
			}
			if out.Meta == nil {
				out.Meta = make(map[string]json.RawMessage)
			}
			continue
		}
		var a Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("invalid account %s: %w", key, err)
		}
		out.Accounts[key] = a
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*b = *out
	return nil
}
