package chain

import (
	"github.com/poolkeeper/sbi/engine/pkg/ledger"
)

// StakeChanges returns the delegations to pool in events as ledger stake change events.
func StakeChanges(events []Event, pool string) []ledger.StakeChangeEvent {
	var out []ledger.StakeChangeEvent
	for _, ev := range events {
		d := ev.Delegation
		if d == nil || d.Delegatee != pool || d.Delegator == "" {
			continue
		}
		out = append(out, ledger.StakeChangeEvent{
			Index:           ev.Index,
			ContributorID:   d.Delegator,
			TotalStakeAfter: d.Vests,
			Timestamp:       ev.Timestamp,
		})
	}
	return out
}

// Claims returns the reward claims made by account in events.
func Claims(events []Event, account string) []Claim {
	var out []Claim
	for _, ev := range events {
		if ev.Claim == nil || ev.Claim.Account != account {
			continue
		}
		c := *ev.Claim
		c.Index = ev.Index
		c.Timestamp = ev.Timestamp
		out = append(out, c)
	}
	return out
}
