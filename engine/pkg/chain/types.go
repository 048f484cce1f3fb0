// Package chain talks to Hive-style condenser JSON-RPC endpoints: it reads account history,
// account state and chain globals, and signs and broadcasts transfers.
package chain

import (
	"context"
	"time"
)

// TimeLayout is the timestamp layout used by the condenser API.
const TimeLayout = "2006-01-02T15:04:05"

const (
	OpDelegateVestingShares = "delegate_vesting_shares"
	OpClaimRewardBalance    = "claim_reward_balance"
	OpTransfer              = "transfer"
)

// Event is one account history record.
type Event struct {
	Index     int64
	Timestamp time.Time
	TxID      string
	Block     uint32
	Type      string

	Delegation *Delegation
	Claim      *Claim
	Transfer   *Transfer
}

type Delegation struct {
	Delegator string
	Delegatee string
	Vests     float64
}

// Claim is a reward claim. Amounts are in their native units.
type Claim struct {
	Index       int64
	Timestamp   time.Time
	Account     string
	RewardHive  float64
	RewardHBD   float64
	RewardVests float64
}

type Transfer struct {
	From   string
	To     string
	Amount float64
	Symbol string
	Memo   string
}

// Account is the subset of account state the engine reads.
type Account struct {
	Name          string
	Balance       float64
	HBDBalance    float64
	VestingShares float64
}

// Globals is the subset of dynamic global properties the engine reads.
type Globals struct {
	HeadBlockNumber      uint32
	HeadBlockID          string
	Time                 time.Time
	TotalVestingFundHive float64
	TotalVestingShares   float64
}

// VestsToHive returns the number of HIVE one VEST is worth.
func (g *Globals) VestsToHive() float64 {
	if g == nil || g.TotalVestingShares == 0 {
		return 0
	}
	return g.TotalVestingFundHive / g.TotalVestingShares
}

// Source reads events and state from the chain.
type Source interface {
	LatestEventIndex(ctx context.Context, account string) (int64, error)
	// EventRange returns events with index in [start, start+count), ascending.
	EventRange(ctx context.Context, account string, start int64, count int) ([]Event, error)
	AccountInfo(ctx context.Context, account string) (*Account, error)
	Globals(ctx context.Context) (*Globals, error)
}

// Broadcaster submits a signed transfer and returns the transaction id once accepted.
type Broadcaster interface {
	BroadcastTransfer(ctx context.Context, from, to string, amount float64, memo string) (string, error)
}
