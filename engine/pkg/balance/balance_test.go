package balance

import (
	"encoding/json"
	"testing"

	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/stretchr/testify/require"
)

func TestSBI_Balance_Apply(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.Apply("alice", 0.8, 3, "2026-10-17")
	b.Apply("alice", 0.1, 1.5, "2026-10-18")
	require.Equal(t, Account{Balance: 2.55, LastUpdated: "2026-10-18"}, b.Accounts["alice"])

	next := Apply(b, "bob", 1, 2.4375, "2026-10-18")
	require.NotContains(t, b.Accounts, "bob")
	require.Equal(t, 2.438, next.Accounts["bob"].Balance)
}

func TestSBI_Balance_ApplySummary_Once(t *testing.T) {
	t.Parallel()

	s := &reward.Summary{
		Date:       "2026-10-18",
		Multiplier: 2,
		Contributors: []reward.ContributorShare{
			{ID: "alice", Stake: 10, BaseReward: 0.6},
			{ID: "bob", Stake: 1, BaseReward: 0},
		},
	}
	b := NewBook()
	require.True(t, b.ApplySummary(s, "2026-10-18"))
	require.False(t, b.ApplySummary(s, "2026-10-18"))
	require.Equal(t, 1.2, b.Accounts["alice"].Balance)
	require.NotContains(t, b.Accounts, "bob")
	require.Equal(t, "2026-10-18", b.LastAccrued())

	s.Date = "2026-10-19"
	require.True(t, b.ApplySummary(s, "2026-10-19"))
	require.Equal(t, 2.4, b.Accounts["alice"].Balance)
}

func TestSBI_Balance_Debit(t *testing.T) {
	t.Parallel()

	b := NewBook()
	b.Accounts["alice"] = Account{Balance: 2.4}
	require.NoError(t, b.Debit("alice", 1, "2026-10-18"))
	require.NoError(t, b.Debit("alice", 1, "2026-10-18"))
	require.ErrorIs(t, b.Debit("alice", 1, "2026-10-18"), ErrInsufficientBalance)
	require.Equal(t, Account{Balance: 0.4, TotalSent: 2, LastUpdated: "2026-10-18"}, b.Accounts["alice"])
	require.ErrorIs(t, b.Debit("nobody", 1, "2026-10-18"), ErrInsufficientBalance)
}

func TestSBI_Balance_JSON_PreservesMeta(t *testing.T) {
	t.Parallel()

	in := `{"_meta":{"schema":2,"last_accrued":"2026-10-17"},"alice":{"balance":1.5,"total_sent":3,"last_updated":"2026-10-17"}}`
	var b Book
	require.NoError(t, json.Unmarshal([]byte(in), &b))
	require.Equal(t, []string{"alice"}, b.IDs())
	require.Equal(t, "2026-10-17", b.LastAccrued())
	require.Equal(t, 1.5, b.Outstanding())

	out, err := json.Marshal(&b)
	require.NoError(t, err)
	require.JSONEq(t, in, string(out))
}

func TestSBI_Balance_JSON_Invalid(t *testing.T) {
	t.Parallel()

	var b Book
	require.Error(t, json.Unmarshal([]byte(`[]`), &b))
	require.Error(t, json.Unmarshal([]byte(`null`), &b))
	require.Error(t, json.Unmarshal([]byte(`{"alice":{"balance":-1}}`), &b))
	require.Error(t, json.Unmarshal([]byte(`{"alice":"lots"}`), &b))
	require.Error(t, json.Unmarshal([]byte(`{"_meta":[1]}`), &b))
}
