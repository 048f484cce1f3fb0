package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func ev(idx int64, id string, total float64, at time.Time) StakeChangeEvent {
	return StakeChangeEvent{Index: idx, ContributorID: id, TotalStakeAfter: total, Timestamp: at}
}

func TestSBI_Ledger_Merge_ComputesDeltas(t *testing.T) {
	t.Parallel()

	h := Build([]StakeChangeEvent{
		ev(10, "alice", 1000, t0),
		ev(11, "bob", 200, t0.Add(time.Hour)),
		ev(12, "alice", 1500, t0.Add(48*time.Hour)),
		ev(13, "alice", 400, t0.Add(72*time.Hour)),
	}, 0.5)

	require.Len(t, h["alice"], 3)
	require.Equal(t, []float64{1000, 500, -1100}, []float64{h["alice"][0].Delta, h["alice"][1].Delta, h["alice"][2].Delta})
	require.Equal(t, 400.0, h.CurrentStake("alice"))
	require.Equal(t, 200.0, h.CurrentStake("bob"))
	require.Equal(t, 750.0, h["alice"][1].DerivedValue)
	require.Equal(t, "2026-09-03", h["alice"][1].Date)
	require.Equal(t, []string{"alice", "bob"}, h.Contributors())
	require.NoError(t, h.Verify())
}

func TestSBI_Ledger_Merge_SortsBeforeMerging(t *testing.T) {
	t.Parallel()

	h := Build([]StakeChangeEvent{
		ev(3, "alice", 300, t0.Add(2*time.Hour)),
		ev(1, "alice", 100, t0),
		ev(2, "alice", 250, t0.Add(time.Hour)),
	}, 1)

	require.Len(t, h["alice"], 3)
	require.Equal(t, 100.0, h["alice"][0].Delta)
	require.Equal(t, 150.0, h["alice"][1].Delta)
	require.Equal(t, 50.0, h["alice"][2].Delta)
}

func TestSBI_Ledger_Merge_DiscardsSubEpsilonChanges(t *testing.T) {
	t.Parallel()

	h := Build([]StakeChangeEvent{
		ev(1, "alice", 100, t0),
		ev(2, "alice", 100+Epsilon/2, t0.Add(time.Hour)),
		ev(3, "bob", 0, t0),
	}, 1)

	require.Len(t, h["alice"], 1)
	require.NotContains(t, h, "bob")
}

func TestSBI_Ledger_Merge_IsIdempotent(t *testing.T) {
	t.Parallel()

	events := []StakeChangeEvent{
		ev(1, "alice", 1000, t0),
		ev(2, "alice", 500, t0.Add(time.Hour)),
		ev(3, "carol", 42, t0.Add(2*time.Hour)),
	}
	once := Build(events, 1)
	twice := Merge(once, events, 1)
	require.Equal(t, once, twice)

	// Redelivering a subset mixed with new events only appends the new ones.
	more := Merge(once, []StakeChangeEvent{events[0], ev(4, "alice", 900, t0.Add(3*time.Hour))}, 1)
	require.Len(t, more["alice"], 3)
	require.Equal(t, 400.0, more["alice"][2].Delta)
}

func TestSBI_Ledger_Merge_DoesNotMutateExisting(t *testing.T) {
	t.Parallel()

	base := Build([]StakeChangeEvent{ev(1, "alice", 10, t0)}, 1)
	_ = Merge(base, []StakeChangeEvent{ev(2, "alice", 20, t0.Add(time.Hour))}, 1)
	require.Len(t, base["alice"], 1)
}

func TestSBI_Ledger_Merge_IncrementalEqualsRebuild(t *testing.T) {
	t.Parallel()

	events := []StakeChangeEvent{
		ev(1, "alice", 1000, t0),
		ev(2, "bob", 10, t0.Add(time.Hour)),
		ev(3, "alice", 0, t0.Add(2*time.Hour)),
		ev(4, "alice", 700.123456, t0.Add(3*time.Hour)),
		ev(5, "bob", 5, t0.Add(4*time.Hour)),
	}
	full := Build(events, 2)
	inc := Merge(Merge(nil, events[:2], 2), events[2:], 2)
	require.Equal(t, full, inc)
}

func TestSBI_Ledger_ReplayInvariant(t *testing.T) {
	t.Parallel()

	var events []StakeChangeEvent
	totals := []float64{1000.5, 1200.25, 3.000001, 0, 77.7, 77.7, 10000}
	for i, total := range totals {
		events = append(events, ev(int64(i+1), "alice", total, t0.Add(time.Duration(i)*time.Hour)))
		events = append(events, ev(int64(i+100), "bob", total/2, t0.Add(time.Duration(i)*time.Hour+time.Minute)))
	}
	h := Build(events, 1)
	require.NoError(t, h.Verify())
	for _, id := range h.Contributors() {
		var sum float64
		for _, e := range h[id] {
			sum += e.Delta
		}
		require.InDelta(t, h.CurrentStake(id), sum, 1e-6)
	}
}

func TestSBI_Ledger_Verify_DetectsCorruption(t *testing.T) {
	t.Parallel()

	h := Build([]StakeChangeEvent{ev(1, "alice", 10, t0), ev(2, "alice", 20, t0.Add(time.Hour))}, 1)
	h["alice"][1].Delta = 5
	require.Error(t, h.Verify())
}

func TestSBI_Ledger_TotalStake(t *testing.T) {
	t.Parallel()

	h := Build([]StakeChangeEvent{ev(1, "alice", 10, t0), ev(2, "bob", 32.5, t0)}, 1)
	require.Equal(t, 42.5, h.TotalStake())
	require.Equal(t, 2, h.Len())
	require.Zero(t, h.CurrentStake("nobody"))
	require.False(t, math.IsNaN(h.TotalStake()))
}
