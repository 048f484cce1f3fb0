package earnings

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/poolkeeper/sbi/engine/pkg/chain"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	return loc
}

func TestSBI_Earnings_Window(t *testing.T) {
	t.Parallel()

	loc := seoul(t)
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "after boundary",
			now:       time.Date(2026, 10, 18, 0, 30, 0, 0, time.UTC),
			wantStart: time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC),
		},
		{
			name:      "before boundary",
			now:       time.Date(2026, 10, 17, 22, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 10, 15, 23, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC),
		},
		{
			name:      "exactly at boundary",
			now:       time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			start, end := Window(tt.now, loc, DefaultWindowHour)
			require.Equal(t, tt.wantStart, start)
			require.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestSBI_Earnings_Windowed(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	claims := []chain.Claim{
		{Timestamp: start.Add(-time.Second), RewardHive: 100},
		{Timestamp: start, RewardHive: 1, RewardVests: 2000, RewardHBD: 7},
		{Timestamp: start.Add(12 * time.Hour), RewardVests: 1000},
		{Timestamp: end, RewardHive: 100},
	}
	// 1 + 2000*0.0006 + 1000*0.0006
	require.Equal(t, 2.8, Windowed(claims, start, end, 0.0006))
	require.Zero(t, Windowed(nil, start, end, 0.0006))
}

type mockSource struct {
	latestEventIndexFunc func(ctx context.Context, account string) (int64, error)
	eventRangeFunc       func(ctx context.Context, account string, start int64, count int) ([]chain.Event, error)
}

func (m *mockSource) LatestEventIndex(ctx context.Context, account string) (int64, error) {
	return m.latestEventIndexFunc(ctx, account)
}

func (m *mockSource) EventRange(ctx context.Context, account string, start int64, count int) ([]chain.Event, error) {
	return m.eventRangeFunc(ctx, account, start, count)
}

func (m *mockSource) AccountInfo(ctx context.Context, account string) (*chain.Account, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSource) Globals(ctx context.Context) (*chain.Globals, error) {
	return nil, errors.New("not implemented")
}

// historySource serves an in-memory history where event i happened i hours after base.
func historySource(base time.Time, n int, claimEvery int) *mockSource {
	events := make([]chain.Event, n)
	for i := range events {
		ts := base.Add(time.Duration(i) * time.Hour)
		events[i] = chain.Event{Index: int64(i), Timestamp: ts, Type: "vote"}
		if i%claimEvery == 0 {
			events[i].Type = chain.OpClaimRewardBalance
			events[i].Claim = &chain.Claim{Account: "pool", RewardHive: 1}
		}
	}
	return &mockSource{
		latestEventIndexFunc: func(ctx context.Context, account string) (int64, error) {
			return int64(n - 1), nil
		},
		eventRangeFunc: func(ctx context.Context, account string, start int64, count int) ([]chain.Event, error) {
			end := min(int(start)+count, n)
			return events[start:end], nil
		},
	}
}

func TestSBI_Earnings_Collector_PagesBackwards(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	src := historySource(base, 100, 5)
	var ranges [][2]int64
	inner := src.eventRangeFunc
	src.eventRangeFunc = func(ctx context.Context, account string, start int64, count int) ([]chain.Event, error) {
		ranges = append(ranges, [2]int64{start, int64(count)})
		return inner(ctx, account, start, count)
	}

	c, err := NewCollector(CollectorConfig{Logger: sbitesting.NewLogger(), Source: src, Account: "pool", BatchSize: 10})
	require.NoError(t, err)

	since := base.Add(75 * time.Hour)
	claims, err := c.Collect(context.Background(), since)
	require.NoError(t, err)

	require.Equal(t, [][2]int64{{90, 10}, {80, 10}, {70, 10}}, ranges)
	require.Len(t, claims, 5) // 75, 80, 85, 90, 95
	require.Equal(t, int64(75), claims[0].Index)
	require.Equal(t, int64(95), claims[4].Index)
}

func TestSBI_Earnings_Collector_ReachesGenesis(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c, err := NewCollector(CollectorConfig{Logger: sbitesting.NewLogger(), Source: historySource(base, 25, 1), Account: "pool", BatchSize: 10})
	require.NoError(t, err)

	claims, err := c.Collect(context.Background(), base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claims, 25)
}

func TestSBI_Earnings_Collector_SourceError(t *testing.T) {
	t.Parallel()

	src := &mockSource{
		latestEventIndexFunc: func(ctx context.Context, account string) (int64, error) {
			return 0, errors.New("boom")
		},
	}
	c, err := NewCollector(CollectorConfig{Logger: sbitesting.NewLogger(), Source: src, Account: "pool"})
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), time.Now())
	require.Error(t, err)
}
