package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/poolkeeper/sbi/engine/pkg/analytics"
	"github.com/poolkeeper/sbi/engine/pkg/chain"
	"github.com/poolkeeper/sbi/engine/pkg/config"
	"github.com/poolkeeper/sbi/engine/pkg/notify"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/snapshot"
	"github.com/poolkeeper/sbi/engine/pkg/store"
	"github.com/poolkeeper/sbi/engine/pkg/store/fsstore"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const poolAccount = "pool"

var clockStart = time.Date(2026, 10, 18, 0, 30, 0, 0, time.UTC)

// mockSource serves a fixed account history. Event indexes are positions in events.
type mockSource struct {
	mu      sync.Mutex
	events  []chain.Event
	balance float64

	globalsFunc func(ctx context.Context) (*chain.Globals, error)
}

func (m *mockSource) add(ev chain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Index = int64(len(m.events))
	m.events = append(m.events, ev)
}

func (m *mockSource) LatestEventIndex(ctx context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)) - 1, nil
}

func (m *mockSource) EventRange(ctx context.Context, account string, start int64, count int) ([]chain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chain.Event
	for _, ev := range m.events {
		if ev.Index >= start && ev.Index < start+int64(count) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockSource) AccountInfo(ctx context.Context, account string) (*chain.Account, error) {
	return &chain.Account{Name: account, Balance: m.balance}, nil
}

func (m *mockSource) Globals(ctx context.Context) (*chain.Globals, error) {
	if m.globalsFunc != nil {
		return m.globalsFunc(ctx)
	}
	// 0.5 HIVE per VEST
	return &chain.Globals{TotalVestingFundHive: 500, TotalVestingShares: 1000}, nil
}

type mockBroadcaster struct {
	mu    sync.Mutex
	memos []string
}

func (m *mockBroadcaster) BroadcastTransfer(ctx context.Context, from, to string, amt float64, memo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memos = append(m.memos, memo)
	return fmt.Sprintf("tx%d", len(m.memos)), nil
}

func (m *mockBroadcaster) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.memos...)
}

type mockAlerter struct {
	mu   sync.Mutex
	errs []error
}

func (m *mockAlerter) Alert(err error, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

type mockNotifier struct {
	notifyFunc func(ctx context.Context, msg notify.Message) error
}

func (m *mockNotifier) Notify(ctx context.Context, msg notify.Message) error {
	return m.notifyFunc(ctx, msg)
}

type mockAnalytics struct {
	payouts []analytics.PayoutFact
	cycles  []analytics.CycleFact
}

func (m *mockAnalytics) RecordPayouts(ctx context.Context, facts []analytics.PayoutFact) error {
	m.payouts = append(m.payouts, facts...)
	return nil
}

func (m *mockAnalytics) RecordCycle(ctx context.Context, fact analytics.CycleFact) error {
	m.cycles = append(m.cycles, fact)
	return nil
}

type mockPublisher struct {
	publishFunc func(ctx context.Context, snap snapshot.Snapshot) error
}

func (m *mockPublisher) Publish(ctx context.Context, snap snapshot.Snapshot) error {
	return m.publishFunc(ctx, snap)
}

func delegation(from string, vests float64, at time.Time) chain.Event {
	return chain.Event{
		Timestamp:  at,
		Type:       chain.OpDelegateVestingShares,
		Delegation: &chain.Delegation{Delegator: from, Delegatee: poolAccount, Vests: vests},
	}
}

func claim(hive, vests float64, at time.Time) chain.Event {
	return chain.Event{
		Timestamp: at,
		Type:      chain.OpClaimRewardBalance,
		Claim:     &chain.Claim{Account: poolAccount, RewardHive: hive, RewardVests: vests},
	}
}

// newScenarioSource returns a history where alice (1000 HP) and bob (3000 HP) are eligible,
// carol delegated too recently, and the pool claimed 8 HIVE worth of rewards in the window.
func newScenarioSource() *mockSource {
	src := &mockSource{balance: 100}
	src.add(delegation("alice", 2000, clockStart.Add(-20*24*time.Hour)))
	src.add(delegation("bob", 6000, clockStart.Add(-10*24*time.Hour)))
	src.add(delegation("carol", 1000, clockStart.Add(-24*time.Hour)))
	src.add(claim(4, 8, clockStart.Add(-12*time.Hour)))
	return src
}

type testEnv struct {
	clock       *clockwork.FakeClock
	store       *fsstore.Store
	source      *mockSource
	broadcaster *mockBroadcaster
	alerter     *mockAlerter
}

func newTestEnv(t *testing.T, src *mockSource) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(clockStart)
	st, err := fsstore.NewStore(fsstore.StoreConfig{
		Logger: sbitesting.NewLogger(),
		Dir:    t.TempDir(),
		Clock:  clock,
	})
	require.NoError(t, err)
	return &testEnv{
		clock:       clock,
		store:       st,
		source:      src,
		broadcaster: &mockBroadcaster{},
		alerter:     &mockAlerter{},
	}
}

func (e *testEnv) config() RunnerConfig {
	fraction := 0.5
	return RunnerConfig{
		Logger:      sbitesting.NewLogger(),
		Clock:       e.clock,
		Store:       e.store,
		Source:      e.source,
		Broadcaster: e.broadcaster,
		Account:     poolAccount,
		Pool: &config.Pool{
			ExcludedFromSBI: []string{"bob"},
			MultiplierPolicy: &reward.Policy{
				Shape:       reward.ShapeStep,
				Floor:       1,
				Breakpoints: []reward.Breakpoint{{Stake: 0, Multiplier: 2}},
			},
			DistributionFraction: &fraction,
		},
		Alerter: e.alerter,
	}
}

func (e *testEnv) runner(t *testing.T, mutate ...func(*RunnerConfig)) *Runner {
	t.Helper()
	cfg := e.config()
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func balanceOf(t *testing.T, st store.Store, id string) float64 {
	t.Helper()
	book, err := st.LoadBalances(context.Background())
	require.NoError(t, err)
	acct, ok := book.Accounts[id]
	if !ok {
		return 0
	}
	return acct.Balance
}

func TestSBI_Cycle_ParseStage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"all", "sync", "accrue", "payout"} {
		st, err := ParseStage(s)
		require.NoError(t, err)
		require.Equal(t, Stage(s), st)
	}
	_, err := ParseStage("deploy")
	require.Error(t, err)
}

func TestSBI_Cycle_NewRunner_Validates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newScenarioSource())
	cfg := env.config()
	cfg.Account = ""
	_, err := NewRunner(cfg)
	require.Error(t, err)

	cfg = env.config()
	cfg.Store = nil
	_, err = NewRunner(cfg)
	require.Error(t, err)
}

func TestSBI_Cycle_RunAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t)
	require.False(t, r.Ready())

	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err)
	require.True(t, r.Ready())
	require.Equal(t, store.NoCursor, rep.Cursor)
	require.Equal(t, int64(3), rep.NewCursor)
	require.Equal(t, 3, rep.EventsMerged)
	require.True(t, rep.Accrued)

	cursor, err := env.store.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)

	sum, err := env.store.LoadSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, "2026-10-18", sum.Date)
	require.Equal(t, 8.0, sum.TotalEarnings)
	require.Equal(t, 4.0, sum.DistributableEarnings)
	require.Equal(t, 4000.0, sum.TotalEligibleStake)
	require.Equal(t, 2.0, sum.Multiplier)
	require.Equal(t, []reward.ContributorShare{
		{ID: "alice", Stake: 1000, BaseReward: 1},
		{ID: "bob", Stake: 3000, BaseReward: 3},
	}, sum.Contributors)
	require.Equal(t, int64(3), sum.SourceIndex)

	// alice accrued 2.0 and was paid out in two units; bob is excluded and keeps 6.0.
	require.Equal(t, []string{payout.Memo(poolAccount, "alice"), payout.Memo(poolAccount, "alice")}, env.broadcaster.sent())
	require.Zero(t, balanceOf(t, env.store, "alice"))
	require.Equal(t, 6.0, balanceOf(t, env.store, "bob"))

	entries, err := env.store.LoadPayoutLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "tx1", entries[0].TxID)
	require.Equal(t, "alice", entries[1].ContributorID)
	require.Equal(t, 2, rep.PayoutsSent())
}

func TestSBI_Cycle_RerunDoesNotAccrueOrPayTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t)

	_, err := r.Run(ctx, StageAll)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err)
	require.False(t, rep.Accrued)
	require.Zero(t, rep.EventsMerged)
	require.Equal(t, int64(3), rep.NewCursor)
	require.Len(t, env.broadcaster.sent(), 2)
	require.Equal(t, 6.0, balanceOf(t, env.store, "bob"))

	h, err := env.store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, h.Len())
}

func TestSBI_Cycle_NewEventsAreMergedIncrementally(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newScenarioSource()
	env := newTestEnv(t, src)
	r := env.runner(t)

	_, err := r.Run(ctx, StageAll)
	require.NoError(t, err)

	src.add(delegation("alice", 3000, clockStart.Add(time.Minute)))
	env.clock.Advance(time.Hour)
	rep, err := r.Run(ctx, StageSync)
	require.NoError(t, err)
	require.Equal(t, 1, rep.EventsMerged)
	require.Equal(t, int64(3), rep.NewCursor, "sync alone does not advance the checkpoint")

	h, err := env.store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, h["alice"], 2)
	require.Equal(t, 1000.0, h["alice"][1].Delta)
	require.NoError(t, h.Verify())
}

func TestSBI_Cycle_SeparateStages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t)

	rep, err := r.Run(ctx, StageSync)
	require.NoError(t, err)
	require.NotNil(t, rep.Summary)
	cursor, err := env.store.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, store.NoCursor, cursor)

	_, err = r.Run(ctx, StageAccrue)
	require.NoError(t, err)
	require.Equal(t, 2.0, balanceOf(t, env.store, "alice"))
	require.Equal(t, 6.0, balanceOf(t, env.store, "bob"))
	cursor, err = env.store.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)
	require.Empty(t, env.broadcaster.sent())

	_, err = r.Run(ctx, StagePayout)
	require.NoError(t, err)
	require.Len(t, env.broadcaster.sent(), 2)
	require.Zero(t, balanceOf(t, env.store, "alice"))
}

func TestSBI_Cycle_AccrueWithoutSummaryFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t)

	rep, err := r.Run(ctx, StageAccrue)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, err, rep.Err)
	require.False(t, r.Ready())
	require.Len(t, env.alerter.errs, 1)

	cursor, err := env.store.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, store.NoCursor, cursor)
}

func TestSBI_Cycle_SyncFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newScenarioSource()
	src.globalsFunc = func(ctx context.Context) (*chain.Globals, error) {
		return nil, errors.New("all endpoints failed")
	}
	env := newTestEnv(t, src)
	r := env.runner(t)

	_, err := r.Run(ctx, StageAll)
	require.Error(t, err)
	cursor, err := env.store.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, store.NoCursor, cursor)
	require.Empty(t, env.broadcaster.sent())
}

func TestSBI_Cycle_NothingToDistributeIsSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := &mockSource{balance: 100}
	src.add(delegation("alice", 2000, clockStart.Add(-20*24*time.Hour)))
	env := newTestEnv(t, src)
	r := env.runner(t)

	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err)
	require.True(t, rep.Summary.Empty())
	require.False(t, rep.Accrued)
	require.Equal(t, int64(0), rep.NewCursor)
	require.Empty(t, env.broadcaster.sent())

	book, err := env.store.LoadBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, book.Accounts)
}

func TestSBI_Cycle_DryRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t, func(cfg *RunnerConfig) { cfg.DryRun = true })

	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err)
	require.Empty(t, env.broadcaster.sent())
	require.Len(t, rep.Payouts.Entries, 2)
	require.Equal(t, payout.DryRunTxID, rep.Payouts.Entries[0].TxID)

	require.Equal(t, 2.0, balanceOf(t, env.store, "alice"))
	entries, err := env.store.LoadPayoutLog(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSBI_Cycle_NoCredentialLeavesBalances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t, func(cfg *RunnerConfig) { cfg.Broadcaster = nil })

	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, rep.Payouts.Abandoned)
	require.Equal(t, 2.0, balanceOf(t, env.store, "alice"))
	require.Equal(t, int64(3), rep.NewCursor)
}

func TestSBI_Cycle_Rebuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())

	_, err := env.runner(t).Run(ctx, StageAll)
	require.NoError(t, err)

	rep, err := env.runner(t, func(cfg *RunnerConfig) { cfg.Rebuild = true }).Run(ctx, StageSync)
	require.NoError(t, err)
	require.Equal(t, 3, rep.EventsMerged)

	h, err := env.store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, h.Contributors())
	require.NoError(t, env.runner(t).Verify(ctx))
}

func TestSBI_Cycle_StoreLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	unlock, err := env.store.Lock(ctx)
	require.NoError(t, err)
	defer unlock()

	_, err = env.runner(t).Run(ctx, StageAll)
	require.ErrorIs(t, err, store.ErrLocked)
}

func TestSBI_Cycle_Hooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	sink := &mockAnalytics{}
	var messages []notify.Message
	var snaps []snapshot.Snapshot
	r := env.runner(t, func(cfg *RunnerConfig) {
		cfg.Analytics = sink
		cfg.Notifier = &mockNotifier{notifyFunc: func(ctx context.Context, msg notify.Message) error {
			messages = append(messages, msg)
			return errors.New("webhook down")
		}}
		cfg.Snapshots = &mockPublisher{publishFunc: func(ctx context.Context, snap snapshot.Snapshot) error {
			snaps = append(snaps, snap)
			return nil
		}}
	})

	rep, err := r.Run(ctx, StageAll)
	require.NoError(t, err, "hook failures do not fail the cycle")

	require.Len(t, sink.payouts, 2)
	require.Equal(t, rep.RunID, sink.payouts[0].RunID)
	require.Len(t, sink.cycles, 1)
	require.Equal(t, "success", sink.cycles[0].Status)
	require.Equal(t, uint32(2), sink.cycles[0].PayoutsSent)
	require.Equal(t, "2026-10-18", sink.cycles[0].Date)

	require.Len(t, snaps, 1)
	require.Equal(t, 6.0, snaps[0].Balances.Accounts["bob"].Balance)
	require.Len(t, snaps[0].Payouts, 2)

	require.Len(t, messages, 1)
	require.False(t, messages[0].Failed)
	require.Contains(t, messages[0].Title, "success")
}

func TestSBI_Cycle_HooksOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, newScenarioSource())
	var messages []notify.Message
	published := false
	r := env.runner(t, func(cfg *RunnerConfig) {
		cfg.Notifier = &mockNotifier{notifyFunc: func(ctx context.Context, msg notify.Message) error {
			messages = append(messages, msg)
			return nil
		}}
		cfg.Snapshots = &mockPublisher{publishFunc: func(ctx context.Context, snap snapshot.Snapshot) error {
			published = true
			return nil
		}}
	})

	_, err := r.Run(ctx, StageAccrue)
	require.Error(t, err)
	require.False(t, published)
	require.Len(t, messages, 1)
	require.True(t, messages[0].Failed)
	require.NotEmpty(t, messages[0].Text)
}

func TestSBI_Cycle_Loop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newScenarioSource())
	r := env.runner(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Loop(ctx, StageAll, time.Hour)
	}()

	require.Eventually(t, r.Ready, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}
