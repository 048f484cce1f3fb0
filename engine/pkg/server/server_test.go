package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/store"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockState struct {
	LoadSummaryFunc   func(ctx context.Context) (*reward.Summary, error)
	LoadBalancesFunc  func(ctx context.Context) (*balance.Book, error)
	LoadPayoutLogFunc func(ctx context.Context) ([]payout.LogEntry, error)
}

func (m *mockState) LoadSummary(ctx context.Context) (*reward.Summary, error) {
	return m.LoadSummaryFunc(ctx)
}

func (m *mockState) LoadBalances(ctx context.Context) (*balance.Book, error) {
	return m.LoadBalancesFunc(ctx)
}

func (m *mockState) LoadPayoutLog(ctx context.Context) ([]payout.LogEntry, error) {
	return m.LoadPayoutLogFunc(ctx)
}

func newTestServer(t *testing.T, state *mockState, ready func() bool) http.Handler {
	t.Helper()
	s, err := New(Config{
		Logger:      sbitesting.NewLogger(),
		ListenAddr:  ":0",
		State:       state,
		Ready:       ready,
		VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc"},
	})
	require.NoError(t, err)
	return s.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSBI_Server_Health(t *testing.T) {
	t.Parallel()

	ready := false
	h := newTestServer(t, &mockState{}, func() bool { return ready })

	require.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	ready = true
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec := get(t, h, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, "1.2.3", v.Version)

	require.Equal(t, http.StatusOK, get(t, h, "/metrics").Code)
}

func TestSBI_Server_Summary(t *testing.T) {
	t.Parallel()

	var err error
	sum := &reward.Summary{Date: "2026-10-18", Multiplier: 3, Contributors: []reward.ContributorShare{{ID: "alice", Stake: 1, BaseReward: 1}}}
	h := newTestServer(t, &mockState{
		LoadSummaryFunc: func(ctx context.Context) (*reward.Summary, error) { return sum, err },
	}, nil)

	rec := get(t, h, "/api/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var got reward.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "alice", got.Contributors[0].ID)

	err = fmt.Errorf("payout_summary: %w", store.ErrNotFound)
	require.Equal(t, http.StatusNotFound, get(t, h, "/api/summary").Code)

	err = errors.New("boom")
	require.Equal(t, http.StatusInternalServerError, get(t, h, "/api/summary").Code)
}

func TestSBI_Server_Balances(t *testing.T) {
	t.Parallel()

	book := balance.NewBook()
	book.Accounts["bob"] = balance.Account{Balance: 0.5, TotalSent: 3}
	book.Accounts["alice"] = balance.Account{Balance: 1.25}
	h := newTestServer(t, &mockState{
		LoadBalancesFunc: func(ctx context.Context) (*balance.Book, error) { return book, nil },
	}, nil)

	rec := get(t, h, "/api/balances")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp balancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1.75, resp.Outstanding)
	require.Len(t, resp.Accounts, 2)
	require.Equal(t, "alice", resp.Accounts[0].ID)

	rec = get(t, h, "/api/balances/bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var one balanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Equal(t, 3.0, one.TotalSent)

	require.Equal(t, http.StatusNotFound, get(t, h, "/api/balances/nobody").Code)
}

func TestSBI_Server_Payouts(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	var entries []payout.LogEntry
	for i := range 5 {
		id := "alice"
		if i%2 == 1 {
			id = "bob"
		}
		entries = append(entries, payout.LogEntry{ContributorID: id, TxID: fmt.Sprint(i), Timestamp: t0.Add(time.Duration(i) * time.Minute)})
	}
	h := newTestServer(t, &mockState{
		LoadPayoutLogFunc: func(ctx context.Context) ([]payout.LogEntry, error) { return entries, nil },
	}, nil)

	rec := get(t, h, "/api/payouts?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []payout.LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, []string{"4", "3"}, []string{got[0].TxID, got[1].TxID})

	rec = get(t, h, "/api/payouts?contributor=bob")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)

	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/payouts?limit=zero").Code)
}

type mockPaid struct {
	PaidSinceFunc func(ctx context.Context, since string) (map[string]float64, error)
}

func (m *mockPaid) PaidSince(ctx context.Context, since string) (map[string]float64, error) {
	return m.PaidSinceFunc(ctx, since)
}

func TestSBI_Server_Paid(t *testing.T) {
	t.Parallel()

	// disabled without an analytics backend
	require.Equal(t, http.StatusNotFound, get(t, newTestServer(t, &mockState{}, nil), "/api/paid?since=2026-10-01").Code)

	var gotSince string
	s, err := New(Config{
		Logger:     sbitesting.NewLogger(),
		ListenAddr: ":0",
		State:      &mockState{},
		Paid: &mockPaid{PaidSinceFunc: func(ctx context.Context, since string) (map[string]float64, error) {
			gotSince = since
			return map[string]float64{"alice": 3}, nil
		}},
	})
	require.NoError(t, err)
	h := s.Handler()

	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/paid").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/paid?since=yesterday").Code)

	rec := get(t, h, "/api/paid?since=2026-10-01")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2026-10-01", gotSince)
	var totals map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	require.Equal(t, 3.0, totals["alice"])
}
