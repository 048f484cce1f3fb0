package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestSBI_Notify_Slack(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{
		Logger:     sbitesting.NewLogger(),
		WebhookURL: srv.URL,
		Channel:    "#sbi",
		Clock:      clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0)),
	})
	require.NoError(t, err)

	require.NoError(t, s.Notify(context.Background(), Message{
		Title:  "sbi cycle 2026-10-18 failed",
		Failed: true,
		Fields: []Field{{Name: "stage", Value: "sync", Short: true}},
	}))

	require.Equal(t, "#sbi", got["channel"])
	require.Equal(t, "sbi", got["username"])
	att := got["attachments"].([]any)[0].(map[string]any)
	require.Equal(t, "danger", att["color"])
	require.Equal(t, "sbi cycle 2026-10-18 failed", att["title"])
	require.Equal(t, "stage", att["fields"].([]any)[0].(map[string]any)["title"])
}

func TestSBI_Notify_Slack_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{Logger: sbitesting.NewLogger(), WebhookURL: srv.URL})
	require.NoError(t, err)
	require.Error(t, s.Notify(context.Background(), Message{Title: "x"}))

	_, err = NewSlack(SlackConfig{Logger: sbitesting.NewLogger()})
	require.Error(t, err)
}

type memTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (m *memTransport) Flush(time.Duration) bool              { return true }
func (m *memTransport) FlushWithContext(context.Context) bool { return true }
func (m *memTransport) Configure(sentry.ClientOptions)        {}
func (m *memTransport) Close()                                {}
func (m *memTransport) SendEvent(e *sentry.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func TestSBI_Notify_Sentry(t *testing.T) {
	t.Parallel()

	tr := &memTransport{}
	s, err := NewSentry(SentryConfig{
		Logger:      sbitesting.NewLogger(),
		DSN:         "https://public@example.com/1",
		Environment: "test",
		Transport:   tr,
	})
	require.NoError(t, err)

	s.Alert(errors.New("delegator_balances is corrupt"), map[string]string{"document": "delegator_balances"})
	require.True(t, s.Flush(time.Second))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.events, 1)
	require.Equal(t, "delegator_balances", tr.events[0].Tags["document"])
	require.Equal(t, "test", tr.events[0].Environment)
}
