package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	Logger      *slog.Logger
	DSN         string
	Environment string
	Release     string
	// Transport overrides the HTTP transport, for tests.
	Transport sentry.Transport
}

func (cfg *SentryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// Sentry reports errors on its own hub so it never touches the global one.
type Sentry struct {
	log *slog.Logger
	hub *sentry.Hub
}

func NewSentry(cfg SentryConfig) (*Sentry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		Transport:   cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Sentry{log: cfg.Logger, hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Alert captures err tagged with tags.
func (s *Sentry) Alert(err error, tags map[string]string) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if id := s.hub.CaptureException(err); id != nil {
			s.log.Debug("notify: sent sentry alert", "event_id", string(*id))
		}
	})
}

// Flush waits up to timeout for queued events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
