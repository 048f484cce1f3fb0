// Package notify posts cycle reports to Slack and sends failure alerts to Sentry.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"
)

const (
	colorOK     = "good"
	colorFailed = "danger"
)

type Field struct {
	Name  string
	Value string
	Short bool
}

// Message is one cycle report.
type Message struct {
	Title  string
	Text   string
	Failed bool
	Fields []Field
}

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	Channel    string
	Username   string
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.Username == "" {
		cfg.Username = "sbi"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) Notify(ctx context.Context, msg Message) error {
	color := colorOK
	if msg.Failed {
		color = colorFailed
	}
	fields := make([]slack.AttachmentField, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	wh := &slack.WebhookMessage{
		Username: s.cfg.Username,
		Channel:  s.cfg.Channel,
		Attachments: []slack.Attachment{{
			Color:    color,
			Title:    msg.Title,
			Text:     msg.Text,
			Fields:   fields,
			Fallback: msg.Title,
			Ts:       json.Number(strconv.FormatInt(s.cfg.Clock.Now().Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, wh); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify: posted slack report", "title", msg.Title, "failed", msg.Failed)
	return nil
}
