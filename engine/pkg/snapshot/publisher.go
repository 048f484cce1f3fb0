// Package snapshot publishes read-only JSON views of the pool state to S3 for the dashboard.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
)

const (
	SummaryKey  = "summary.json"
	BalancesKey = "balances.json"
	PayoutsKey  = "payouts.json"

	DefaultRecentPayouts = 500
)

// ObjectPutter is the subset of the S3 client used for publishing.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client returns an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Snapshot is the state published after a cycle.
type Snapshot struct {
	Summary  *reward.Summary
	Balances *balance.Book
	Payouts  []payout.LogEntry
}

type PublisherConfig struct {
	Logger *slog.Logger
	S3     ObjectPutter
	Bucket string
	Prefix string
	Clock  clockwork.Clock
	// RecentPayouts caps how many of the latest log entries are published.
	RecentPayouts int
	Concurrency   int
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.S3 == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RecentPayouts <= 0 {
		cfg.RecentPayouts = DefaultRecentPayouts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return nil
}

type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

type envelope struct {
	GeneratedAt time.Time `json:"generated_at"`
	Data        any       `json:"data"`
}

// Publish uploads every non-nil part of snap. It returns the first upload error.
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) error {
	now := p.cfg.Clock.Now().UTC()
	docs := make(map[string]any, 3)
	if snap.Summary != nil {
		docs[SummaryKey] = snap.Summary
	}
	if snap.Balances != nil {
		docs[BalancesKey] = snap.Balances
	}
	if snap.Payouts != nil {
		recent := snap.Payouts
		if len(recent) > p.cfg.RecentPayouts {
			recent = recent[len(recent)-p.cfg.RecentPayouts:]
		}
		docs[PayoutsKey] = recent
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for name, data := range docs {
		body, err := json.Marshal(envelope{GeneratedAt: now, Data: data})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		key := path.Join(p.cfg.Prefix, name)
		g.Go(func() error {
			_, err := p.cfg.S3.PutObject(gctx, &s3.PutObjectInput{
				Bucket:       aws.String(p.cfg.Bucket),
				Key:          aws.String(key),
				Body:         bytes.NewReader(body),
				ContentType:  aws.String("application/json"),
				CacheControl: aws.String("max-age=60"),
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", key, err)
			}
			p.log.Debug("snapshot: uploaded", "bucket", p.cfg.Bucket, "key", key, "bytes", len(body))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.log.Info("snapshot: published", "bucket", p.cfg.Bucket, "prefix", p.cfg.Prefix, "documents", len(docs))
	return nil
}
