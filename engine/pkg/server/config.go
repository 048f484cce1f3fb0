package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/balance"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// StateReader is the read side of the engine store.
type StateReader interface {
	LoadSummary(ctx context.Context) (*reward.Summary, error)
	LoadBalances(ctx context.Context) (*balance.Book, error)
	LoadPayoutLog(ctx context.Context) ([]payout.LogEntry, error)
}

// PaidTotals answers aggregate payout queries from the analytics store.
type PaidTotals interface {
	PaidSince(ctx context.Context, since string) (map[string]float64, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	State             StateReader
	// Paid serves /api/paid. Nil disables the route.
	Paid PaidTotals
	// Ready reports whether the engine has completed a cycle. Nil means always ready.
	Ready          func() bool
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.State == nil {
		return errors.New("state reader is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
