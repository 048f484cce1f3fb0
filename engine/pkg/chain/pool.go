package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poolkeeper/sbi/utils/pkg/retry"
)

type PoolConfig struct {
	Logger  *slog.Logger
	Clients []*Client
	// ReadRetry governs reads; exhaustion is returned to the caller.
	ReadRetry retry.Config
	// BroadcastRetry governs transfer broadcasts. A transfer is signed once and the same
	// transaction is offered to each endpoint in turn.
	BroadcastRetry retry.Config
	Signer         *Signer
	Expiration     time.Duration
}

func (cfg *PoolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Clients) == 0 {
		return errors.New("at least one client is required")
	}
	if cfg.ReadRetry.MaxAttempts <= 0 {
		cfg.ReadRetry = retry.Config{MaxAttempts: len(cfg.Clients) * 2, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
	}
	if cfg.BroadcastRetry.MaxAttempts <= 0 {
		cfg.BroadcastRetry = retry.FixedConfig(3, 3*time.Second)
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	return nil
}

// Pool spreads calls over an ordered list of endpoints, moving to the next endpoint when one
// fails.
type Pool struct {
	log *slog.Logger
	cfg PoolConfig
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{log: cfg.Logger, cfg: cfg}, nil
}

func (p *Pool) read(ctx context.Context, what string, fn func(context.Context, *Client) error) error {
	_, err := retry.Failover(ctx, p.cfg.ReadRetry, p.cfg.Clients, func(ctx context.Context, c *Client) error {
		if err := fn(ctx, c); err != nil {
			p.log.Warn("chain: endpoint failed", "endpoint", c.Endpoint(), "call", what, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

func (p *Pool) LatestEventIndex(ctx context.Context, account string) (int64, error) {
	var out int64
	err := p.read(ctx, "get latest event index", func(ctx context.Context, c *Client) error {
		idx, err := c.LatestEventIndex(ctx, account)
		out = idx
		return err
	})
	return out, err
}

func (p *Pool) EventRange(ctx context.Context, account string, start int64, count int) ([]Event, error) {
	var out []Event
	err := p.read(ctx, "get event range", func(ctx context.Context, c *Client) error {
		events, err := c.EventRange(ctx, account, start, count)
		out = events
		return err
	})
	return out, err
}

func (p *Pool) AccountInfo(ctx context.Context, account string) (*Account, error) {
	var out *Account
	err := p.read(ctx, "get account", func(ctx context.Context, c *Client) error {
		a, err := c.AccountInfo(ctx, account)
		if errors.Is(err, ErrAccountNotFound) {
			return retry.Permanent(err)
		}
		out = a
		return err
	})
	return out, err
}

func (p *Pool) Globals(ctx context.Context) (*Globals, error) {
	var out *Globals
	err := p.read(ctx, "get globals", func(ctx context.Context, c *Client) error {
		g, err := c.Globals(ctx)
		out = g
		return err
	})
	return out, err
}

// BroadcastTransfer signs one HIVE transfer and offers it to the endpoints in order until one
// accepts it. Resubmitting the same signed transaction is safe: the chain rejects duplicates.
func (p *Pool) BroadcastTransfer(ctx context.Context, from, to string, amt float64, memo string) (string, error) {
	if p.cfg.Signer == nil {
		return "", retry.Permanent(ErrNoSigningKey)
	}
	g, err := p.Globals(ctx)
	if err != nil {
		return "", err
	}
	tx, err := NewTransferTx(g, TransferOp{From: from, To: to, Amount: amt, Symbol: "HIVE", Memo: memo}, p.cfg.Expiration)
	if err != nil {
		return "", retry.Permanent(err)
	}
	if err := p.cfg.Signer.Sign(tx); err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to sign transfer: %w", err))
	}

	var txID string
	_, err = retry.Failover(ctx, p.cfg.BroadcastRetry, p.cfg.Clients, func(ctx context.Context, c *Client) error {
		id, err := c.Broadcast(ctx, tx)
		if err != nil {
			p.log.Warn("chain: broadcast failed", "endpoint", c.Endpoint(), "to", to, "error", err)
			if isRejected(err) {
				return retry.Permanent(err)
			}
			return err
		}
		txID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transfer: %w", err)
	}
	return txID, nil
}

// isRejected reports whether a node refused the transaction itself, e.g. for a missing
// authority or insufficient funds. Every other node would refuse it the same way.
func isRejected(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && !retry.IsRetryable(err)
}
