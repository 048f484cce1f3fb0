package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/poolkeeper/sbi/engine/pkg/amount"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"golang.org/x/time/rate"
)

// ErrAccountNotFound is returned when an account does not exist on chain.
var ErrAccountNotFound = errors.New("account not found")

// MaxHistoryBatch is the largest page get_account_history will return.
const MaxHistoryBatch = 1000

// HTTPError is a non-200 response from an endpoint.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected http status %d: %s", e.Code, e.Body)
}

func (e *HTTPError) StatusCode() int { return e.Code }

// RPCError is an error object returned in a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type ClientConfig struct {
	Logger     *slog.Logger
	Endpoint   string
	Timeout    time.Duration
	RateLimit  rate.Limit
	Burst      int
	HTTPClient *http.Client
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return nil
}

// Client is a JSON-RPC client for a single endpoint.
type Client struct {
	log     *slog.Logger
	cfg     ClientConfig
	http    *resty.Client
	limiter *rate.Limiter
	nextID  atomic.Int64
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		http:    rc,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
	}, nil
}

// Endpoint returns the URL this client talks to.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) (err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.RecordRPC(c.cfg.Endpoint, method, time.Since(start), err)
	}()

	var body rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}).
		SetResult(&body).
		ForceContentType("application/json").
		Post("")
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &HTTPError{Code: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}
	if body.Error != nil {
		return body.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

type historyOp struct {
	TrxID     string            `json:"trx_id"`
	Block     uint32            `json:"block"`
	Timestamp string            `json:"timestamp"`
	Op        []json.RawMessage `json:"op"`
}

func (c *Client) history(ctx context.Context, account string, from int64, limit int) ([]Event, error) {
	var raw [][2]json.RawMessage
	if err := c.call(ctx, "condenser_api.get_account_history", []any{account, from, limit}, &raw); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var idx int64
		if err := json.Unmarshal(item[0], &idx); err != nil {
			return nil, fmt.Errorf("failed to decode history index: %w", err)
		}
		var op historyOp
		if err := json.Unmarshal(item[1], &op); err != nil {
			return nil, fmt.Errorf("failed to decode history op %d: %w", idx, err)
		}
		ev, err := decodeEvent(idx, op)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestEventIndex returns the highest history index of account, or -1 if it has none.
func (c *Client) LatestEventIndex(ctx context.Context, account string) (int64, error) {
	events, err := c.history(ctx, account, -1, 1)
	if err != nil {
		return 0, err
	}
	latest := int64(-1)
	for _, ev := range events {
		if ev.Index > latest {
			latest = ev.Index
		}
	}
	return latest, nil
}

// EventRange returns account history with index in [start, start+count), ascending.
func (c *Client) EventRange(ctx context.Context, account string, start int64, count int) ([]Event, error) {
	if count <= 0 || start < 0 {
		return nil, nil
	}
	if count > MaxHistoryBatch {
		count = MaxHistoryBatch
	}
	// The node returns the count entries ending at end and rejects end < count-1, which
	// start >= 0 rules out.
	end := start + int64(count) - 1
	events, err := c.history(ctx, account, end, count)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Index >= start && ev.Index <= end {
			out = append(out, ev)
		}
	}
	return out, nil
}

type accountJSON struct {
	Name          string `json:"name"`
	Balance       string `json:"balance"`
	HBDBalance    string `json:"hbd_balance"`
	VestingShares string `json:"vesting_shares"`
}

func (c *Client) AccountInfo(ctx context.Context, account string) (*Account, error) {
	var raw []accountJSON
	if err := c.call(ctx, "condenser_api.get_accounts", []any{[]string{account}}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	a := raw[0]
	out := &Account{Name: a.Name}
	var err error
	if out.Balance, err = parseAmount(a.Balance); err != nil {
		return nil, err
	}
	if out.HBDBalance, err = parseAmount(a.HBDBalance); err != nil {
		return nil, err
	}
	if out.VestingShares, err = parseAmount(a.VestingShares); err != nil {
		return nil, err
	}
	return out, nil
}

type globalsJSON struct {
	HeadBlockNumber       uint32 `json:"head_block_number"`
	HeadBlockID           string `json:"head_block_id"`
	Time                  string `json:"time"`
	TotalVestingFundHive  string `json:"total_vesting_fund_hive"`
	TotalVestingFundSteem string `json:"total_vesting_fund_steem"`
	TotalVestingShares    string `json:"total_vesting_shares"`
}

func (c *Client) Globals(ctx context.Context) (*Globals, error) {
	var raw globalsJSON
	if err := c.call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &raw); err != nil {
		return nil, err
	}
	ts, err := time.Parse(TimeLayout, raw.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid head block time %q: %w", raw.Time, err)
	}
	fund := raw.TotalVestingFundHive
	if fund == "" {
		fund = raw.TotalVestingFundSteem
	}
	g := &Globals{HeadBlockNumber: raw.HeadBlockNumber, HeadBlockID: raw.HeadBlockID, Time: ts.UTC()}
	if g.TotalVestingFundHive, err = parseAmount(fund); err != nil {
		return nil, err
	}
	if g.TotalVestingShares, err = parseAmount(raw.TotalVestingShares); err != nil {
		return nil, err
	}
	return g, nil
}

type broadcastResult struct {
	ID       string `json:"id"`
	BlockNum uint32 `json:"block_num"`
	TrxNum   uint32 `json:"trx_num"`
	Expired  bool   `json:"expired"`
}

// Broadcast submits a signed transaction and waits for it to be included in a block.
func (c *Client) Broadcast(ctx context.Context, tx *Transaction) (string, error) {
	var res broadcastResult
	if err := c.call(ctx, "condenser_api.broadcast_transaction_synchronous", []any{tx}, &res); err != nil {
		if isDuplicate(err) {
			c.log.Warn("chain: transaction already broadcast", "endpoint", c.cfg.Endpoint)
			return tx.ID()
		}
		return "", err
	}
	if res.Expired {
		return "", errors.New("transaction expired before inclusion")
	}
	if res.ID == "" {
		return tx.ID()
	}
	return res.ID, nil
}

func isDuplicate(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "duplicate transaction")
}

func decodeEvent(idx int64, op historyOp) (Event, error) {
	ev := Event{Index: idx, TxID: op.TrxID, Block: op.Block}
	ts, err := time.Parse(TimeLayout, op.Timestamp)
	if err != nil {
		return ev, fmt.Errorf("invalid timestamp %q at index %d: %w", op.Timestamp, idx, err)
	}
	ev.Timestamp = ts.UTC()
	if len(op.Op) != 2 {
		return ev, fmt.Errorf("malformed op at index %d", idx)
	}
	if err := json.Unmarshal(op.Op[0], &ev.Type); err != nil {
		return ev, fmt.Errorf("malformed op name at index %d: %w", idx, err)
	}

	switch ev.Type {
	case OpDelegateVestingShares:
		var body struct {
			Delegator     string `json:"delegator"`
			Delegatee     string `json:"delegatee"`
			VestingShares string `json:"vesting_shares"`
		}
		if err := json.Unmarshal(op.Op[1], &body); err != nil {
			return ev, fmt.Errorf("malformed delegation at index %d: %w", idx, err)
		}
		vests, err := parseAmount(body.VestingShares)
		if err != nil {
			return ev, err
		}
		ev.Delegation = &Delegation{Delegator: body.Delegator, Delegatee: body.Delegatee, Vests: vests}

	case OpClaimRewardBalance:
		var body struct {
			Account     string `json:"account"`
			RewardHive  string `json:"reward_hive"`
			RewardSteem string `json:"reward_steem"`
			RewardHBD   string `json:"reward_hbd"`
			RewardSBD   string `json:"reward_sbd"`
			RewardVests string `json:"reward_vests"`
		}
		if err := json.Unmarshal(op.Op[1], &body); err != nil {
			return ev, fmt.Errorf("malformed claim at index %d: %w", idx, err)
		}
		claim := &Claim{Index: idx, Timestamp: ev.Timestamp, Account: body.Account}
		if claim.RewardHive, err = parseAmount(firstNonEmpty(body.RewardHive, body.RewardSteem)); err != nil {
			return ev, err
		}
		if claim.RewardHBD, err = parseAmount(firstNonEmpty(body.RewardHBD, body.RewardSBD)); err != nil {
			return ev, err
		}
		if claim.RewardVests, err = parseAmount(body.RewardVests); err != nil {
			return ev, err
		}
		ev.Claim = claim

	case OpTransfer:
		var body struct {
			From   string `json:"from"`
			To     string `json:"to"`
			Amount string `json:"amount"`
			Memo   string `json:"memo"`
		}
		if err := json.Unmarshal(op.Op[1], &body); err != nil {
			return ev, fmt.Errorf("malformed transfer at index %d: %w", idx, err)
		}
		v, sym, err := amount.Parse(body.Amount)
		if err != nil {
			return ev, err
		}
		ev.Transfer = &Transfer{From: body.From, To: body.To, Amount: v, Symbol: sym, Memo: body.Memo}
	}
	return ev, nil
}

// parseAmount parses an asset string, treating the empty string as zero.
func parseAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, _, err := amount.Parse(s)
	return v, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
