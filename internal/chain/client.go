// Package chain talks to an EVM node: contract reads, event scans and
// subscriptions, transaction signing and receipt polling.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mezopay/credit-engine/internal/contract"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/model"
)

// Backend is the part of ethclient.Client the engine uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
}

const headerCacheSize = 4096

// Client reads credit line state and events.
type Client struct {
	backend Backend
	addrs   contract.Addresses
	limiter *rate.Limiter

	mu      sync.Mutex
	headers map[uint64]time.Time
}

// NewClient wraps backend. rps paces RPC calls; zero or less disables pacing.
func NewClient(backend Backend, addrs contract.Addresses, rps float64) *Client {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		backend: backend,
		addrs:   addrs,
		limiter: rate.NewLimiter(limit, burst),
		headers: make(map[uint64]time.Time),
	}
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return readErr(op, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, readErr(op, err)
	}
	return out, nil
}

// Position reads the credit line of address.
func (c *Client) Position(ctx context.Context, address string) (model.Position, error) {
	user, err := contract.ParseAddress(address)
	if err != nil {
		return model.Position{}, err
	}
	data, err := contract.PackCreditLineInfo(user)
	if err != nil {
		return model.Position{}, err
	}
	out, err := c.call(ctx, contract.MethodCreditLineInfo, c.addrs.CreditLine, data)
	if err != nil {
		return model.Position{}, err
	}
	pos, err := contract.DecodePosition(out)
	if err != nil {
		return model.Position{}, readErr(contract.MethodCreditLineInfo, err)
	}
	return pos, nil
}

// Card reads the virtual card of address. An unissued card decodes to the
// zero value.
func (c *Client) Card(ctx context.Context, address string) (model.VirtualCard, error) {
	user, err := contract.ParseAddress(address)
	if err != nil {
		return model.VirtualCard{}, err
	}
	data, err := contract.PackCardInfo(user)
	if err != nil {
		return model.VirtualCard{}, err
	}
	out, err := c.call(ctx, contract.MethodCardInfo, c.addrs.CreditLine, data)
	if err != nil {
		return model.VirtualCard{}, err
	}
	card, err := contract.DecodeCard(out)
	if err != nil {
		return model.VirtualCard{}, readErr(contract.MethodCardInfo, err)
	}
	return card, nil
}

// DebtBalance reads the debt token balance of address.
func (c *Client) DebtBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	user, err := contract.ParseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := contract.PackBalanceOf(user)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.call(ctx, contract.MethodBalanceOf, c.addrs.DebtToken, data)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := contract.DecodeBalance(out)
	if err != nil {
		return decimal.Zero, readErr(contract.MethodBalanceOf, err)
	}
	return v, nil
}

// Allowance reads how much of the debt token address has approved the
// credit line to pull.
func (c *Client) Allowance(ctx context.Context, address string) (decimal.Decimal, error) {
	user, err := contract.ParseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := contract.PackAllowance(user, c.addrs.CreditLine)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.call(ctx, contract.MethodAllowance, c.addrs.DebtToken, data)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := contract.DecodeBalance(out)
	if err != nil {
		return decimal.Zero, readErr(contract.MethodAllowance, err)
	}
	return v, nil
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx, "blockNumber"); err != nil {
		return 0, err
	}
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, readErr("blockNumber", err)
	}
	return n, nil
}

func (c *Client) query(kind model.Kind, address string) (ethereum.FilterQuery, error) {
	user, err := contract.ParseAddress(address)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	topic, ok := contract.Topic(kind)
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("%w: %s", contract.ErrUnknownEvent, kind)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.addrs.CreditLine},
		Topics:    [][]common.Hash{{topic}, {contract.UserTopic(user)}},
	}, nil
}

// blockTime returns the timestamp of block n, cached.
func (c *Client) blockTime(ctx context.Context, n uint64) (time.Time, error) {
	c.mu.Lock()
	ts, ok := c.headers[n]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}

	if err := c.wait(ctx, "headerByNumber"); err != nil {
		return time.Time{}, err
	}
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}, readErr("headerByNumber", err)
	}
	ts = time.Unix(int64(h.Time), 0).UTC()

	c.mu.Lock()
	if len(c.headers) >= headerCacheSize {
		c.headers = make(map[uint64]time.Time)
	}
	c.headers[n] = ts
	c.mu.Unlock()
	return ts, nil
}

func (c *Client) toEntry(ctx context.Context, log types.Log, source model.Source) (model.LedgerEntry, error) {
	ev, err := contract.DecodeEvent(log)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	ts, err := c.blockTime(ctx, ev.BlockNumber)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return ev.Entry(ts, source), nil
}

// FetchEvents scans blocks [from, to] for kind events of address.
func (c *Client) FetchEvents(ctx context.Context, kind model.Kind, address string, from, to uint64) ([]model.LedgerEntry, error) {
	q, err := c.query(kind, address)
	if err != nil {
		return nil, err
	}
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	if err := c.wait(ctx, "filterLogs"); err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, readErr("filterLogs", err)
	}

	entries := make([]model.LedgerEntry, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		e, err := c.toEntry(ctx, l, model.SourceBackfill)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SubscribeEvents streams new kind events of address into out.
func (c *Client) SubscribeEvents(ctx context.Context, kind model.Kind, address string, out chan<- model.LedgerEntry) (ledger.Subscription, error) {
	q, err := c.query(kind, address)
	if err != nil {
		return nil, err
	}
	logs := make(chan types.Log, 64)
	sub, err := c.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, readErr("subscribeFilterLogs", err)
	}

	s := &entrySub{inner: sub, errc: make(chan error, 1), quit: make(chan struct{})}
	go s.pump(ctx, c, kind, logs, out)
	return s, nil
}

// entrySub converts a log subscription into ledger entries.
type entrySub struct {
	inner ethereum.Subscription
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *entrySub) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.inner.Unsubscribe()
	})
}

func (s *entrySub) Err() <-chan error { return s.errc }

func (s *entrySub) pump(ctx context.Context, c *Client, kind model.Kind, logs <-chan types.Log, out chan<- model.LedgerEntry) {
	defer close(s.errc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case err := <-s.inner.Err():
			if err != nil {
				s.errc <- readErr("subscription", err)
			}
			return
		case l := <-logs:
			if l.Removed {
				continue
			}
			e, err := c.toEntry(ctx, l, model.SourceLive)
			if err != nil {
				slog.Warn("live event dropped", "kind", kind, "hash", l.TxHash.Hex(), "err", err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			case <-s.quit:
				return
			}
		}
	}
}
