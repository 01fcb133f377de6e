package nodeconn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// State is the liveness state of a connection.
type State int32

const (
	// StateConnected means the connection is established and usable
	StateConnected State = iota

	// StateReconnecting means the connection dropped and redial is in progress
	StateReconnecting

	// StateClosed means the connection was closed deliberately
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnClosed is returned by operations on a deliberately closed connection.
var ErrConnClosed = errors.New("node connection is closed")

// Config holds node connection configuration. The endpoint must support
// streaming subscriptions (ws:// or wss://).
type Config struct {
	Endpoint    string
	DialTimeout time.Duration
	Backoff     BackoffConfig
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// Conn is a streaming connection to an EVM node. Each listener owns exactly
// one Conn; it is never shared across modules. The embedded clients are
// swapped atomically under mu on reconnect.
type Conn struct {
	config Config
	logger *zap.Logger
	state  atomic.Int32

	mu        sync.RWMutex
	rpcClient *rpc.Client
	eth       *ethclient.Client
	geth      *gethclient.Client
}

// Dial establishes a connection to the node and verifies it responds.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Conn, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	cfg.setDefaults()

	if log == nil {
		log = zap.NewNop()
	}

	c := &Conn{
		config: cfg,
		logger: logger.WithComponent(log, "nodeconn"),
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("connected to node", zap.String("endpoint", cfg.Endpoint))
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(dialCtx, c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.Endpoint, err)
	}

	eth := ethclient.NewClient(rpcClient)
	if _, err := eth.ChainID(dialCtx); err != nil {
		rpcClient.Close()
		return fmt.Errorf("failed to verify connection: %w", err)
	}

	c.mu.Lock()
	c.rpcClient = rpcClient
	c.eth = eth
	c.geth = gethclient.New(rpcClient)
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	return nil
}

// State returns the current liveness state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Reconnect closes the broken connection and redials with exponential
// backoff until it succeeds or ctx is cancelled. The wait between attempts
// is jittered and capped. Callers must re-establish their subscriptions and
// re-synchronize state afterwards.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}

	c.state.Store(int32(StateReconnecting))
	c.closeClients()

	backoff := NewBackoff(c.config.Backoff)
	for attempt := 1; ; attempt++ {
		if err := backoff.Wait(ctx); err != nil {
			return err
		}

		if err := c.dial(ctx); err != nil {
			c.logger.Warn("redial failed",
				zap.String("endpoint", c.config.Endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		c.logger.Info("reconnected to node",
			zap.String("endpoint", c.config.Endpoint),
			zap.Int("attempts", attempt),
		)
		return nil
	}
}

// Close tears the connection down permanently.
func (c *Conn) Close() {
	c.state.Store(int32(StateClosed))
	c.closeClients()
}

func (c *Conn) closeClients() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.eth = nil
		c.geth = nil
	}
}

func (c *Conn) client() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eth == nil {
		return nil, ErrConnClosed
	}
	return c.eth, nil
}

// SubscribeNewHeads subscribes to new block headers.
func (c *Conn) SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	sub, err := eth.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	return sub, nil
}

// SubscribePendingTxs subscribes to pending transaction hashes.
func (c *Conn) SubscribePendingTxs(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	c.mu.RLock()
	geth := c.geth
	c.mu.RUnlock()
	if geth == nil {
		return nil, ErrConnClosed
	}
	sub, err := geth.SubscribePendingTransactions(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pending transactions: %w", err)
	}
	return sub, nil
}

// SubscribeLogs subscribes to contract logs matching the filter query.
func (c *Conn) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	sub, err := eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to logs: %w", err)
	}
	return sub, nil
}

// BlockNumber returns the latest block number.
func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.client()
	if err != nil {
		return 0, err
	}
	number, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return number, nil
}

// BlockByNumber fetches a full block by number.
func (c *Conn) BlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	block, err := eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	return block, nil
}

// BlockByHash fetches a full block by hash.
func (c *Conn) BlockByHash(ctx context.Context, hash common.Hash) (*ethtypes.Block, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	block, err := eth.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash.Hex(), err)
	}
	return block, nil
}

// TransactionByHash fetches a transaction and whether it is still pending.
func (c *Conn) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	eth, err := c.client()
	if err != nil {
		return nil, false, err
	}
	tx, pending, err := eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get transaction %s: %w", hash.Hex(), err)
	}
	return tx, pending, nil
}

// BlockReceipts fetches all receipts for a block in transaction order. The
// block is addressed by hash so the result cannot belong to a competing block
// that reorged into the same height.
func (c *Conn) BlockReceipts(ctx context.Context, hash common.Hash) ([]*ethtypes.Receipt, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	receipts, err := eth.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(hash, false))
	if err != nil {
		return nil, fmt.Errorf("failed to get receipts for block %s: %w", hash.Hex(), err)
	}
	return receipts, nil
}
