package listener

import (
	"context"
	"fmt"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/blockscan-labs/chainfeed/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TxSource is the node surface the transaction indexer needs.
type TxSource interface {
	SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*ethtypes.Block, error)
	BlockReceipts(ctx context.Context, hash common.Hash) ([]*ethtypes.Receipt, error)
	Reconnect(ctx context.Context) error
}

// TxConfig holds transaction indexer configuration
type TxConfig struct {
	// HeadBuffer is the head notification channel size
	HeadBuffer int

	// RequestsPerSecond caps node fetch calls; zero means no limit
	RequestsPerSecond float64

	// Burst is the rate limiter burst size
	Burst int

	// SeenWindow is how many recently indexed block hashes to remember for
	// duplicate suppression
	SeenWindow int
}

func (c *TxConfig) setDefaults() {
	if c.HeadBuffer == 0 {
		c.HeadBuffer = 64
	}
	if c.Burst == 0 {
		c.Burst = 4
	}
	if c.SeenWindow == 0 {
		c.SeenWindow = 128
	}
}

// TxIndexer expands each confirmed block into one TransactionRecord per
// transaction, joining execution results from the block's receipts. A block
// seen again at the same hash is skipped; a replacement hash at the same
// height is re-indexed so downstream rows converge on the canonical chain.
type TxIndexer struct {
	src     TxSource
	pub     publish.Publisher
	cfg     TxConfig
	limiter *rate.Limiter
	log     *zap.Logger

	// seen is a bounded insertion-ordered set of indexed block hashes
	seen      map[common.Hash]struct{}
	seenOrder []common.Hash
}

var _ Runner = (*TxIndexer)(nil)

// NewTxIndexer creates a transaction indexer.
func NewTxIndexer(src TxSource, pub publish.Publisher, cfg TxConfig, log *zap.Logger) *TxIndexer {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &TxIndexer{
		src:     src,
		pub:     pub,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     logger.WithComponent(log, "tx-indexer"),
		seen:    make(map[common.Hash]struct{}),
	}
}

// Name implements Runner.
func (x *TxIndexer) Name() string { return "tx-indexer" }

// Run subscribes to new heads and indexes each block's transactions until
// ctx is cancelled.
func (x *TxIndexer) Run(ctx context.Context) error {
	heads := make(chan *ethtypes.Header, x.cfg.HeadBuffer)

	sub, err := x.subscribe(ctx, heads)
	if err != nil {
		if isCancelled(err) {
			return nil
		}
		return err
	}

	x.log.Info("subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			x.log.Info("tx indexer stopped")
			return nil

		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return nil
			}
			x.log.Warn("head subscription dropped", zap.Error(err))
			sub, err = x.subscribe(ctx, heads)
			if err != nil {
				if isCancelled(err) {
					return nil
				}
				return err
			}

		case head := <-heads:
			if head == nil {
				continue
			}
			if err := x.indexBlock(ctx, head.Hash()); err != nil {
				if isCancelled(err) {
					sub.Unsubscribe()
					return nil
				}
				x.log.Error("failed to index block",
					zap.Uint64("number", head.Number.Uint64()),
					zap.Error(err),
				)
			}
		}
	}
}

// subscribe establishes the head subscription, reconnecting the node
// connection on failure until it succeeds or ctx ends.
func (x *TxIndexer) subscribe(ctx context.Context, heads chan *ethtypes.Header) (ethereum.Subscription, error) {
	for {
		sub, err := x.src.SubscribeNewHeads(ctx, heads)
		if err == nil {
			return sub, nil
		}
		if isCancelled(err) {
			return nil, err
		}
		x.log.Warn("subscription failed, reconnecting", zap.Error(err))
		metrics.Reconnect(x.Name())
		if err := x.src.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

func (x *TxIndexer) indexBlock(ctx context.Context, hash common.Hash) error {
	if _, ok := x.seen[hash]; ok {
		return nil
	}

	if err := x.limiter.Wait(ctx); err != nil {
		return err
	}
	block, err := x.src.BlockByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to fetch block %s: %w", hash.Hex(), err)
	}

	txs := block.Transactions()
	var receipts map[common.Hash]*ethtypes.Receipt
	if len(txs) > 0 {
		if err := x.limiter.Wait(ctx); err != nil {
			return err
		}
		// Receipts are addressed by the same hash as the block body, so a
		// reorg between the two calls cannot pair them across forks.
		list, err := x.src.BlockReceipts(ctx, block.Hash())
		if err != nil {
			return fmt.Errorf("failed to fetch receipts for block %s: %w", block.Hash().Hex(), err)
		}
		receipts = make(map[common.Hash]*ethtypes.Receipt, len(list))
		for _, r := range list {
			receipts[r.TxHash] = r
		}
	}

	published := 0
	for _, tx := range txs {
		from, err := txSender(tx)
		if err != nil {
			metrics.DecodeFailure(x.Name())
			x.log.Warn("skipping transaction with unrecoverable sender",
				zap.String("tx", tx.Hash().Hex()),
				zap.Error(err),
			)
			continue
		}

		receipt := receipts[tx.Hash()]
		if receipt == nil {
			metrics.DecodeFailure(x.Name())
			x.log.Warn("skipping transaction with missing receipt",
				zap.String("tx", tx.Hash().Hex()),
			)
			continue
		}

		record := types.NewTransactionRecord(tx, from, receipt)
		if err := x.pub.Publish(ctx, publish.KindTransaction, tx.Hash().Hex(), record); err != nil {
			return fmt.Errorf("failed to publish transaction %s: %w", tx.Hash().Hex(), err)
		}
		published++
	}

	x.markSeen(hash)
	x.log.Debug("indexed block",
		zap.Uint64("number", block.NumberU64()),
		zap.Int("transactions", published),
	)
	return nil
}

func (x *TxIndexer) markSeen(hash common.Hash) {
	x.seen[hash] = struct{}{}
	x.seenOrder = append(x.seenOrder, hash)
	if len(x.seenOrder) > x.cfg.SeenWindow {
		oldest := x.seenOrder[0]
		x.seenOrder = x.seenOrder[1:]
		delete(x.seen, oldest)
	}
}
