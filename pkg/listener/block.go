package listener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/blockscan-labs/chainfeed/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// BlockSource is the node surface the block listener needs.
type BlockSource interface {
	SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*ethtypes.Block, error)
	BlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Reconnect(ctx context.Context) error
}

// BlockConfig holds block listener configuration
type BlockConfig struct {
	// HeadBuffer is the head notification channel size
	HeadBuffer int

	// FetchRetries is the number of attempts for a block fetch
	FetchRetries int

	// FetchRetryDelay is the wait between fetch attempts
	FetchRetryDelay time.Duration

	// MaxReorgDepth bounds the backward walk when resolving a reorg. A reorg
	// deeper than this is treated as a fresh segment from the new head.
	MaxReorgDepth int
}

func (c *BlockConfig) setDefaults() {
	if c.HeadBuffer == 0 {
		c.HeadBuffer = 64
	}
	if c.FetchRetries == 0 {
		c.FetchRetries = 3
	}
	if c.FetchRetryDelay == 0 {
		c.FetchRetryDelay = 2 * time.Second
	}
	if c.MaxReorgDepth == 0 {
		c.MaxReorgDepth = 64
	}
}

// BlockListener turns new-head notifications into an ordered BlockRecord
// stream. It detects reorgs by comparing each head's parent hash against the
// hash it published at height-1, walks back to the common ancestor, and
// republishes the canonical segment. All mutable state is owned by the single
// listener instance; nothing here is shared across modules.
type BlockListener struct {
	src BlockSource
	pub publish.Publisher
	cfg BlockConfig
	log *zap.Logger

	started    bool
	lastNumber uint64
	// recent maps height -> published hash within the reorg window
	recent map[uint64]common.Hash
	// gaps holds heights given up on after fetch retries, reconciled later
	gaps map[uint64]struct{}
}

// Ensure BlockListener implements Runner
var _ Runner = (*BlockListener)(nil)

// NewBlockListener creates a block listener.
func NewBlockListener(src BlockSource, pub publish.Publisher, cfg BlockConfig, log *zap.Logger) *BlockListener {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &BlockListener{
		src:    src,
		pub:    pub,
		cfg:    cfg,
		log:    logger.WithComponent(log, "block-listener"),
		recent: make(map[uint64]common.Hash),
		gaps:   make(map[uint64]struct{}),
	}
}

// Name implements Runner.
func (l *BlockListener) Name() string { return "block-listener" }

// Run subscribes to new heads and processes them until ctx is cancelled.
// Subscription drops trigger reconnect, resubscribe, and a resync of any
// blocks produced during the outage.
func (l *BlockListener) Run(ctx context.Context) error {
	heads := make(chan *ethtypes.Header, l.cfg.HeadBuffer)

	sub, err := l.src.SubscribeNewHeads(ctx, heads)
	if err != nil {
		if isCancelled(err) {
			return nil
		}
		l.log.Warn("initial head subscription failed, recovering", zap.Error(err))
		sub, err = l.recover(ctx, heads)
		if err != nil {
			if isCancelled(err) {
				return nil
			}
			return err
		}
	}

	l.log.Info("subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			l.log.Info("block listener stopped")
			return nil

		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("head subscription dropped", zap.Error(err))
			sub, err = l.recover(ctx, heads)
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
			if err := l.handleHead(ctx, head); err != nil {
				if isCancelled(err) {
					sub.Unsubscribe()
					return nil
				}
				l.log.Error("failed to process head",
					zap.Uint64("number", head.Number.Uint64()),
					zap.Error(err),
				)
			}
		}
	}
}

// recover reconnects the node connection, resubscribes, and backfills blocks
// produced during the outage so the stream has no permanent gaps. It returns
// an error only when ctx is cancelled.
func (l *BlockListener) recover(ctx context.Context, heads chan *ethtypes.Header) (ethereum.Subscription, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metrics.Reconnect(l.Name())
		if err := l.src.Reconnect(ctx); err != nil {
			return nil, err
		}

		sub, err := l.src.SubscribeNewHeads(ctx, heads)
		if err != nil {
			if isCancelled(err) {
				return nil, err
			}
			l.log.Warn("resubscribe failed", zap.Error(err))
			continue
		}

		l.resync(ctx)
		l.log.Info("head subscription recovered")
		return sub, nil
	}
}

// resync fetches and publishes any blocks the chain produced while the
// subscription was down.
func (l *BlockListener) resync(ctx context.Context) {
	if !l.started {
		return
	}
	latest, err := l.src.BlockNumber(ctx)
	if err != nil {
		l.log.Warn("failed to query latest block for resync", zap.Error(err))
		return
	}
	if latest <= l.lastNumber {
		return
	}
	l.log.Info("resyncing blocks missed during outage",
		zap.Uint64("from", l.lastNumber+1),
		zap.Uint64("to", latest),
	)
	l.backfill(ctx, l.lastNumber+1, latest)
}

func (l *BlockListener) handleHead(ctx context.Context, head *ethtypes.Header) error {
	l.reconcileGaps(ctx)

	num := head.Number.Uint64()

	switch {
	case !l.started:
		return l.fetchAndPublish(ctx, head.Hash(), num, false)

	case num <= l.lastNumber:
		if known, ok := l.recent[num]; ok && known == head.Hash() {
			// Duplicate notification for a block already published.
			return nil
		}
		// A head at or below the last published height replaces an already
		// published block.
		return l.resolveReorg(ctx, head)

	case num == l.lastNumber+1:
		if prev, ok := l.recent[l.lastNumber]; ok && head.ParentHash != prev {
			return l.resolveReorg(ctx, head)
		}
		return l.fetchAndPublish(ctx, head.Hash(), num, false)

	default:
		// Heads were skipped; fill the hole in ascending order first.
		if err := l.backfill(ctx, l.lastNumber+1, num-1); err != nil {
			return err
		}
		if prev, ok := l.recent[num-1]; ok && head.ParentHash != prev {
			return l.resolveReorg(ctx, head)
		}
		return l.fetchAndPublish(ctx, head.Hash(), num, false)
	}
}

// resolveReorg walks backward from head until it finds an ancestor whose
// parent matches a hash this listener already published, then republishes the
// canonical segment in ascending order. Superseded heights are marked
// reorged; downstream treats the later message for a height as authoritative.
func (l *BlockListener) resolveReorg(ctx context.Context, head *ethtypes.Header) error {
	num := head.Number.Uint64()
	l.log.Warn("reorg detected",
		zap.Uint64("number", num),
		zap.String("hash", head.Hash().Hex()),
	)

	segment := make([]*ethtypes.Block, 0, 4)
	cursor := head.Hash()
	cursorNum := num

	for depth := 0; depth < l.cfg.MaxReorgDepth; depth++ {
		block, err := l.fetchByHash(ctx, cursor)
		if err != nil {
			if isCancelled(err) {
				return err
			}
			l.recordGap(cursorNum, err)
			return nil
		}
		segment = append(segment, block)

		if cursorNum == 0 {
			break
		}
		parentNum := cursorNum - 1
		recorded, ok := l.recent[parentNum]
		if !ok || recorded == block.ParentHash() {
			// Common ancestor found, or the fork is older than our window;
			// either way the bounded search stops here.
			break
		}
		cursor = block.ParentHash()
		cursorNum = parentNum
	}

	metrics.ReorgResolved(len(segment))

	for i := len(segment) - 1; i >= 0; i-- {
		block := segment[i]
		reorged := block.NumberU64() <= l.lastNumber
		if err := l.publish(ctx, block, reorged, false); err != nil {
			return err
		}
	}
	return nil
}

// backfill fetches and publishes blocks from..to by number, in order.
func (l *BlockListener) backfill(ctx context.Context, from, to uint64) error {
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := l.fetchByNumber(ctx, n)
		if err != nil {
			if isCancelled(err) {
				return err
			}
			l.recordGap(n, err)
			continue
		}
		if err := l.publish(ctx, block, false, true); err != nil {
			return err
		}
	}
	return nil
}

// reconcileGaps retries previously recorded gaps once each.
func (l *BlockListener) reconcileGaps(ctx context.Context) {
	if len(l.gaps) == 0 {
		return
	}
	heights := make([]uint64, 0, len(l.gaps))
	for n := range l.gaps {
		heights = append(heights, n)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	for _, n := range heights {
		block, err := l.src.BlockByNumber(ctx, n)
		if err != nil {
			continue
		}
		if err := l.publish(ctx, block, false, false); err != nil {
			return
		}
		delete(l.gaps, n)
		l.log.Info("reconciled gap block", zap.Uint64("number", n))
	}
}

func (l *BlockListener) recordGap(number uint64, err error) {
	l.gaps[number] = struct{}{}
	metrics.BlockGap()
	l.log.Error("recording block as gap after exhausting retries",
		zap.Uint64("number", number),
		zap.Error(err),
	)
}

func (l *BlockListener) fetchAndPublish(ctx context.Context, hash common.Hash, number uint64, reorged bool) error {
	block, err := l.fetchByHash(ctx, hash)
	if err != nil {
		if isCancelled(err) {
			return err
		}
		l.recordGap(number, err)
		return nil
	}
	return l.publish(ctx, block, reorged, true)
}

// publish sends one BlockRecord. When ordered is set, the per-listener
// sequencing guard suppresses anything at or below the last published height
// so pipelined fetches can never emit out of order; reorg republication and
// gap reconciliation bypass the guard deliberately.
func (l *BlockListener) publish(ctx context.Context, block *ethtypes.Block, reorged, ordered bool) error {
	num := block.NumberU64()
	if ordered && l.started && num <= l.lastNumber {
		l.log.Warn("suppressing out-of-order block", zap.Uint64("number", num))
		return nil
	}

	record := types.NewBlockRecord(block)
	record.Reorged = reorged

	if err := l.pub.Publish(ctx, publish.KindBlock, block.Hash().Hex(), record); err != nil {
		return fmt.Errorf("failed to publish block %d: %w", num, err)
	}

	l.recent[num] = block.Hash()
	if window := uint64(l.cfg.MaxReorgDepth); num > window {
		delete(l.recent, num-window)
	}
	if num > l.lastNumber || !l.started {
		l.lastNumber = num
	}
	l.started = true

	l.log.Debug("published block",
		zap.Uint64("number", num),
		zap.String("hash", block.Hash().Hex()),
		zap.Int("txs", record.TxCount),
		zap.Bool("reorged", reorged),
	)
	return nil
}

func (l *BlockListener) fetchByHash(ctx context.Context, hash common.Hash) (*ethtypes.Block, error) {
	return l.fetchWithRetry(ctx, func() (*ethtypes.Block, error) {
		return l.src.BlockByHash(ctx, hash)
	})
}

func (l *BlockListener) fetchByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	return l.fetchWithRetry(ctx, func() (*ethtypes.Block, error) {
		return l.src.BlockByNumber(ctx, number)
	})
}

func (l *BlockListener) fetchWithRetry(ctx context.Context, fetch func() (*ethtypes.Block, error)) (*ethtypes.Block, error) {
	var lastErr error
	for attempt := 0; attempt < l.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.cfg.FetchRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		block, err := fetch()
		if err == nil {
			return block, nil
		}
		if isCancelled(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", l.cfg.FetchRetries, lastErr)
}
