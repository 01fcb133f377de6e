package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/blockscan-labs/chainfeed/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PendingSource is the node surface the mempool listener needs.
type PendingSource interface {
	SubscribePendingTxs(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	Reconnect(ctx context.Context) error
}

// MempoolConfig holds mempool listener configuration
type MempoolConfig struct {
	// HashBuffer is the pending hash notification channel size
	HashBuffer int

	// FetchConcurrency bounds concurrent transaction detail fetches
	FetchConcurrency int64

	// MaxTracked caps the tracked entry count; the oldest entry is dropped
	// when a new one would exceed it
	MaxTracked int

	// MaxAge is how long an entry stays tracked before it is considered
	// dropped by the network
	MaxAge time.Duration

	// SweepInterval is how often aged entries are collected
	SweepInterval time.Duration
}

func (c *MempoolConfig) setDefaults() {
	if c.HashBuffer == 0 {
		c.HashBuffer = 1024
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = 16
	}
	if c.MaxTracked == 0 {
		c.MaxTracked = 10_000
	}
	if c.MaxAge == 0 {
		c.MaxAge = 10 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// MempoolListener publishes a MempoolEntry the first time each pending
// transaction hash is announced, then tracks the hash until it ages out.
// Aged-out entries produce exactly one "dropped" TransactionRecord on the
// mempool stream. Confirmation is not observed here; a confirmed record from
// the transaction indexer supersedes the entry downstream.
type MempoolListener struct {
	src PendingSource
	pub publish.Publisher
	cfg MempoolConfig
	log *zap.Logger
	sem *semaphore.Weighted

	// now is swapped in tests to control age-out
	now func() time.Time

	mu      sync.Mutex
	tracked map[common.Hash]time.Time

	fetches sync.WaitGroup
}

var _ Runner = (*MempoolListener)(nil)

// NewMempoolListener creates a mempool listener.
func NewMempoolListener(src PendingSource, pub publish.Publisher, cfg MempoolConfig, log *zap.Logger) *MempoolListener {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &MempoolListener{
		src:     src,
		pub:     pub,
		cfg:     cfg,
		log:     logger.WithComponent(log, "mempool-listener"),
		sem:     semaphore.NewWeighted(cfg.FetchConcurrency),
		now:     time.Now,
		tracked: make(map[common.Hash]time.Time),
	}
}

// Name implements Runner.
func (m *MempoolListener) Name() string { return "mempool-listener" }

// Run subscribes to pending transaction hashes and processes them until ctx
// is cancelled. In-flight detail fetches are drained before returning.
func (m *MempoolListener) Run(ctx context.Context) error {
	defer m.fetches.Wait()

	hashes := make(chan common.Hash, m.cfg.HashBuffer)

	sub, err := m.subscribe(ctx, hashes)
	if err != nil {
		if isCancelled(err) {
			return nil
		}
		return err
	}

	m.log.Info("subscribed to pending transactions")

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			m.log.Info("mempool listener stopped")
			return nil

		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("pending subscription dropped", zap.Error(err))
			sub, err = m.subscribe(ctx, hashes)
			if err != nil {
				if isCancelled(err) {
					return nil
				}
				return err
			}

		case <-sweep.C:
			m.sweepAged(ctx)

		case hash := <-hashes:
			m.handleHash(ctx, hash)
		}
	}
}

func (m *MempoolListener) subscribe(ctx context.Context, hashes chan common.Hash) (ethereum.Subscription, error) {
	for {
		sub, err := m.src.SubscribePendingTxs(ctx, hashes)
		if err == nil {
			return sub, nil
		}
		if isCancelled(err) {
			return nil, err
		}
		m.log.Warn("subscription failed, reconnecting", zap.Error(err))
		metrics.Reconnect(m.Name())
		if err := m.src.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

// handleHash registers a newly announced hash and fetches its details in the
// background. Already-tracked hashes are ignored.
func (m *MempoolListener) handleHash(ctx context.Context, hash common.Hash) {
	firstSeen := m.now()

	m.mu.Lock()
	if _, ok := m.tracked[hash]; ok {
		m.mu.Unlock()
		return
	}
	evicted := m.evictOldestLocked()
	m.tracked[hash] = firstSeen
	size := len(m.tracked)
	m.mu.Unlock()

	metrics.MempoolTrackedSet(size)
	if evicted != (common.Hash{}) {
		m.publishDropped(ctx, evicted)
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	m.fetches.Add(1)
	go func() {
		defer m.fetches.Done()
		defer m.sem.Release(1)
		m.fetchAndPublish(ctx, hash, firstSeen)
	}()
}

// evictOldestLocked removes the oldest tracked entry when at capacity and
// returns its hash, or the zero hash when no eviction happened.
func (m *MempoolListener) evictOldestLocked() common.Hash {
	if len(m.tracked) < m.cfg.MaxTracked {
		return common.Hash{}
	}
	var oldest common.Hash
	var oldestAt time.Time
	for h, at := range m.tracked {
		if oldestAt.IsZero() || at.Before(oldestAt) {
			oldest = h
			oldestAt = at
		}
	}
	delete(m.tracked, oldest)
	return oldest
}

func (m *MempoolListener) fetchAndPublish(ctx context.Context, hash common.Hash, firstSeen time.Time) {
	tx, pending, err := m.src.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		// The node no longer knows the hash; it was likely replaced or mined
		// between the announcement and the fetch.
		m.untrack(hash)
		if err != nil && !isCancelled(err) {
			m.log.Debug("pending transaction vanished before fetch",
				zap.String("tx", hash.Hex()),
				zap.Error(err),
			)
		}
		return
	}
	if !pending {
		m.untrack(hash)
		return
	}

	from, err := txSender(tx)
	if err != nil {
		metrics.DecodeFailure(m.Name())
		m.untrack(hash)
		m.log.Warn("skipping pending transaction with unrecoverable sender",
			zap.String("tx", hash.Hex()),
			zap.Error(err),
		)
		return
	}

	entry := types.NewMempoolEntry(tx, from, firstSeen)
	if err := m.pub.Publish(ctx, publish.KindMempool, hash.Hex(), entry); err != nil {
		if !isCancelled(err) {
			m.log.Error("failed to publish mempool entry",
				zap.String("tx", hash.Hex()),
				zap.Error(err),
			)
		}
		m.untrack(hash)
	}
}

// sweepAged publishes a dropped record for every entry older than MaxAge and
// stops tracking it.
func (m *MempoolListener) sweepAged(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.MaxAge)

	m.mu.Lock()
	var aged []common.Hash
	for hash, firstSeen := range m.tracked {
		if firstSeen.Before(cutoff) {
			aged = append(aged, hash)
		}
	}
	ordered := make(map[common.Hash]time.Time, len(aged))
	for _, hash := range aged {
		ordered[hash] = m.tracked[hash]
		delete(m.tracked, hash)
	}
	size := len(m.tracked)
	m.mu.Unlock()

	if len(aged) == 0 {
		return
	}
	sort.Slice(aged, func(i, j int) bool { return ordered[aged[i]].Before(ordered[aged[j]]) })

	metrics.MempoolTrackedSet(size)
	for _, hash := range aged {
		m.publishDropped(ctx, hash)
	}
	m.log.Info("aged out mempool entries", zap.Int("count", len(aged)))
}

func (m *MempoolListener) publishDropped(ctx context.Context, hash common.Hash) {
	metrics.MempoolDropped()
	record := types.NewDroppedRecord(hash)
	if err := m.pub.Publish(ctx, publish.KindMempool, hash.Hex(), record); err != nil && !isCancelled(err) {
		m.log.Error("failed to publish dropped record",
			zap.String("tx", hash.Hex()),
			zap.Error(err),
		)
	}
}

func (m *MempoolListener) untrack(hash common.Hash) {
	m.mu.Lock()
	delete(m.tracked, hash)
	size := len(m.tracked)
	m.mu.Unlock()
	metrics.MempoolTrackedSet(size)
}

// trackedCount reports the current tracked entry count.
func (m *MempoolListener) trackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}
