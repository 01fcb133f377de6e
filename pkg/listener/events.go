package listener

import (
	"context"
	"fmt"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/internal/metrics"
	abireg "github.com/blockscan-labs/chainfeed/pkg/abi"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/blockscan-labs/chainfeed/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// LogSource is the node surface the event listener needs.
type LogSource interface {
	SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	Reconnect(ctx context.Context) error
}

// EventConfig holds event listener configuration
type EventConfig struct {
	// LogBuffer is the log notification channel size
	LogBuffer int

	// Addresses restricts the subscription to these contracts; empty means
	// all contracts
	Addresses []common.Address

	// Topics restricts the subscription by topic position, geth filter style
	Topics [][]common.Hash

	// DedupWindow is how many recent log keys to remember for duplicate
	// suppression across resubscribes
	DedupWindow int
}

func (c *EventConfig) setDefaults() {
	if c.LogBuffer == 0 {
		c.LogBuffer = 256
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 4096
	}
}

// logKey identifies one log occurrence. Removed is part of the key so a
// reorg removal notice for an already-seen log still goes through.
type logKey struct {
	tx      common.Hash
	index   uint
	removed bool
}

// EventListener subscribes to contract logs and publishes one ContractEvent
// per log. Logs from contracts with a registered ABI carry a decoded event
// name and arguments; everything else ships raw so nothing is lost.
type EventListener struct {
	src      LogSource
	pub      publish.Publisher
	cfg      EventConfig
	registry *abireg.Registry
	log      *zap.Logger

	// seen is a bounded insertion-ordered set for duplicate suppression
	seen      map[logKey]struct{}
	seenOrder []logKey
}

var _ Runner = (*EventListener)(nil)

// NewEventListener creates an event listener. registry may be nil, in which
// case every event is published raw.
func NewEventListener(src LogSource, pub publish.Publisher, registry *abireg.Registry, cfg EventConfig, log *zap.Logger) *EventListener {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = abireg.NewRegistry()
	}
	return &EventListener{
		src:      src,
		pub:      pub,
		cfg:      cfg,
		registry: registry,
		log:      logger.WithComponent(log, "event-listener"),
		seen:     make(map[logKey]struct{}),
	}
}

// Name implements Runner.
func (e *EventListener) Name() string { return "event-listener" }

// Run subscribes to filtered logs and publishes events until ctx is
// cancelled.
func (e *EventListener) Run(ctx context.Context) error {
	logs := make(chan ethtypes.Log, e.cfg.LogBuffer)

	sub, err := e.subscribe(ctx, logs)
	if err != nil {
		if isCancelled(err) {
			return nil
		}
		return err
	}

	e.log.Info("subscribed to contract logs",
		zap.Int("addresses", len(e.cfg.Addresses)),
		zap.Int("abis", e.registry.Len()),
	)

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			e.log.Info("event listener stopped")
			return nil

		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("log subscription dropped", zap.Error(err))
			sub, err = e.subscribe(ctx, logs)
			if err != nil {
				if isCancelled(err) {
					return nil
				}
				return err
			}

		case lg := <-logs:
			if err := e.handleLog(ctx, &lg); err != nil {
				if isCancelled(err) {
					sub.Unsubscribe()
					return nil
				}
				e.log.Error("failed to publish event",
					zap.String("tx", lg.TxHash.Hex()),
					zap.Uint("index", lg.Index),
					zap.Error(err),
				)
			}
		}
	}
}

func (e *EventListener) subscribe(ctx context.Context, logs chan ethtypes.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: e.cfg.Addresses,
		Topics:    e.cfg.Topics,
	}
	for {
		sub, err := e.src.SubscribeLogs(ctx, query, logs)
		if err == nil {
			return sub, nil
		}
		if isCancelled(err) {
			return nil, err
		}
		e.log.Warn("subscription failed, reconnecting", zap.Error(err))
		metrics.Reconnect(e.Name())
		if err := e.src.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

func (e *EventListener) handleLog(ctx context.Context, lg *ethtypes.Log) error {
	key := logKey{tx: lg.TxHash, index: lg.Index, removed: lg.Removed}
	if _, ok := e.seen[key]; ok {
		return nil
	}

	var event types.ContractEvent
	decoded, err := e.registry.Decode(lg)
	switch {
	case err != nil:
		metrics.DecodeFailure(e.Name())
		e.log.Warn("failed to decode log, publishing raw",
			zap.String("address", lg.Address.Hex()),
			zap.Error(err),
		)
		event = types.NewRawContractEvent(lg)
	case decoded == nil:
		event = types.NewRawContractEvent(lg)
	default:
		event = types.NewDecodedContractEvent(lg, decoded.EventName, decoded.Args)
	}

	msgKey := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
	if err := e.pub.Publish(ctx, publish.KindEvent, msgKey, event); err != nil {
		return err
	}

	e.markSeen(key)
	return nil
}

func (e *EventListener) markSeen(key logKey) {
	e.seen[key] = struct{}{}
	e.seenOrder = append(e.seenOrder, key)
	if len(e.seenOrder) > e.cfg.DedupWindow {
		oldest := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, oldest)
	}
}
