package listener

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	abireg "github.com/blockscan-labs/chainfeed/pkg/abi"
	"github.com/blockscan-labs/chainfeed/pkg/publish"
	"github.com/blockscan-labs/chainfeed/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const transferABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	],
	"name": "Transfer",
	"type": "event"
}]`

var (
	eventContract = common.HexToAddress("0x5555555555555555555555555555555555555555")
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

type logSource struct {
	mu         sync.Mutex
	logs       chan<- ethtypes.Log
	query      ethereum.FilterQuery
	sub        *fakeSub
	subscribed chan struct{}
	reconnects int
}

func newLogSource() *logSource {
	return &logSource{subscribed: make(chan struct{}, 8)}
}

func (s *logSource) SubscribeLogs(_ context.Context, query ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	s.mu.Lock()
	s.logs = ch
	s.query = query
	sub := newFakeSub()
	s.sub = sub
	s.mu.Unlock()
	s.subscribed <- struct{}{}
	return sub, nil
}

func (s *logSource) Reconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *logSource) emit(lg ethtypes.Log) {
	s.mu.Lock()
	ch := s.logs
	s.mu.Unlock()
	ch <- lg
}

func (s *logSource) failSubscription(err error) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	sub.fail(err)
}

func transferEventLog(index uint, removed bool) ethtypes.Log {
	value := big.NewInt(42)
	return ethtypes.Log{
		Address: eventContract,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress("0xaaaa").Bytes()),
			common.BytesToHash(common.HexToAddress("0xbbbb").Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xf00d"),
		Index:       index,
		Removed:     removed,
	}
}

func startEventListener(t *testing.T, src *logSource, registry *abireg.Registry, cfg EventConfig) *publish.MemoryPublisher {
	t.Helper()
	pub := publish.NewMemoryPublisher("chainfeed")
	l := NewEventListener(src, pub, registry, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("listener did not stop")
		}
	})

	select {
	case <-src.subscribed:
	case <-time.After(time.Second):
		t.Fatal("listener never subscribed")
	}
	return pub
}

func TestEventListener_DecodedEvent(t *testing.T) {
	registry := abireg.NewRegistry()
	require.NoError(t, registry.Register(eventContract, transferABI))

	src := newLogSource()
	pub := startEventListener(t, src, registry, EventConfig{
		Addresses: []common.Address{eventContract},
	})

	src.emit(transferEventLog(0, false))

	msgs := waitForMessages(t, pub, 1)
	require.Equal(t, publish.KindEvent, msgs[0].Kind)

	var ev types.ContractEvent
	require.NoError(t, publish.Decode(msgs[0], &ev))
	assert.True(t, ev.Decoded)
	assert.Equal(t, "Transfer", ev.EventName)
	assert.Equal(t, "42", ev.Args["value"])
	assert.Equal(t, eventContract, ev.Address)
	assert.Equal(t, uint64(100), ev.BlockNumber)
}

func TestEventListener_RawFallbackForUnknownContract(t *testing.T) {
	src := newLogSource()
	pub := startEventListener(t, src, nil, EventConfig{})

	src.emit(transferEventLog(0, false))

	msgs := waitForMessages(t, pub, 1)
	var ev types.ContractEvent
	require.NoError(t, publish.Decode(msgs[0], &ev))
	assert.False(t, ev.Decoded)
	assert.Empty(t, ev.EventName)
	assert.Len(t, ev.Topics, 3)
	assert.NotEmpty(t, ev.Data)
}

func TestEventListener_RawFallbackForUndecodableLog(t *testing.T) {
	registry := abireg.NewRegistry()
	require.NoError(t, registry.Register(eventContract, transferABI))

	src := newLogSource()
	pub := startEventListener(t, src, registry, EventConfig{})

	lg := transferEventLog(0, false)
	lg.Topics = []common.Hash{common.HexToHash("0xdead")}
	src.emit(lg)

	msgs := waitForMessages(t, pub, 1)
	var ev types.ContractEvent
	require.NoError(t, publish.Decode(msgs[0], &ev))
	assert.False(t, ev.Decoded, "ABI mismatch still publishes the raw log")
}

func TestEventListener_DuplicateLogIgnored(t *testing.T) {
	src := newLogSource()
	pub := startEventListener(t, src, nil, EventConfig{})

	src.emit(transferEventLog(0, false))
	src.emit(transferEventLog(0, false))
	src.emit(transferEventLog(1, false))

	msgs := waitForMessages(t, pub, 2)
	assert.Len(t, msgs, 2)
}

func TestEventListener_RemovedLogPassesDedup(t *testing.T) {
	src := newLogSource()
	pub := startEventListener(t, src, nil, EventConfig{})

	src.emit(transferEventLog(0, false))
	src.emit(transferEventLog(0, true))

	msgs := waitForMessages(t, pub, 2)

	var first, second types.ContractEvent
	require.NoError(t, publish.Decode(msgs[0], &first))
	require.NoError(t, publish.Decode(msgs[1], &second))
	assert.False(t, first.Removed)
	assert.True(t, second.Removed, "reorg removal notice is published")
}

func TestEventListener_ResubscribesAfterDrop(t *testing.T) {
	src := newLogSource()
	pub := startEventListener(t, src, nil, EventConfig{
		Addresses: []common.Address{eventContract},
	})

	src.emit(transferEventLog(0, false))
	waitForMessages(t, pub, 1)

	src.failSubscription(errors.New("connection reset"))
	select {
	case <-src.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never resubscribed")
	}

	src.emit(transferEventLog(1, false))
	waitForMessages(t, pub, 2)

	src.mu.Lock()
	query := src.query
	src.mu.Unlock()
	assert.Equal(t, []common.Address{eventContract}, query.Addresses)
}
