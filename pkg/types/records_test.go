package types

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxStatus_Valid(t *testing.T) {
	assert.True(t, TxStatusPending.Valid())
	assert.True(t, TxStatusSuccess.Valid())
	assert.True(t, TxStatusFailed.Valid())
	assert.True(t, TxStatusDropped.Valid())
	assert.False(t, TxStatus("mined").Valid())
	assert.False(t, TxStatus("").Valid())
}

func TestTxStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to TxStatus
		want     bool
	}{
		{TxStatusPending, TxStatusSuccess, true},
		{TxStatusPending, TxStatusFailed, true},
		{TxStatusPending, TxStatusDropped, true},
		{TxStatusPending, TxStatusPending, true},
		{TxStatusSuccess, TxStatusPending, false},
		{TxStatusFailed, TxStatusPending, false},
		{TxStatusSuccess, TxStatusFailed, false},
		{TxStatusSuccess, TxStatusDropped, false},
		{TxStatusFailed, TxStatusDropped, false},
		{TxStatusDropped, TxStatusSuccess, true},
		{TxStatusDropped, TxStatusFailed, true},
		{TxStatusDropped, TxStatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to),
			"transition %s -> %s", tt.from, tt.to)
	}
}

func TestNewBlockRecord(t *testing.T) {
	header := &ethtypes.Header{
		Number:     big.NewInt(1337),
		ParentHash: common.HexToHash("0xaa"),
		Time:       1700000000,
		Coinbase:   common.HexToAddress("0x01"),
		GasLimit:   30_000_000,
		GasUsed:    21_000,
		Difficulty: big.NewInt(1),
	}
	block := ethtypes.NewBlockWithHeader(header)

	record := NewBlockRecord(block)

	assert.Equal(t, uint64(1337), record.Number)
	assert.Equal(t, block.Hash(), record.Hash)
	assert.Equal(t, common.HexToHash("0xaa"), record.ParentHash)
	assert.Equal(t, uint64(1700000000), record.Timestamp)
	assert.Equal(t, common.HexToAddress("0x01"), record.Miner)
	assert.Equal(t, uint64(21_000), record.GasUsed)
	assert.Equal(t, uint64(30_000_000), record.GasLimit)
	assert.Equal(t, 0, record.TxCount)
	assert.False(t, record.Reorged)
}

func TestNewTransactionRecord(t *testing.T) {
	to := common.HexToAddress("0x02")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    big.NewInt(1000),
		Gas:      21000,
		GasPrice: big.NewInt(2_000_000_000),
	})
	receipt := &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		GasUsed:     21000,
		BlockNumber: big.NewInt(42),
		BlockHash:   common.HexToHash("0xbb"),
	}
	from := common.HexToAddress("0x03")

	record := NewTransactionRecord(tx, from, receipt)

	require.NotNil(t, record.BlockNumber)
	assert.Equal(t, uint64(42), *record.BlockNumber)
	require.NotNil(t, record.BlockHash)
	assert.Equal(t, common.HexToHash("0xbb"), *record.BlockHash)
	assert.Equal(t, TxStatusSuccess, record.Status)
	assert.Equal(t, from, record.From)
	assert.Equal(t, &to, record.To)
	assert.Equal(t, "1000", record.Value)
	assert.Equal(t, "2000000000", record.GasPrice)
	assert.Equal(t, uint64(7), record.Nonce)
}

func TestNewTransactionRecord_Failed(t *testing.T) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	receipt := &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1),
	}

	record := NewTransactionRecord(tx, common.Address{}, receipt)

	assert.Equal(t, TxStatusFailed, record.Status)
	assert.Nil(t, record.To, "contract creation has no recipient")
}

func TestNewDroppedRecord(t *testing.T) {
	hash := common.HexToHash("0xdead")
	record := NewDroppedRecord(hash)

	assert.Equal(t, hash, record.Hash)
	assert.Equal(t, TxStatusDropped, record.Status)
	assert.Nil(t, record.BlockNumber)
	assert.Nil(t, record.BlockHash)
}

func TestNewMempoolEntry(t *testing.T) {
	to := common.HexToAddress("0x04")
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		To:       &to,
		Value:    big.NewInt(5),
		Gas:      21000,
		GasPrice: big.NewInt(3),
	})
	seen := time.Now()

	entry := NewMempoolEntry(tx, common.HexToAddress("0x05"), seen)

	assert.Equal(t, tx.Hash(), entry.Hash)
	assert.Equal(t, "5", entry.Value)
	assert.Equal(t, "3", entry.GasPrice)
	assert.Equal(t, seen, entry.FirstSeenAt)
}

func TestContractEvent_RawAndDecoded(t *testing.T) {
	log := &ethtypes.Log{
		Address:     common.HexToAddress("0x06"),
		Topics:      []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")},
		Data:        []byte{0x0a},
		BlockNumber: 9,
		Index:       3,
		TxHash:      common.HexToHash("0xcc"),
	}

	raw := NewRawContractEvent(log)
	assert.False(t, raw.Decoded)
	assert.Empty(t, raw.EventName)
	assert.Equal(t, log.Topics, raw.Topics)
	assert.Equal(t, uint(3), raw.LogIndex)

	decoded := NewDecodedContractEvent(log, "Transfer", map[string]any{"value": "100"})
	assert.True(t, decoded.Decoded)
	assert.Equal(t, "Transfer", decoded.EventName)
	assert.Equal(t, "100", decoded.Args["value"])
	assert.Equal(t, raw.TxHash, decoded.TxHash)
}

func TestTransactionRecord_JSONStable(t *testing.T) {
	record := NewDroppedRecord(common.HexToHash("0x07"))

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "dropped", decoded["status"])
	assert.NotContains(t, decoded, "block_number")
}
