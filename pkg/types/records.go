package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxStatus is the lifecycle status of an indexed transaction.
type TxStatus string

const (
	// TxStatusPending marks a transaction seen in the mempool but not mined.
	TxStatusPending TxStatus = "pending"

	// TxStatusSuccess marks a mined transaction whose receipt reported success.
	TxStatusSuccess TxStatus = "success"

	// TxStatusFailed marks a mined transaction whose receipt reported failure.
	TxStatusFailed TxStatus = "failed"

	// TxStatusDropped marks a pending transaction that aged out of the mempool
	// without ever being confirmed.
	TxStatusDropped TxStatus = "dropped"
)

// Valid reports whether s is a known status value.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusSuccess, TxStatusFailed, TxStatusDropped:
		return true
	}
	return false
}

// Confirmed reports whether the status represents a mined transaction.
func (s TxStatus) Confirmed() bool {
	return s == TxStatusSuccess || s == TxStatusFailed
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic lifecycle: a record never regresses to pending, and a confirmed
// record never becomes dropped. A dropped transaction may still confirm later
// if the node re-accepts it.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case TxStatusPending:
		return true
	case TxStatusDropped:
		return next.Confirmed()
	default: // success, failed
		return false
	}
}

// BlockRecord is the published representation of a canonical block.
// Immutable once published; a later record for the same height supersedes it.
type BlockRecord struct {
	Number     uint64         `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parent_hash"`
	Timestamp  uint64         `json:"timestamp"`
	Miner      common.Address `json:"miner"`
	GasUsed    uint64         `json:"gas_used"`
	GasLimit   uint64         `json:"gas_limit"`
	TxCount    int            `json:"tx_count"`
	Size       uint64         `json:"size"`

	// Reorged is set when this record replaces a previously published block
	// at the same height after a chain reorganization.
	Reorged bool `json:"reorged,omitempty"`
}

// NewBlockRecord builds a BlockRecord from a full block.
func NewBlockRecord(block *ethtypes.Block) BlockRecord {
	return BlockRecord{
		Number:     block.NumberU64(),
		Hash:       block.Hash(),
		ParentHash: block.ParentHash(),
		Timestamp:  block.Time(),
		Miner:      block.Coinbase(),
		GasUsed:    block.GasUsed(),
		GasLimit:   block.GasLimit(),
		TxCount:    len(block.Transactions()),
		Size:       block.Size(),
	}
}

// TransactionRecord is the published representation of a transaction.
// Block fields are nil while the transaction is pending. Downstream consumers
// upsert by Hash; status transitions follow TxStatus.CanTransitionTo.
type TransactionRecord struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *uint64         `json:"block_number,omitempty"`
	BlockHash   *common.Hash    `json:"block_hash,omitempty"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	Value       string          `json:"value"`
	GasPrice    string          `json:"gas_price"`
	GasLimit    uint64          `json:"gas_limit"`
	Nonce       uint64          `json:"nonce"`
	Input       []byte          `json:"input,omitempty"`
	Status      TxStatus        `json:"status"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	LogsBloom   []byte          `json:"logs_bloom,omitempty"`
}

// NewTransactionRecord builds a confirmed TransactionRecord from a mined
// transaction and its receipt.
func NewTransactionRecord(tx *ethtypes.Transaction, from common.Address, receipt *ethtypes.Receipt) TransactionRecord {
	status := TxStatusFailed
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		status = TxStatusSuccess
	}

	number := receipt.BlockNumber.Uint64()
	blockHash := receipt.BlockHash
	bloom := receipt.Bloom.Bytes()

	return TransactionRecord{
		Hash:        tx.Hash(),
		BlockNumber: &number,
		BlockHash:   &blockHash,
		From:        from,
		To:          tx.To(),
		Value:       tx.Value().String(),
		GasPrice:    tx.GasPrice().String(),
		GasLimit:    tx.Gas(),
		Nonce:       tx.Nonce(),
		Input:       tx.Data(),
		Status:      status,
		GasUsed:     receipt.GasUsed,
		LogsBloom:   bloom,
	}
}

// NewDroppedRecord builds the single "dropped" record published for a mempool
// entry that aged out without confirmation.
func NewDroppedRecord(hash common.Hash) TransactionRecord {
	return TransactionRecord{
		Hash:   hash,
		Status: TxStatusDropped,
	}
}

// MempoolEntry is the published representation of a transaction first seen in
// the mempool. Transient: a confirmed TransactionRecord with the same hash
// implicitly supersedes it.
type MempoolEntry struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	Value       string          `json:"value"`
	GasPrice    string          `json:"gas_price"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
}

// NewMempoolEntry builds a MempoolEntry from a pending transaction.
func NewMempoolEntry(tx *ethtypes.Transaction, from common.Address, firstSeen time.Time) MempoolEntry {
	return MempoolEntry{
		Hash:        tx.Hash(),
		From:        from,
		To:          tx.To(),
		Value:       tx.Value().String(),
		GasPrice:    tx.GasPrice().String(),
		FirstSeenAt: firstSeen,
	}
}

// ContractEvent is the published representation of a contract log. When the
// emitting contract's ABI is known the event name and decoded arguments are
// populated; otherwise the raw topics and data still ship so downstream can
// backfill once an ABI becomes available. Keyed by (TxHash, LogIndex).
type ContractEvent struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        []byte         `json:"data,omitempty"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint           `json:"log_index"`
	TxHash      common.Hash    `json:"tx_hash"`

	// Removed mirrors the node's reorg flag: the log was part of a block that
	// is no longer canonical.
	Removed bool `json:"removed,omitempty"`

	// Decoded is true when EventName and Args are populated from a known ABI.
	Decoded   bool           `json:"decoded"`
	EventName string         `json:"event_name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// NewRawContractEvent builds an undecoded ContractEvent from a log.
func NewRawContractEvent(log *ethtypes.Log) ContractEvent {
	return ContractEvent{
		Address:     log.Address,
		Topics:      log.Topics,
		Data:        log.Data,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
		Removed:     log.Removed,
	}
}

// NewDecodedContractEvent builds a ContractEvent carrying decoded arguments
// alongside the raw log fields.
func NewDecodedContractEvent(log *ethtypes.Log, eventName string, args map[string]any) ContractEvent {
	ev := NewRawContractEvent(log)
	ev.Decoded = true
	ev.EventName = eventName
	ev.Args = args
	return ev
}
