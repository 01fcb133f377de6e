// Package testutil holds shared helpers for building chain fixtures in tests.
package testutil

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ChainID is the chain id used for signing test transactions.
var ChainID = big.NewInt(1337)

// NewTestLogger creates a test logger that fails the test if construction
// fails.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

// NewBlock creates a block at the given height with the given parent and
// transactions. The extra byte feeds the header hash so tests can build
// competing forks over the same heights.
func NewBlock(number uint64, parent common.Hash, extra byte, txs ...*types.Transaction) *types.Block {
	header := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: parent,
		Time:       1_700_000_000 + number,
		Difficulty: big.NewInt(1),
		GasLimit:   30_000_000,
		GasUsed:    21_000 * uint64(len(txs)),
		Extra:      []byte{extra},
	}
	block := types.NewBlockWithHeader(header)
	if len(txs) > 0 {
		block = block.WithBody(types.Body{Transactions: txs})
	}
	return block
}

// NewChain creates n linked blocks starting at height start.
func NewChain(start uint64, n int, parent common.Hash, extra byte) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		block := NewBlock(start+uint64(i), parent, extra)
		parent = block.Hash()
		blocks = append(blocks, block)
	}
	return blocks
}

// NewKey generates a fresh signing key.
func NewKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// NewSignedTx creates a signed dynamic-fee transaction with the given nonce.
func NewSignedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0x4444444444444444444444444444444444444444")
	signer := types.LatestSignerForChainID(ChainID)
	return types.MustSignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   ChainID,
		Nonce:     nonce,
		To:        &to,
		Value:     big.NewInt(1000),
		Gas:       21000,
		GasFeeCap: big.NewInt(1_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	})
}

// NewReceipt creates a receipt tying a transaction to a block with the given
// execution status.
func NewReceipt(tx *types.Transaction, block *types.Block, status uint64) *types.Receipt {
	return &types.Receipt{
		Type:        tx.Type(),
		TxHash:      tx.Hash(),
		Status:      status,
		GasUsed:     21000,
		BlockNumber: new(big.Int).Set(block.Number()),
		BlockHash:   block.Hash(),
	}
}
