package testutil

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChain_Linked(t *testing.T) {
	genesis := common.HexToHash("0x99")
	chain := NewChain(100, 3, genesis, 0)

	require.Len(t, chain, 3)
	assert.Equal(t, genesis, chain[0].ParentHash())
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].Hash(), chain[i].ParentHash())
		assert.Equal(t, uint64(100+i), chain[i].NumberU64())
	}
}

func TestNewBlock_ForksDiffer(t *testing.T) {
	parent := common.HexToHash("0x99")
	a := NewBlock(100, parent, 0)
	b := NewBlock(100, parent, 1)
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestNewSignedTx_RecoverableSender(t *testing.T) {
	key := NewKey(t)
	tx := NewSignedTx(t, key, 7)

	signer := types.LatestSignerForChainID(ChainID)
	from, err := types.Sender(signer, tx)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, from)
	assert.Equal(t, uint64(7), tx.Nonce())
}

func TestNewReceipt(t *testing.T) {
	key := NewKey(t)
	tx := NewSignedTx(t, key, 0)
	block := NewBlock(100, common.HexToHash("0x99"), 0, tx)

	receipt := NewReceipt(tx, block, types.ReceiptStatusSuccessful)
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, block.Hash(), receipt.BlockHash)
	assert.Equal(t, uint64(100), receipt.BlockNumber.Uint64())
}
