package abi

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[{
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
	tokenAddr    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	transferSig  = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferFrom = common.HexToAddress("0x2222222222222222222222222222222222222222")
	transferTo   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func transferLog(t *testing.T) *ethtypes.Log {
	t.Helper()
	value := big.NewInt(1_000_000)
	return &ethtypes.Log{
		Address: tokenAddr,
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(transferFrom.Bytes()),
			common.BytesToHash(transferTo.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xaa"),
		Index:       0,
	}
}

func TestRegistry_DecodeKnownEvent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(tokenAddr, erc20ABI))
	require.True(t, reg.Has(tokenAddr))
	assert.Equal(t, 1, reg.Len())

	decoded, err := reg.Decode(transferLog(t))
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, "Transfer", decoded.EventName)
	assert.Equal(t, transferFrom.Hex(), decoded.Args["from"])
	assert.Equal(t, transferTo.Hex(), decoded.Args["to"])
	assert.Equal(t, "1000000", decoded.Args["value"])
}

func TestRegistry_UnknownAddress(t *testing.T) {
	reg := NewRegistry()

	decoded, err := reg.Decode(transferLog(t))
	assert.NoError(t, err)
	assert.Nil(t, decoded, "unknown address is not an error")
}

func TestRegistry_UnknownTopic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(tokenAddr, erc20ABI))

	log := transferLog(t)
	log.Topics[0] = common.HexToHash("0xdeadbeef")

	decoded, err := reg.Decode(log)
	assert.Error(t, err)
	assert.Nil(t, decoded)
}

func TestRegistry_NoTopics(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(tokenAddr, erc20ABI))

	log := transferLog(t)
	log.Topics = nil

	_, err := reg.Decode(log)
	assert.Error(t, err)
}

func TestRegistry_InvalidABI(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(tokenAddr, `not json`)
	assert.Error(t, err)
	assert.False(t, reg.Has(tokenAddr))
}

func TestRegistry_RegisterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erc20.json")
	require.NoError(t, os.WriteFile(path, []byte(erc20ABI), 0o600))

	reg := NewRegistry()
	require.NoError(t, reg.RegisterFile(tokenAddr, path))
	assert.True(t, reg.Has(tokenAddr))

	err := reg.RegisterFile(tokenAddr, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
