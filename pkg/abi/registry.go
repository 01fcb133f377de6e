package abi

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Registry maps contract addresses to parsed ABIs for best-effort log
// decoding. Unknown addresses are not an error; callers fall back to raw
// topics/data and may backfill once an ABI becomes known.
type Registry struct {
	mu        sync.RWMutex
	contracts map[common.Address]*contractABI
}

type contractABI struct {
	address common.Address
	parsed  *abi.ABI
}

// Decoded is the result of decoding a log against a registered ABI.
type Decoded struct {
	EventName string
	Args      map[string]any
}

// NewRegistry creates an empty ABI registry.
func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[common.Address]*contractABI),
	}
}

// Register parses and stores an ABI for a contract address.
func (r *Registry) Register(address common.Address, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("failed to parse ABI for %s: %w", address.Hex(), err)
	}

	r.mu.Lock()
	r.contracts[address] = &contractABI{address: address, parsed: &parsed}
	r.mu.Unlock()
	return nil
}

// RegisterFile reads an ABI JSON file and registers it for the address.
func (r *Registry) RegisterFile(address common.Address, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read ABI file %s: %w", path, err)
	}
	return r.Register(address, string(data))
}

// Has reports whether an ABI is registered for the address.
func (r *Registry) Has(address common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[address]
	return ok
}

// Len returns the number of registered contracts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// Decode decodes a log against the registered ABI for its emitting contract.
// Returns (nil, nil) when no ABI is registered for the address; returns an
// error when an ABI exists but the log does not match it, so callers can
// distinguish "unknown contract" from "malformed log".
func (r *Registry) Decode(log *ethtypes.Log) (*Decoded, error) {
	r.mu.RLock()
	contract, ok := r.contracts[log.Address]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	event, err := contract.parsed.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("event not found for topic %s: %w", log.Topics[0].Hex(), err)
	}

	args := make(map[string]any)

	var indexed abi.Arguments
	var nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse indexed parameters: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("failed to parse non-indexed parameters: %w", err)
		}
	}

	return &Decoded{
		EventName: event.RawName,
		Args:      serializeArgs(args),
	}, nil
}

// serializeArgs converts ABI types to JSON-serializable types.
func serializeArgs(args map[string]any) map[string]any {
	result := make(map[string]any, len(args))
	for key, value := range args {
		result[key] = serializeValue(value)
	}
	return result
}

func serializeValue(value any) any {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return common.Bytes2Hex(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = serializeValue(item)
		}
		return result
	case map[string]any:
		return serializeArgs(v)
	default:
		return v
	}
}
