// Package listener contains the four indexing modules that observe a running
// EVM node and turn raw chain activity into published records: blocks,
// confirmed transactions, mempool entries, and contract log events. Each
// listener owns its node connection, recovers from stream drops on its own,
// and publishes to exactly one message kind.
package listener

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Runner is a listener module the orchestrator can fan out. Run blocks until
// the context is cancelled or the module fails persistently; cancellation is
// a clean stop and returns nil.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// txSender recovers the sender address of a transaction using the newest
// signer for its chain id.
func txSender(tx *ethtypes.Transaction) (common.Address, error) {
	signer := ethtypes.LatestSignerForChainID(tx.ChainId())
	return ethtypes.Sender(signer, tx)
}

// isCancelled reports whether err is context cancellation or expiry.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
