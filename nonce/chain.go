// Package nonce implements the Nonce Cache: a sliding-window duplicate
// transaction detector keyed by (sender address, random id).
package nonce

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transaction is the minimal transaction surface the Nonce Cache consumes.
type Transaction interface {
	From() common.Address
	RandomID() *big.Int
}

// BlockChain is the external collaborator the Nonce Cache reads block
// contents from when resynchronizing its window.
type BlockChain interface {
	Number() (uint64, error)
	NumberHash(height uint64) (common.Hash, error)
	Transactions(blockHash common.Hash) ([]Transaction, error)
}
