package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the key behind the local wallet. Transactions are signed for
// a chain ID; CoW orders are signed as an EIP-712 digest.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	// SignHash returns a 65-byte [R || S || V] signature with V in {0, 1}.
	SignHash(hash []byte) ([]byte, error)
}
