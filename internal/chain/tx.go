package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxRequest is an unsigned transaction as handed to a wallet. Gas is only
// set when the builder knows a better limit than the wallet's estimate.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// DataHex returns the calldata with a 0x prefix.
func (t TxRequest) DataHex() string {
	return hexutil.Encode(t.Data)
}

// ValueOrZero never returns nil.
func (t TxRequest) ValueOrZero() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value
}
