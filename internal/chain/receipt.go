package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

// WaitForReceipt polls until the transaction is mined. A reverted receipt is
// an execution error; transient polling failures are ignored until timeout.
func WaitForReceipt(ctx context.Context, reader Reader, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := reader.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return receipt, clierr.New(clierr.CodeExecution, "transaction reverted on-chain")
		}
		select {
		case <-waitCtx.Done():
			return nil, clierr.Wrap(clierr.CodeUnavailable, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
