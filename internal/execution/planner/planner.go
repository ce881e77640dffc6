// Package planner turns a selected quote into the unsigned transactions the
// wallet is asked to send.
package planner

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/contraparty/internal/approval"
	"github.com/ggonzalez94/contraparty/internal/chain"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/providers"
	"github.com/ggonzalez94/contraparty/internal/providers/contraparty"
	"github.com/ggonzalez94/contraparty/internal/providers/elfomo"
	"github.com/ggonzalez94/contraparty/internal/quote"
	"github.com/ggonzalez94/contraparty/internal/registry"
)

var erc20ABI = providers.MustABI(registry.ERC20MinimalABI)

// ApproveSelector is the 4-byte id of approve(address,uint256).
func ApproveSelector() []byte {
	return erc20ABI.Methods["approve"].ID
}

// ApprovalTx encodes approve(spender, amount) on token. A nil amount
// approves the maximum uint256.
func ApprovalTx(token, spender string, amount *big.Int) (chain.TxRequest, error) {
	target, ok := id.NormalizeAddress(token)
	if !ok || id.IsNativeToken(target) {
		return chain.TxRequest{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	approved, ok := id.NormalizeAddress(spender)
	if !ok {
		return chain.TxRequest{}, clierr.New(clierr.CodeUsage, "No spender configured for approval.")
	}
	if amount == nil {
		amount = approval.MaxAllowance.ToBig()
	}
	if amount.Sign() <= 0 {
		return chain.TxRequest{}, clierr.New(clierr.CodeUsage, "approval amount must be positive")
	}
	data, err := erc20ABI.Pack("approve", common.HexToAddress(approved), amount)
	if err != nil {
		return chain.TxRequest{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return chain.TxRequest{To: common.HexToAddress(target), Data: data, Value: new(big.Int)}, nil
}

// SwapContract is the contract a direct-call source swaps through: the
// network's configured contract, else the quote's spender.
func SwapContract(source providers.Source, network registry.Network, q *quote.Quote) string {
	var configured string
	switch source {
	case providers.SourceContraparty:
		configured = network.ContrapartyContract
	case providers.SourceElfomo:
		configured = network.ElfomoContract
	default:
		return ""
	}
	if strings.TrimSpace(configured) == "" && q != nil {
		configured = q.Spender
	}
	normalized, _ := id.NormalizeAddress(configured)
	return normalized
}

// DirectSwapTx builds the swap call for sources that settle on their own
// quoting contract.
func DirectSwapTx(network registry.Network, q *quote.Quote, receiver string) (chain.TxRequest, error) {
	if q == nil || !q.Positive() || q.AmountIn == nil {
		return chain.TxRequest{}, clierr.New(clierr.CodeStale, "Unable to swap without a valid quote.")
	}
	minOut := q.MinOut
	if minOut == nil {
		minOut = quote.MinOutput(q.QuotedOut, q.SlippageBps)
	}
	contract := SwapContract(q.Source, network, q)

	var (
		tx  chain.TxRequest
		err error
	)
	switch q.Source {
	case providers.SourceContraparty:
		if contract == "" {
			return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "Contraparty contract is not configured on this chain.")
		}
		tx, err = contraparty.BuildSwap(contract, q.FromToken.Address, q.ToToken.Address, q.AmountIn, minOut, receiver)
	case providers.SourceElfomo:
		if contract == "" {
			return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "Elfomo contract is not configured on this chain.")
		}
		tx, err = elfomo.BuildSwap(contract, q.FromToken.Address, q.ToToken.Address, q.AmountIn, minOut, receiver)
	default:
		return chain.TxRequest{}, clierr.New(clierr.CodeUnsupported, "Unsupported route source.")
	}
	if err != nil {
		return chain.TxRequest{}, err
	}
	return tx, nil
}

// SwapSelector is the 4-byte id a direct swap for source must start with.
func SwapSelector(source providers.Source) []byte {
	switch source {
	case providers.SourceContraparty:
		return contraparty.SwapSelector()
	case providers.SourceElfomo:
		return elfomo.SwapSelector()
	default:
		return nil
	}
}
